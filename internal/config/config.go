// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via SPOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Not modified after Load; components receive either a pointer
// to it or a copy of one section.
type Config struct {
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Exit       ExitConfig       `mapstructure:"exit"`
	Strategies StrategiesConfig `mapstructure:"strategies"`
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// TradingConfig controls the main loop and candidate selection.
type TradingConfig struct {
	PaperTradingMode    bool    `mapstructure:"paper_trading_mode"`
	Granularity         string  `mapstructure:"granularity"`    // e.g. FIFTEEN_MINUTE
	CandleHistory       int     `mapstructure:"candle_history"` // bars pulled per scan
	LoopSleepSeconds    int     `mapstructure:"loop_sleep_seconds"`
	MaxProducts         int     `mapstructure:"max_products"`
	MinSignalConfidence float64 `mapstructure:"min_signal_confidence"`
	AnalysisWorkers     int     `mapstructure:"analysis_workers"`
	FillTimeoutSeconds  int     `mapstructure:"fill_timeout_seconds"`  // entry fill wait
	OrderMaxAgeSeconds  int     `mapstructure:"order_max_age_seconds"` // reconciler ceiling
	MinFillFraction     float64 `mapstructure:"min_fill_fraction"`     // partial accepted at timeout
}

// RiskConfig sets the portfolio invariants gating every entry.
//
//   - RiskPerTrade: fraction of equity risked between entry and stop.
//   - MaxPositionSize: cap on one position as a fraction of equity.
//   - MaxTotalExposure: cap on summed open exposure as a fraction of equity.
//   - MaxDrawdown: peak-to-trough fraction that halts new entries.
//   - DrawdownRelease: fraction of peak equity that releases the halt.
//   - MaxConcurrent: cap on simultaneously open positions.
//   - MaxSpreadPct / MinBuyPressure / MaxFeePct / MaxSlippagePct: pre-trade gates.
type RiskConfig struct {
	RiskPerTrade      float64 `mapstructure:"risk_per_trade"`
	MaxPositionSize   float64 `mapstructure:"max_position_size"`
	MaxTotalExposure  float64 `mapstructure:"max_total_exposure"`
	DefaultStopLoss   float64 `mapstructure:"default_stop_loss"`
	DefaultTakeProfit float64 `mapstructure:"default_take_profit"`
	MaxDrawdown       float64 `mapstructure:"max_drawdown"`
	DrawdownRelease   float64 `mapstructure:"drawdown_release"`
	MaxConcurrent     int     `mapstructure:"max_concurrent"`
	MaxSpreadPct      float64 `mapstructure:"max_spread_pct"`
	MinBuyPressure    float64 `mapstructure:"min_buy_pressure"`
	MaxFeePct         float64 `mapstructure:"max_fee_pct"`
	MaxSlippagePct    float64 `mapstructure:"max_slippage_pct"`
	MinQuoteTrade     float64 `mapstructure:"min_quote_trade"`
}

// ExitConfig tunes the signal-confirmed exit rules in the position monitor.
type ExitConfig struct {
	ProfitExitPct            float64 `mapstructure:"profit_exit_pct"`      // e.g. 0.05
	LossExitPct              float64 `mapstructure:"loss_exit_pct"`        // e.g. -0.02
	LossExitConfidence       float64 `mapstructure:"loss_exit_confidence"` // SELL confidence to cut a loss
	MaxPriceStalenessSeconds int     `mapstructure:"max_price_staleness_seconds"`
}

// StrategiesConfig selects and tunes the signal evaluators.
type StrategiesConfig struct {
	Active        string              `mapstructure:"active"` // momentum | meanrev | breakout | hybrid
	Momentum      MomentumConfig      `mapstructure:"momentum"`
	MeanReversion MeanReversionConfig `mapstructure:"meanrev"`
	Breakout      BreakoutConfig      `mapstructure:"breakout"`
	Hybrid        HybridConfig        `mapstructure:"hybrid"`
}

// MomentumConfig tunes the trend-following evaluator.
type MomentumConfig struct {
	MinADX         float64 `mapstructure:"min_adx"`         // trend-regime precondition
	MinScore       float64 `mapstructure:"min_score"`       // HOLD below this
	PullbackPct    float64 `mapstructure:"pullback_pct"`    // distance to middle band
	VolumeSpikeMul float64 `mapstructure:"volume_spike_mul"`
}

// MeanReversionConfig tunes the band-reversion evaluator.
type MeanReversionConfig struct {
	MinScore      float64 `mapstructure:"min_score"`
	OversoldRSI   float64 `mapstructure:"oversold_rsi"`
	OverboughtRSI float64 `mapstructure:"overbought_rsi"`
}

// BreakoutConfig tunes the consolidation-breakout evaluator.
type BreakoutConfig struct {
	MaxADX          float64 `mapstructure:"max_adx"` // consolidation precondition
	MinScore        float64 `mapstructure:"min_score"`
	SqueezeWidthPct float64 `mapstructure:"squeeze_width_pct"`
	VolumeSpikeMul  float64 `mapstructure:"volume_spike_mul"`
}

// HybridConfig requires K of the three base strategies to agree on BUY.
type HybridConfig struct {
	K int `mapstructure:"k"`
}

// APIConfig holds venue endpoints and credentials. Credentials come from
// the environment in any non-toy deployment: SPOT_API_KEY, SPOT_API_SECRET,
// SPOT_PASSPHRASE.
type APIConfig struct {
	RESTBaseURL string `mapstructure:"rest_base_url"`
	WSURL       string `mapstructure:"ws_url"`
	Key         string `mapstructure:"key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// StoreConfig sets where the durable sqlite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SPOT_API_KEY, SPOT_API_SECRET, SPOT_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SPOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("SPOT_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("SPOT_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("SPOT_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("SPOT_PAPER_TRADING") == "true" || os.Getenv("SPOT_PAPER_TRADING") == "1" {
		cfg.Trading.PaperTradingMode = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.paper_trading_mode", true)
	v.SetDefault("trading.granularity", "FIFTEEN_MINUTE")
	v.SetDefault("trading.candle_history", 200)
	v.SetDefault("trading.loop_sleep_seconds", 60)
	v.SetDefault("trading.max_products", 20)
	v.SetDefault("trading.min_signal_confidence", 0.50)
	v.SetDefault("trading.analysis_workers", 3)
	v.SetDefault("trading.fill_timeout_seconds", 30)
	v.SetDefault("trading.order_max_age_seconds", 300)
	v.SetDefault("trading.min_fill_fraction", 1.0)

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_position_size", 0.10)
	v.SetDefault("risk.max_total_exposure", 0.50)
	v.SetDefault("risk.default_stop_loss", 0.015)
	v.SetDefault("risk.default_take_profit", 0.03)
	v.SetDefault("risk.max_drawdown", 0.15)
	v.SetDefault("risk.drawdown_release", 0.95)
	v.SetDefault("risk.max_concurrent", 5)
	v.SetDefault("risk.max_spread_pct", 0.005)
	v.SetDefault("risk.min_buy_pressure", 0.45)
	v.SetDefault("risk.max_fee_pct", 0.01)
	v.SetDefault("risk.max_slippage_pct", 0.005)
	v.SetDefault("risk.min_quote_trade", 10)

	v.SetDefault("exit.profit_exit_pct", 0.05)
	v.SetDefault("exit.loss_exit_pct", -0.02)
	v.SetDefault("exit.loss_exit_confidence", 0.60)
	v.SetDefault("exit.max_price_staleness_seconds", 30)

	v.SetDefault("strategies.active", "momentum")
	v.SetDefault("strategies.momentum.min_adx", 25)
	v.SetDefault("strategies.momentum.min_score", 3)
	v.SetDefault("strategies.momentum.pullback_pct", 0.015)
	v.SetDefault("strategies.momentum.volume_spike_mul", 2.5)
	v.SetDefault("strategies.meanrev.min_score", 3)
	v.SetDefault("strategies.meanrev.oversold_rsi", 20)
	v.SetDefault("strategies.meanrev.overbought_rsi", 80)
	v.SetDefault("strategies.breakout.max_adx", 20)
	v.SetDefault("strategies.breakout.min_score", 3)
	v.SetDefault("strategies.breakout.squeeze_width_pct", 0.04)
	v.SetDefault("strategies.breakout.volume_spike_mul", 3.0)
	v.SetDefault("strategies.hybrid.k", 2)

	v.SetDefault("store.path", "data/spotbot.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Trading.PaperTradingMode {
		if c.API.Key == "" || c.API.Secret == "" {
			return fmt.Errorf("api.key and api.secret are required for live trading (set SPOT_API_KEY / SPOT_API_SECRET)")
		}
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if c.Trading.CandleHistory < 50 {
		return fmt.Errorf("trading.candle_history must be >= 50 (strategies need warm-up bars)")
	}
	if c.Trading.LoopSleepSeconds <= 0 {
		return fmt.Errorf("trading.loop_sleep_seconds must be > 0")
	}
	if c.Risk.RiskPerTrade <= 0 || c.Risk.RiskPerTrade > 0.10 {
		return fmt.Errorf("risk.risk_per_trade must be in (0, 0.10]")
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.MaxPositionSize > 1 {
		return fmt.Errorf("risk.max_position_size must be in (0, 1]")
	}
	if c.Risk.MaxTotalExposure <= 0 || c.Risk.MaxTotalExposure > 1 {
		return fmt.Errorf("risk.max_total_exposure must be in (0, 1]")
	}
	if c.Risk.MaxConcurrent <= 0 {
		return fmt.Errorf("risk.max_concurrent must be > 0")
	}
	if c.Exit.LossExitPct >= 0 {
		return fmt.Errorf("exit.loss_exit_pct must be negative")
	}
	switch c.Strategies.Active {
	case "momentum", "meanrev", "breakout", "hybrid":
	default:
		return fmt.Errorf("strategies.active must be one of: momentum, meanrev, breakout, hybrid")
	}
	if c.Strategies.Hybrid.K < 1 || c.Strategies.Hybrid.K > 3 {
		return fmt.Errorf("strategies.hybrid.k must be in [1, 3]")
	}
	if c.Trading.MinFillFraction <= 0 || c.Trading.MinFillFraction > 1 {
		return fmt.Errorf("trading.min_fill_fraction must be in (0, 1]")
	}
	return nil
}

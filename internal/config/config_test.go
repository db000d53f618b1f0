package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
api:
  rest_base_url: https://api.example.com
  ws_url: wss://ws.example.com
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if !cfg.Trading.PaperTradingMode {
		t.Error("paper_trading_mode should default to true")
	}
	if cfg.Trading.Granularity != "FIFTEEN_MINUTE" {
		t.Errorf("granularity = %q", cfg.Trading.Granularity)
	}
	if cfg.Trading.CandleHistory != 200 {
		t.Errorf("candle_history = %d", cfg.Trading.CandleHistory)
	}
	if cfg.Risk.RiskPerTrade != 0.01 {
		t.Errorf("risk_per_trade = %v", cfg.Risk.RiskPerTrade)
	}
	if cfg.Risk.MaxConcurrent != 5 {
		t.Errorf("max_concurrent = %d", cfg.Risk.MaxConcurrent)
	}
	if cfg.Exit.LossExitPct != -0.02 {
		t.Errorf("loss_exit_pct = %v", cfg.Exit.LossExitPct)
	}
	if cfg.Strategies.Active != "momentum" {
		t.Errorf("active strategy = %q", cfg.Strategies.Active)
	}
	if cfg.Strategies.Hybrid.K != 2 {
		t.Errorf("hybrid.k = %d", cfg.Strategies.Hybrid.K)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
trading:
  loop_sleep_seconds: 30
strategies:
  active: hybrid
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trading.LoopSleepSeconds != 30 {
		t.Errorf("loop_sleep_seconds = %d", cfg.Trading.LoopSleepSeconds)
	}
	if cfg.Strategies.Active != "hybrid" {
		t.Errorf("active = %q", cfg.Strategies.Active)
	}
}

func TestSecretsFromEnvironment(t *testing.T) {
	t.Setenv("SPOT_API_KEY", "env-key")
	t.Setenv("SPOT_API_SECRET", "env-secret")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Key != "env-key" || cfg.API.Secret != "env-secret" {
		t.Errorf("credentials not taken from env: %q %q", cfg.API.Key, cfg.API.Secret)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing rest url", func(c *Config) { c.API.RESTBaseURL = "" }},
		{"short history", func(c *Config) { c.Trading.CandleHistory = 10 }},
		{"zero loop", func(c *Config) { c.Trading.LoopSleepSeconds = 0 }},
		{"risk too large", func(c *Config) { c.Risk.RiskPerTrade = 0.5 }},
		{"positive loss exit", func(c *Config) { c.Exit.LossExitPct = 0.02 }},
		{"unknown strategy", func(c *Config) { c.Strategies.Active = "martingale" }},
		{"bad hybrid k", func(c *Config) { c.Strategies.Hybrid.K = 5 }},
		{"bad fill fraction", func(c *Config) { c.Trading.MinFillFraction = 0 }},
		{"live without credentials", func(c *Config) { c.Trading.PaperTradingMode = false }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

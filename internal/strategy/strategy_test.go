package strategy

import (
	"reflect"
	"testing"

	"spotbot/internal/config"
	"spotbot/internal/indicator"
	"spotbot/pkg/types"
)

func testStrategiesConfig() config.StrategiesConfig {
	return config.StrategiesConfig{
		Active: "momentum",
		Momentum: config.MomentumConfig{
			MinADX:         25,
			MinScore:       3,
			PullbackPct:    0.015,
			VolumeSpikeMul: 2.5,
		},
		MeanReversion: config.MeanReversionConfig{
			MinScore:      3,
			OversoldRSI:   20,
			OverboughtRSI: 80,
		},
		Breakout: config.BreakoutConfig{
			MaxADX:          20,
			MinScore:        3,
			SqueezeWidthPct: 0.04,
			VolumeSpikeMul:  3.0,
		},
		Hybrid: config.HybridConfig{K: 2},
	}
}

// fill sets every element of a column to v.
func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// neutralSeries builds a fully-valid series long enough for every
// strategy, with benign values that trip no rules: mild bullish trend,
// mid-range RSI, price on the middle band, average volume.
func neutralSeries() *indicator.Series {
	n := indicator.WarmUp + 2
	s := &indicator.Series{
		Time:       make([]int64, n),
		Open:       fill(n, 100),
		High:       fill(n, 100.5),
		Low:        fill(n, 99.5),
		Close:      fill(n, 100),
		Volume:     fill(n, 1000),
		EMA20:      fill(n, 99),
		EMA50:      fill(n, 98),
		EMA200:     fill(n, 97),
		RSI:        fill(n, 55),
		MACD:       fill(n, 0.5),
		MACDSignal: fill(n, 0.6), // no cross
		MACDHist:   fill(n, -0.1),
		BBUpper:    fill(n, 104),
		BBMiddle:   fill(n, 100),
		BBLower:    fill(n, 96),
		BBWidth:    fill(n, 0.08),
		ADX:        fill(n, 30),
		PlusDI:     fill(n, 25),
		MinusDI:    fill(n, 15),
		StochK:     fill(n, 50),
		StochD:     fill(n, 50),
		ATR:        fill(n, 1),
		RollHigh:   fill(n, 105),
		RollLow:    fill(n, 95),
		VolSMA:     fill(n, 1000),
	}
	return s
}

func last(s *indicator.Series) int { return s.Len() - 1 }

func TestMomentumFullBuySetup(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	// Bullish stack, MACD crossing up this bar, RSI in zone, pullback to
	// middle band, volume spike: every rule fires.
	s.MACD[i-1], s.MACDSignal[i-1] = 0.3, 0.4
	s.MACD[i], s.MACDSignal[i] = 0.5, 0.4
	s.Volume[i] = 2600

	sig := NewMomentum(testStrategiesConfig().Momentum).Analyze(s, "BTC-USD")
	if sig.Action != types.ActionBuy {
		t.Fatalf("action = %s, want BUY (reasons: %v)", sig.Action, sig.Reasons)
	}
	if sig.Confidence != 1 {
		t.Errorf("confidence = %v, want 1 (all rules fired)", sig.Confidence)
	}
	if len(sig.Reasons) == 0 {
		t.Error("BUY signal must carry reasons")
	}
}

func TestMomentumRequiresTrendRegime(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	s.ADX[i] = 20 // below the trend threshold
	s.MACD[i-1], s.MACDSignal[i-1] = 0.3, 0.4

	sig := NewMomentum(testStrategiesConfig().Momentum).Analyze(s, "BTC-USD")
	if sig.Action != types.ActionHold {
		t.Errorf("action = %s, want HOLD without trend regime", sig.Action)
	}
}

func TestMomentumNeverBuysAboveUpperBand(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	s.Close[i] = 105 // extension above the upper band
	s.MACD[i-1], s.MACDSignal[i-1] = 0.3, 0.4
	s.MACD[i], s.MACDSignal[i] = 0.5, 0.4
	s.Volume[i] = 2600

	sig := NewMomentum(testStrategiesConfig().Momentum).Analyze(s, "BTC-USD")
	if sig.Action == types.ActionBuy {
		t.Errorf("bought above upper band: %v", sig.Reasons)
	}
}

func TestMomentumPullbackMandatory(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	s.Close[i] = 103 // 3% above the middle band, no pullback
	s.MACD[i-1], s.MACDSignal[i-1] = 0.3, 0.4
	s.MACD[i], s.MACDSignal[i] = 0.5, 0.4
	s.Volume[i] = 2600

	sig := NewMomentum(testStrategiesConfig().Momentum).Analyze(s, "BTC-USD")
	if sig.Action == types.ActionBuy {
		t.Errorf("bought without pullback: %v", sig.Reasons)
	}
}

func TestMomentumSellOnBearishBreak(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	// Bearish stack, MACD cross down, price under the middle band.
	for j := 0; j < s.Len(); j++ {
		s.EMA20[j], s.EMA50[j], s.EMA200[j] = 97, 98, 99
	}
	s.MACD[i-1], s.MACDSignal[i-1] = 0.5, 0.4
	s.MACD[i], s.MACDSignal[i] = 0.3, 0.4
	s.Close[i] = 99

	sig := NewMomentum(testStrategiesConfig().Momentum).Analyze(s, "BTC-USD")
	if sig.Action != types.ActionSell {
		t.Fatalf("action = %s, want SELL (reasons: %v)", sig.Action, sig.Reasons)
	}
}

func TestMeanReversionBuysOversoldAboveEMA200(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	for j := 0; j < s.Len(); j++ {
		s.EMA200[j] = 94 // long-term uptrend intact
	}
	s.Close[i] = 95.5 // below lower band, z < −2
	s.RSI[i] = 15
	s.StochK[i-1], s.StochD[i-1] = 10, 12
	s.StochK[i], s.StochD[i] = 15, 14

	sig := NewMeanReversion(testStrategiesConfig().MeanReversion).Analyze(s, "ETH-USD")
	if sig.Action != types.ActionBuy {
		t.Fatalf("action = %s, want BUY (reasons: %v)", sig.Action, sig.Reasons)
	}
	if sig.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", sig.Confidence)
	}
}

func TestMeanReversionPenalizedBelowEMA200(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	// EMA200 above price: reversion entry in a downtrend. Band touch,
	// oversold RSI and the z-score fire (5), the penalty drags it under
	// the threshold.
	s.Close[i] = 95.5
	s.RSI[i] = 15

	sig := NewMeanReversion(testStrategiesConfig().MeanReversion).Analyze(s, "ETH-USD")
	if sig.Action == types.ActionBuy {
		t.Errorf("bought below EMA200: %v", sig.Reasons)
	}
}

func TestMeanReversionSellsOverbought(t *testing.T) {
	t.Parallel()
	s := neutralSeries()
	i := last(s)
	s.Close[i] = 104.5 // above upper band, z > 2
	s.RSI[i] = 85
	s.StochK[i-1], s.StochD[i-1] = 90, 88
	s.StochK[i], s.StochD[i] = 85, 87

	sig := NewMeanReversion(testStrategiesConfig().MeanReversion).Analyze(s, "ETH-USD")
	if sig.Action != types.ActionSell {
		t.Fatalf("action = %s, want SELL (reasons: %v)", sig.Action, sig.Reasons)
	}
}

func breakoutSeries() *indicator.Series {
	s := neutralSeries()
	i := last(s)
	for j := 0; j < s.Len(); j++ {
		s.ADX[j] = 15 // consolidation before the move
	}
	s.Close[i] = 106    // above the 50-bar high
	s.BBWidth[i] = 0.03 // squeeze
	for j := i - 10; j < i; j++ {
		s.Volume[j] = 500 // dry-up
	}
	s.Volume[i] = 3100 // spike ≥ 3×
	return s
}

func TestBreakoutBuysRangeExpansion(t *testing.T) {
	t.Parallel()
	s := breakoutSeries()

	sig := NewBreakout(testStrategiesConfig().Breakout).Analyze(s, "SOL-USD")
	if sig.Action != types.ActionBuy {
		t.Fatalf("action = %s, want BUY (reasons: %v)", sig.Action, sig.Reasons)
	}
	if sig.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", sig.Confidence)
	}
}

func TestBreakoutRequiresPriorConsolidation(t *testing.T) {
	t.Parallel()
	s := breakoutSeries()
	i := last(s)
	s.ADX[i-1] = 25 // already trending before the bar

	sig := NewBreakout(testStrategiesConfig().Breakout).Analyze(s, "SOL-USD")
	if sig.Action != types.ActionHold {
		t.Errorf("action = %s, want HOLD without consolidation", sig.Action)
	}
}

func TestBreakoutSellsBreakdown(t *testing.T) {
	t.Parallel()
	s := breakoutSeries()
	i := last(s)
	s.Close[i] = 94 // through the 50-bar low

	sig := NewBreakout(testStrategiesConfig().Breakout).Analyze(s, "SOL-USD")
	if sig.Action != types.ActionSell {
		t.Fatalf("action = %s, want SELL (reasons: %v)", sig.Action, sig.Reasons)
	}
}

// momentumBuySeries trips every momentum buy rule but leaves the other
// two strategies at HOLD.
func momentumBuySeries() *indicator.Series {
	s := neutralSeries()
	i := last(s)
	s.MACD[i-1], s.MACDSignal[i-1] = 0.3, 0.4
	s.MACD[i], s.MACDSignal[i] = 0.5, 0.4
	s.Volume[i] = 2600
	return s
}

func TestHybridRequiresKVotes(t *testing.T) {
	t.Parallel()
	cfg := testStrategiesConfig()
	s := momentumBuySeries()

	cfg.Hybrid.K = 2
	sig := NewHybrid(cfg).Analyze(s, "BTC-USD")
	if sig.Action != types.ActionHold {
		t.Errorf("K=2 with one vote: action = %s, want HOLD", sig.Action)
	}

	cfg.Hybrid.K = 1
	sig = NewHybrid(cfg).Analyze(s, "BTC-USD")
	if sig.Action != types.ActionBuy {
		t.Errorf("K=1 with one vote: action = %s, want BUY", sig.Action)
	}
}

func TestSignalDeterministic(t *testing.T) {
	t.Parallel()
	cfg := testStrategiesConfig()
	for _, strat := range []Strategy{
		NewMomentum(cfg.Momentum),
		NewMeanReversion(cfg.MeanReversion),
		NewBreakout(cfg.Breakout),
		NewHybrid(cfg),
	} {
		a := strat.Analyze(momentumBuySeries(), "BTC-USD")
		b := strat.Analyze(momentumBuySeries(), "BTC-USD")
		if a.Action != b.Action || a.Confidence != b.Confidence || !reflect.DeepEqual(a.Reasons, b.Reasons) {
			t.Errorf("%s: signals differ across identical inputs: %+v vs %+v", strat.Name(), a, b)
		}
	}
}

func TestInsufficientHistoryHolds(t *testing.T) {
	t.Parallel()
	short := &indicator.Series{
		Close: fill(10, 100),
	}
	sig := NewMomentum(testStrategiesConfig().Momentum).Analyze(short, "BTC-USD")
	if sig.Action != types.ActionHold {
		t.Errorf("action = %s, want HOLD on short history", sig.Action)
	}
}

func TestFactory(t *testing.T) {
	t.Parallel()
	cfg := testStrategiesConfig()
	for _, name := range []string{"momentum", "meanrev", "breakout", "hybrid"} {
		strat, err := New(name, cfg)
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		if strat.Name() != name {
			t.Errorf("Name() = %q, want %q", strat.Name(), name)
		}
	}
	if _, err := New("nope", cfg); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

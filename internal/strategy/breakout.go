package strategy

import (
	"fmt"
	"math"

	"spotbot/internal/config"
	"spotbot/internal/indicator"
	"spotbot/pkg/types"
)

// Breakout trades range expansions out of consolidation. The precondition
// is the inverse of Momentum's: ADX must be LOW on the bar before the
// breakout — a move out of chop, not a continuation of an old trend.
type Breakout struct {
	cfg config.BreakoutConfig
}

// NewBreakout creates the consolidation-breakout evaluator.
func NewBreakout(cfg config.BreakoutConfig) *Breakout {
	return &Breakout{cfg: cfg}
}

func (b *Breakout) Name() string { return "breakout" }

func (b *Breakout) MinCandles() int { return indicator.WarmUp + 1 }

// maxBreakoutScore: range break(2) + squeeze(1) + volume pattern(2) + atr(1).
const maxBreakoutScore = 6

// dryUpLookback is the window checked for fading volume before the spike.
const dryUpLookback = 10

func (b *Breakout) Analyze(s *indicator.Series, productID string) types.Signal {
	i := s.Len() - 1
	if s.Len() < b.MinCandles() || !s.Valid(i) || !s.Valid(i-1) {
		return hold("insufficient history")
	}

	// Consolidation must precede the breakout bar itself.
	if s.ADX[i-1] >= b.cfg.MaxADX {
		return hold(fmt.Sprintf("no consolidation: prior ADX %.1f", s.ADX[i-1]))
	}

	price := s.Close[i]
	squeeze := s.BBWidth[i] < b.cfg.SqueezeWidthPct
	volumePattern := b.volumeDryUpThenSpike(s, i)
	atrCompressed := atrAtLocalMin(s.ATR, i)

	var buy, sell scorer

	if price > s.RollHigh[i] {
		buy.add(2, "close above 50-bar high")
	}
	if squeeze {
		buy.add(1, fmt.Sprintf("band squeeze: width %.1f%% of price", s.BBWidth[i]*100))
	}
	if volumePattern {
		buy.add(2, "volume dry-up then breakout spike")
	}
	if atrCompressed {
		buy.add(1, "ATR at local minimum")
	}

	if price < s.RollLow[i] {
		sell.add(2, "close below 50-bar low")
	}
	if squeeze {
		sell.add(1, fmt.Sprintf("band squeeze: width %.1f%% of price", s.BBWidth[i]*100))
	}
	if volumePattern {
		sell.add(2, "volume dry-up then breakdown spike")
	}
	if atrCompressed {
		sell.add(1, "ATR at local minimum")
	}

	return verdict(buy, sell, b.cfg.MinScore, maxBreakoutScore)
}

// volumeDryUpThenSpike requires the prior lookback bars to average below
// the 20-bar mean and the breakout bar to print at least the configured
// multiple of it.
func (b *Breakout) volumeDryUpThenSpike(s *indicator.Series, i int) bool {
	if i < dryUpLookback {
		return false
	}
	var prior float64
	for j := i - dryUpLookback; j < i; j++ {
		prior += s.Volume[j]
	}
	prior /= dryUpLookback
	return prior < s.VolSMA[i] && s.Volume[i] >= b.cfg.VolumeSpikeMul*s.VolSMA[i]
}

// atrAtLocalMin reports whether ATR on the prior bar sat at the minimum of
// the last dryUpLookback bars — volatility compressed right up to the move.
func atrAtLocalMin(atr []float64, i int) bool {
	if i < dryUpLookback+1 {
		return false
	}
	m := math.Inf(1)
	for j := i - dryUpLookback; j < i; j++ {
		m = math.Min(m, atr[j])
	}
	return atr[i-1] <= m
}

// Package strategy implements the pluggable signal evaluators.
//
// Every strategy shares one contract: Analyze takes an enriched candle
// series and returns a Signal{action, confidence, reasons}. Evaluators are
// pure — no I/O, no clocks beyond the series itself — so byte-equal inputs
// produce byte-equal signals. They share a scoring pattern: weighted rules
// accumulate a buy score and a sell score, a trend-regime precondition
// gates the evaluation, and confidence = min(1, winning_score/max_score).
// Neither score reaching the strategy threshold yields HOLD.
package strategy

import (
	"fmt"

	"spotbot/internal/config"
	"spotbot/internal/indicator"
	"spotbot/pkg/types"
)

// Strategy evaluates one product's candle history into a trade signal.
type Strategy interface {
	Name() string
	// MinCandles is the shortest history Analyze will act on.
	MinCandles() int
	Analyze(s *indicator.Series, productID string) types.Signal
}

// New constructs the named strategy from config.
func New(name string, cfg config.StrategiesConfig) (Strategy, error) {
	switch name {
	case "momentum":
		return NewMomentum(cfg.Momentum), nil
	case "meanrev":
		return NewMeanReversion(cfg.MeanReversion), nil
	case "breakout":
		return NewBreakout(cfg.Breakout), nil
	case "hybrid":
		return NewHybrid(cfg), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// scorer accumulates weighted rule hits for one side.
type scorer struct {
	score   float64
	reasons []string
}

func (sc *scorer) add(weight float64, reason string) {
	sc.score += weight
	sc.reasons = append(sc.reasons, reason)
}

// verdict maps a pair of scores to the uniform signal shape. minScore is
// the HOLD threshold, maxScore normalizes confidence.
func verdict(buy, sell scorer, minScore, maxScore float64) types.Signal {
	switch {
	case buy.score >= minScore && buy.score > sell.score:
		return types.Signal{
			Action:     types.ActionBuy,
			Confidence: clamp01(buy.score / maxScore),
			Reasons:    buy.reasons,
		}
	case sell.score >= minScore && sell.score > buy.score:
		return types.Signal{
			Action:     types.ActionSell,
			Confidence: clamp01(sell.score / maxScore),
			Reasons:    sell.reasons,
		}
	}
	return hold("neither side reached threshold")
}

func hold(reason string) types.Signal {
	return types.Signal{Action: types.ActionHold, Reasons: []string{reason}}
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// crossedAbove reports whether a crossed above b on the last bar of the
// series: a ≤ b on the previous bar and a > b now.
func crossedAbove(a, b []float64, i int) bool {
	if i < 1 {
		return false
	}
	return a[i-1] <= b[i-1] && a[i] > b[i]
}

func crossedBelow(a, b []float64, i int) bool {
	if i < 1 {
		return false
	}
	return a[i-1] >= b[i-1] && a[i] < b[i]
}

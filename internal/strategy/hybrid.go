package strategy

import (
	"fmt"

	"spotbot/internal/config"
	"spotbot/internal/indicator"
	"spotbot/pkg/types"
)

// Hybrid runs all three base evaluators and trades only on agreement:
// a direction is emitted when at least K of them concur, with confidence
// the weighted average of the concurring confidences (each vote weighted
// by its own confidence, so a strong voter moves the blend more than a
// marginal one).
type Hybrid struct {
	k        int
	momentum *Momentum
	meanRev  *MeanReversion
	breakout *Breakout
}

// NewHybrid creates the consensus evaluator over the three base strategies.
func NewHybrid(cfg config.StrategiesConfig) *Hybrid {
	return &Hybrid{
		k:        cfg.Hybrid.K,
		momentum: NewMomentum(cfg.Momentum),
		meanRev:  NewMeanReversion(cfg.MeanReversion),
		breakout: NewBreakout(cfg.Breakout),
	}
}

func (h *Hybrid) Name() string { return "hybrid" }

func (h *Hybrid) MinCandles() int { return indicator.WarmUp + 1 }

func (h *Hybrid) Analyze(s *indicator.Series, productID string) types.Signal {
	members := []Strategy{h.momentum, h.meanRev, h.breakout}
	signals := make([]types.Signal, len(members))
	for i, m := range members {
		signals[i] = m.Analyze(s, productID)
	}

	if sig, ok := h.consensus(members, signals, types.ActionBuy); ok {
		return sig
	}
	if sig, ok := h.consensus(members, signals, types.ActionSell); ok {
		return sig
	}
	return hold(fmt.Sprintf("fewer than %d strategies agree", h.k))
}

func (h *Hybrid) consensus(members []Strategy, signals []types.Signal, action types.SignalAction) (types.Signal, bool) {
	var reasons []string
	var weightSum, confSum float64
	votes := 0
	for i, sig := range signals {
		if sig.Action != action {
			continue
		}
		votes++
		weightSum += sig.Confidence
		confSum += sig.Confidence * sig.Confidence
		reasons = append(reasons, fmt.Sprintf("%s: %s", members[i].Name(), sig.Reasons[0]))
	}
	if votes < h.k || weightSum == 0 {
		return types.Signal{}, false
	}
	return types.Signal{
		Action:     action,
		Confidence: clamp01(confSum / weightSum),
		Reasons:    reasons,
	}, true
}

package strategy

import (
	"fmt"

	"spotbot/internal/config"
	"spotbot/internal/indicator"
	"spotbot/pkg/types"
)

// MeanReversion fades extremes back toward the 20-period mean. Buys are
// only taken above the 200 EMA — reversion entries in a long-term
// downtrend are how accounts die slowly.
type MeanReversion struct {
	cfg config.MeanReversionConfig
}

// NewMeanReversion creates the band-reversion evaluator.
func NewMeanReversion(cfg config.MeanReversionConfig) *MeanReversion {
	return &MeanReversion{cfg: cfg}
}

func (m *MeanReversion) Name() string { return "meanrev" }

func (m *MeanReversion) MinCandles() int { return indicator.WarmUp + 1 }

// maxMeanRevScore: lower band(2) + rsi(2) + stochastic(2) + z-score(1).
const maxMeanRevScore = 7

// downtrendPenalty is subtracted from the buy score when price is below
// the 200 EMA, before the buy and sell scores are compared; a BUY verdict
// below the 200 EMA is then turned into HOLD.
const downtrendPenalty = 3

func (m *MeanReversion) Analyze(s *indicator.Series, productID string) types.Signal {
	i := s.Len() - 1
	if s.Len() < m.MinCandles() || !s.Valid(i) {
		return hold("insufficient history")
	}

	price := s.Close[i]
	sd := (s.BBUpper[i] - s.BBMiddle[i]) / 2 // bands are ±2σ around the SMA
	var z float64
	if sd > 0 {
		z = (price - s.BBMiddle[i]) / sd
	}

	var buy, sell scorer

	if price <= s.BBLower[i] {
		buy.add(2, "price at or below lower band")
	}
	if s.RSI[i] < m.cfg.OversoldRSI {
		buy.add(2, fmt.Sprintf("RSI %.1f oversold", s.RSI[i]))
	}
	if s.StochK[i] < 20 && crossedAbove(s.StochK, s.StochD, i) {
		buy.add(2, "stochastic %K crossing up from oversold")
	}
	if z < -2 {
		buy.add(1, fmt.Sprintf("%.1fσ below 20-period mean", -z))
	}

	if price >= s.BBUpper[i] {
		sell.add(2, "price at or above upper band")
	}
	if s.RSI[i] > m.cfg.OverboughtRSI {
		sell.add(2, fmt.Sprintf("RSI %.1f overbought", s.RSI[i]))
	}
	if s.StochK[i] > 80 && crossedBelow(s.StochK, s.StochD, i) {
		sell.add(2, "stochastic %K crossing down from overbought")
	}
	if z > 2 {
		sell.add(1, fmt.Sprintf("%.1fσ above 20-period mean", z))
	}

	downtrend := price < s.EMA200[i]
	if downtrend {
		buy.score -= downtrendPenalty
		buy.reasons = append(buy.reasons, "penalized: below 200 EMA")
	}

	sig := verdict(buy, sell, m.cfg.MinScore, maxMeanRevScore)
	if downtrend && sig.Action == types.ActionBuy {
		return hold("no reversion buy below 200 EMA")
	}
	return sig
}

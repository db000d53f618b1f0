package strategy

import (
	"fmt"
	"math"

	"spotbot/internal/config"
	"spotbot/internal/indicator"
	"spotbot/pkg/types"
)

// Momentum trades with an established trend. It requires ADX to confirm a
// trend regime, reads direction from the EMA stack (20 over 50 over 200),
// and buys pullbacks toward the middle Bollinger band — never extension
// above the upper band.
type Momentum struct {
	cfg config.MomentumConfig
}

// NewMomentum creates the trend-following evaluator.
func NewMomentum(cfg config.MomentumConfig) *Momentum {
	return &Momentum{cfg: cfg}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) MinCandles() int { return indicator.WarmUp + 1 }

// maxMomentumScore is the sum of all buy-rule weights: trend(2) +
// macd cross(2) + rsi(1) + pullback(2) + volume(1).
const maxMomentumScore = 8

// Analyze scores the last bar of the series.
func (m *Momentum) Analyze(s *indicator.Series, productID string) types.Signal {
	i := s.Len() - 1
	if s.Len() < m.MinCandles() || !s.Valid(i) {
		return hold("insufficient history")
	}

	if s.ADX[i] < m.cfg.MinADX {
		return hold(fmt.Sprintf("no trend: ADX %.1f below %.1f", s.ADX[i], m.cfg.MinADX))
	}

	bullish := s.EMA20[i] > s.EMA50[i] && s.EMA50[i] > s.EMA200[i]
	bearish := s.EMA20[i] < s.EMA50[i] && s.EMA50[i] < s.EMA200[i]
	price := s.Close[i]

	var buy, sell scorer

	if bullish {
		buy.add(2, "bullish EMA stack 20>50>200")
	}
	if crossedAbove(s.MACD, s.MACDSignal, i) {
		buy.add(2, "MACD crossed above signal")
	}
	if s.RSI[i] >= 50 && s.RSI[i] <= 70 {
		buy.add(1, fmt.Sprintf("RSI %.1f in momentum zone", s.RSI[i]))
	}
	pulledBack := bullish && math.Abs(price-s.BBMiddle[i])/s.BBMiddle[i] <= m.cfg.PullbackPct
	if pulledBack {
		buy.add(2, "pullback to middle band in uptrend")
	}
	volumeSpike := s.Volume[i] >= m.cfg.VolumeSpikeMul*s.VolSMA[i]
	if volumeSpike {
		buy.add(1, fmt.Sprintf("volume %.1fx average", s.Volume[i]/s.VolSMA[i]))
	}

	if bearish {
		sell.add(2, "bearish EMA stack 20<50<200")
	}
	if crossedBelow(s.MACD, s.MACDSignal, i) {
		sell.add(2, "MACD crossed below signal")
	}
	if s.RSI[i] > 75 {
		sell.add(1, fmt.Sprintf("RSI %.1f overbought", s.RSI[i]))
	}
	if bearish && price < s.BBMiddle[i] {
		sell.add(2, "broke middle band in downtrend")
	}
	if volumeSpike {
		sell.add(1, fmt.Sprintf("volume %.1fx average", s.Volume[i]/s.VolSMA[i]))
	}

	// The pullback clause is mandatory on the buy side: chasing price
	// above the upper band is never a buy, whatever the other rules say.
	if price > s.BBUpper[i] || !pulledBack {
		buy.score = 0
	}

	return verdict(buy, sell, m.cfg.MinScore, maxMomentumScore)
}

package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"spotbot/pkg/types"
)

// Buy-pressure thresholds for classifying net flow.
var (
	strongBuyThreshold    = decimal.NewFromFloat(0.60)
	moderateBuyThreshold  = decimal.NewFromFloat(0.52)
	neutralLowThreshold   = decimal.NewFromFloat(0.48)
	strongSellThreshold   = decimal.NewFromFloat(0.40)
)

// AnalyzeVolumeFlow computes the aggressor-buy share of the last lookback
// trades. The position entry gate uses BuyPressure as a confirmation
// filter — a strong signal into heavy selling is a trap.
func (c *Client) AnalyzeVolumeFlow(ctx context.Context, productID string, lookback int) (*types.VolumeFlow, error) {
	if lookback <= 0 {
		lookback = 100
	}
	trades, err := c.GetRecentTrades(ctx, productID, lookback)
	if err != nil {
		return nil, err
	}

	flow := &types.VolumeFlow{ProductID: productID, NetPressure: types.PressureNeutral}
	for _, t := range trades {
		if t.Side == types.BUY {
			flow.BuyVolume = flow.BuyVolume.Add(t.Size)
		} else {
			flow.SellVolume = flow.SellVolume.Add(t.Size)
		}
	}

	total := flow.BuyVolume.Add(flow.SellVolume)
	if total.IsZero() {
		return flow, nil
	}
	flow.BuyPressure = flow.BuyVolume.Div(total)

	switch {
	case flow.BuyPressure.GreaterThanOrEqual(strongBuyThreshold):
		flow.NetPressure = types.PressureStrongBuy
	case flow.BuyPressure.GreaterThanOrEqual(moderateBuyThreshold):
		flow.NetPressure = types.PressureModerateBuy
	case flow.BuyPressure.GreaterThan(neutralLowThreshold):
		flow.NetPressure = types.PressureNeutral
	case flow.BuyPressure.GreaterThan(strongSellThreshold):
		flow.NetPressure = types.PressureModerateSell
	default:
		flow.NetPressure = types.PressureStrongSell
	}
	return flow, nil
}

// CalculateCostBasis computes the fee-inclusive average price of all buy
// fills for a product since the given time — typically the open of the
// current position, so fills already matched to closed positions are
// excluded.
func (c *Client) CalculateCostBasis(ctx context.Context, productID string, since time.Time) (decimal.Decimal, error) {
	fills, err := c.GetFills(ctx, "", productID)
	if err != nil {
		return decimal.Zero, err
	}
	notional := decimal.Zero
	fees := decimal.Zero
	size := decimal.Zero
	for _, f := range fills {
		if f.Side != types.BUY || f.Time.Before(since) {
			continue
		}
		notional = notional.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.Fee)
		size = size.Add(f.Size)
	}
	if size.IsZero() {
		return decimal.Zero, nil
	}
	return notional.Add(fees).Div(size), nil
}

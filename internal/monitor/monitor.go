// Package monitor evaluates open positions every cycle and triggers
// signal-confirmed exits.
//
// The decision table joins two inputs: price-based PnL against a
// fee-inclusive cost basis recomputed from fills each cycle (a cached
// entry price goes stale the moment a partial fill or fee lands), and a
// fresh signal from the active strategy over the same candle pipeline
// entries use. Profits are taken at the threshold unless the strategy
// still says BUY (let winners run); losses are cut only when a
// sufficiently confident SELL confirms the drawdown isn't noise.
//
// The monitor never talks to the venue's order endpoints itself — exits
// go through the order manager's sell path, which cancels brackets before
// selling.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/pkg/types"
)

// PriceSource is the streaming last-price cache.
type PriceSource interface {
	Get(productID string) (decimal.Decimal, time.Time, bool)
}

// BookSource is the REST fallback when the stream is stale.
type BookSource interface {
	GetBestBidAsk(ctx context.Context, productIDs []string) (map[string]types.BestBidAsk, error)
}

// Exiter executes position exits (the order manager's sell path).
type Exiter interface {
	ExecuteExit(ctx context.Context, product types.Product, pos types.Position, reason types.ExitReason) error
}

// PositionStore is the slice of the store the monitor reads.
type PositionStore interface {
	ListOpenPositions() ([]types.Position, error)
	PositionEntryFills(positionID uint) ([]types.Fill, error)
}

// SignalFunc produces a fresh signal for a product using the same
// pipeline as entries. Injected by the engine; tests feed signals
// directly.
type SignalFunc func(ctx context.Context, productID string) (types.Signal, error)

// Monitor applies the exit decision table to every open position.
type Monitor struct {
	store    PositionStore
	prices   PriceSource
	book     BookSource
	exiter   Exiter
	signalFn SignalFunc
	cfg      config.ExitConfig
	logger   *slog.Logger

	productsMu sync.RWMutex
	products   map[string]types.Product
}

// NewMonitor creates a position monitor.
func NewMonitor(st PositionStore, prices PriceSource, book BookSource, exiter Exiter, signalFn SignalFunc, cfg config.ExitConfig, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    st,
		prices:   prices,
		book:     book,
		exiter:   exiter,
		signalFn: signalFn,
		cfg:      cfg,
		logger:   logger.With("component", "monitor"),
		products: make(map[string]types.Product),
	}
}

// SetProducts installs product metadata for exits.
func (m *Monitor) SetProducts(products []types.Product) {
	m.productsMu.Lock()
	defer m.productsMu.Unlock()
	for _, p := range products {
		m.products[p.ID] = p
	}
}

// Sweep evaluates all open positions once. A failure on one position is
// logged and must never stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) {
	positions, err := m.store.ListOpenPositions()
	if err != nil {
		m.logger.Error("list open positions", "error", err)
		return
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return
		}
		if err := m.evaluate(ctx, pos); err != nil {
			m.logger.Error("evaluate position",
				"product", pos.ProductID,
				"position_id", pos.ID,
				"error", err,
			)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, pos types.Position) error {
	fills, err := m.store.PositionEntryFills(pos.ID)
	if err != nil {
		return err
	}
	costBasis := types.CostBasis(fills)
	if costBasis.IsZero() {
		m.logger.Warn("position has no entry fills yet",
			"product", pos.ProductID, "position_id", pos.ID)
		return nil
	}

	lastPrice, err := m.lastPrice(ctx, pos.ProductID)
	if err != nil {
		return err
	}
	if lastPrice.IsZero() {
		return nil
	}

	pnlPct := lastPrice.Sub(costBasis).Div(costBasis)

	sig, err := m.signalFn(ctx, pos.ProductID)
	if err != nil {
		return err
	}

	decision := Decide(pnlPct, sig, pos.Unprotected, m.cfg)
	logAttrs := []any{
		"product", pos.ProductID,
		"position_id", pos.ID,
		"cost_basis", costBasis,
		"last_price", lastPrice,
		"pnl_pct", pnlPct,
		"signal", sig.Action,
		"confidence", sig.Confidence,
	}

	switch decision.Outcome {
	case OutcomeExit:
		m.logger.Info("exit triggered", append(logAttrs, "exit_reason", decision.Reason)...)
		product := m.productFor(pos.ProductID)
		return m.exiter.ExecuteExit(ctx, product, pos, decision.Reason)
	case OutcomeProfitHold:
		m.logger.Info("[PROFIT HOLD] winner running on BUY signal", logAttrs...)
	case OutcomeLossWarning:
		m.logger.Warn("[LOSS WARNING] drawdown without confirmed sell", logAttrs...)
	case OutcomeNone:
		// Brackets remain in force.
	}
	return nil
}

// lastPrice reads the streaming cache, falling back to REST when the tick
// is older than the staleness budget.
func (m *Monitor) lastPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	staleness := time.Duration(m.cfg.MaxPriceStalenessSeconds) * time.Second
	if price, at, ok := m.prices.Get(productID); ok && time.Since(at) <= staleness {
		return price, nil
	}

	books, err := m.book.GetBestBidAsk(ctx, []string{productID})
	if err != nil {
		return decimal.Zero, err
	}
	return books[productID].Mid(), nil
}

func (m *Monitor) productFor(id string) types.Product {
	m.productsMu.RLock()
	defer m.productsMu.RUnlock()
	if p, ok := m.products[id]; ok {
		return p
	}
	return types.Product{ID: id}
}

// Outcome is what the decision table concluded.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeExit
	OutcomeProfitHold
	OutcomeLossWarning
)

// Decision pairs an outcome with the exit reason when selling.
type Decision struct {
	Outcome Outcome
	Reason  types.ExitReason
}

// Decide is the pure exit decision table:
//
//	pnl ≥ profit threshold, signal BUY            → hold (let winner run)
//	pnl ≥ profit threshold, otherwise             → SELL signal_profit_exit
//	pnl ≤ loss threshold, SELL at confidence      → SELL signal_loss_exit
//	pnl ≤ loss threshold, otherwise               → hold, loss warning
//	otherwise                                     → nothing (brackets in force)
//
// An unprotected position (bracket install failed) is an urgent exit on
// any adverse signal regardless of thresholds.
func Decide(pnlPct decimal.Decimal, sig types.Signal, unprotected bool, cfg config.ExitConfig) Decision {
	profitAt := decimal.NewFromFloat(cfg.ProfitExitPct)
	lossAt := decimal.NewFromFloat(cfg.LossExitPct)

	if pnlPct.GreaterThanOrEqual(profitAt) {
		if sig.Action == types.ActionBuy {
			return Decision{Outcome: OutcomeProfitHold}
		}
		return Decision{Outcome: OutcomeExit, Reason: types.ExitSignalProfit}
	}

	if pnlPct.LessThanOrEqual(lossAt) {
		if sig.Action == types.ActionSell && sig.Confidence >= cfg.LossExitConfidence {
			return Decision{Outcome: OutcomeExit, Reason: types.ExitSignalLoss}
		}
		if unprotected && sig.Action == types.ActionSell {
			return Decision{Outcome: OutcomeExit, Reason: types.ExitSignalLoss}
		}
		return Decision{Outcome: OutcomeLossWarning}
	}

	if unprotected && sig.Action == types.ActionSell {
		// No stop is resting venue-side; a confirmed sell is enough.
		if pnlPct.IsNegative() {
			return Decision{Outcome: OutcomeExit, Reason: types.ExitSignalLoss}
		}
		return Decision{Outcome: OutcomeExit, Reason: types.ExitSignalProfit}
	}

	return Decision{Outcome: OutcomeNone}
}

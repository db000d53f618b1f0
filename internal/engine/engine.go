// Package engine is the central orchestrator of the trading bot.
//
// It wires together all subsystems and runs the main loop. Each tick:
//
//  1. The order reconciler sweep converges local and venue order state.
//  2. The position monitor sweeps open positions for exit conditions.
//  3. Candidate products are selected (bounded by recent volume, open
//     positions always included).
//  4. A bounded worker pool pulls candles, runs the indicator pipeline
//     and the active strategy, and hands BUY signals above the
//     confidence floor to the order manager's entry path.
//  5. An equity snapshot is taken and the drawdown tracker advances. This
//     runs before steps 3 and 4 of the same tick; while a halt is active
//     they are skipped, until equity recovers.
//
// A failure on one candidate or position is logged and skipped — it never
// stops the loop. Lifecycle: New() → Run(ctx) → [SIGINT/SIGTERM] →
// graceful drain.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/internal/exchange"
	"spotbot/internal/indicator"
	"spotbot/internal/monitor"
	"spotbot/internal/order"
	"spotbot/internal/risk"
	"spotbot/internal/store"
	"spotbot/internal/strategy"
	"spotbot/pkg/types"
)

// BotState keys the engine maintains across restarts.
const (
	statePeakEquity   = "peak_equity"
	stateDrawdownHalt = "drawdown_halt"
	stateHaltReason   = "halt_reason"
	stateLastEquity   = "last_equity"
	stateStrategy     = "active_strategy"
)

// granularityDurations maps the venue's candle granularity names.
var granularityDurations = map[string]time.Duration{
	"ONE_MINUTE":     time.Minute,
	"FIVE_MINUTE":    5 * time.Minute,
	"FIFTEEN_MINUTE": 15 * time.Minute,
	"THIRTY_MINUTE":  30 * time.Minute,
	"ONE_HOUR":       time.Hour,
	"SIX_HOUR":       6 * time.Hour,
	"ONE_DAY":        24 * time.Hour,
}

// Engine orchestrates all components of the trading system.
type Engine struct {
	cfg      *config.Config
	client   *exchange.Client
	feed     *exchange.Feed
	cache    *exchange.PriceCache
	store    *store.Store
	riskMgr  *risk.Manager
	strategy strategy.Strategy
	orders   *order.Manager
	monitor  *monitor.Monitor
	logger   *slog.Logger

	productsMu sync.RWMutex
	products   map[string]types.Product

	ddMu sync.Mutex
	dd   risk.DrawdownState

	wg sync.WaitGroup
}

// New creates and wires all engine components. Fatal configuration and
// credential problems surface here, before any trading starts.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	auth := exchange.NewAuth(cfg.API)
	if !cfg.Trading.PaperTradingMode && !auth.HasCredentials() {
		return nil, fmt.Errorf("live trading requires API credentials")
	}

	client := exchange.NewClient(cfg, auth, logger)
	cache := exchange.NewPriceCache()
	feed := exchange.NewFeed(cfg.API.WSURL, auth, cache, logger)

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}

	active, err := strategy.New(cfg.Strategies.Active, cfg.Strategies)
	if err != nil {
		return nil, err
	}

	riskMgr := risk.NewManager(cfg.Risk)
	orders := order.NewManager(st, client, riskMgr, cfg, logger)

	e := &Engine{
		cfg:      cfg,
		client:   client,
		feed:     feed,
		cache:    cache,
		store:    st,
		riskMgr:  riskMgr,
		strategy: active,
		orders:   orders,
		logger:   logger.With("component", "engine"),
		products: make(map[string]types.Product),
	}
	e.monitor = monitor.NewMonitor(st, cache, client, orders, e.signalFor, cfg.Exit, logger)
	return e, nil
}

// Run starts the engine and blocks until ctx is cancelled, then drains
// gracefully: no new entries, in-flight order calls finish, streams and
// the store close.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.startup(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("feed stopped", "error", err)
		}
	}()

	interval := time.Duration(e.cfg.Trading.LoopSleepSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("trading loop started",
		"strategy", e.strategy.Name(),
		"paper", e.client.PaperMode(),
		"interval", interval,
	)

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// startup verifies credentials, loads the product universe, restores
// drawdown state, reports any prior halt, and wires the streaming
// callbacks.
func (e *Engine) startup(ctx context.Context) error {
	if err := e.client.CheckPermissions(ctx); err != nil {
		return fmt.Errorf("permission check: %w", err)
	}

	products, err := e.client.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	minQuote := decimal.NewFromFloat(e.cfg.Risk.MinQuoteTrade)
	e.productsMu.Lock()
	for _, p := range products {
		if p.Tradable(minQuote) {
			e.products[p.ID] = p
		}
	}
	count := len(e.products)
	e.productsMu.Unlock()
	e.logger.Info("product universe loaded", "tradable", count)

	all := e.tradableProducts()
	e.orders.SetProducts(all)
	e.monitor.SetProducts(all)

	if err := e.restoreDrawdownState(); err != nil {
		return err
	}
	if err := e.store.PutState(stateStrategy, e.strategy.Name()); err != nil {
		return err
	}

	// Report the previous session's halt, if one was persisted.
	if reason, ok, _ := e.store.GetState(stateHaltReason); ok && reason != "" {
		last, _, _ := e.store.GetState(stateLastEquity)
		e.logger.Warn("previous session halted",
			"reason", reason,
			"last_equity", last,
		)
	}

	e.feed.RegisterOrderHandler(e.orders.HandleOrderUpdate)
	e.feed.SetOnReconnect(func() {
		// Events missed while disconnected are recovered by converging
		// every non-terminal order.
		reconCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		e.orders.Reconcile(reconCtx)
	})

	if err := e.feed.Subscribe(e.candidateIDs()); err != nil {
		e.logger.Warn("initial feed subscribe deferred to connect", "error", err)
	}
	return nil
}

// tick runs one full cycle of the main loop.
func (e *Engine) tick(ctx context.Context) {
	e.orders.Reconcile(ctx)
	e.monitor.Sweep(ctx)

	equity, snap, err := e.portfolioSnapshot(ctx)
	if err != nil {
		e.logger.Error("portfolio snapshot", "error", err)
		return
	}

	halted := e.updateDrawdown(equity)
	if !halted {
		e.evaluateCandidates(ctx, equity, snap)
	} else {
		e.logger.Warn("drawdown halt active, skipping entries",
			"equity", equity, "drawdown", risk.Drawdown(e.drawdownState(), equity))
	}
}

// candidateIDs selects the bounded candidate set: products with open
// positions first, then the rest by 24h volume.
func (e *Engine) candidateIDs() []string {
	products := e.tradableProducts()
	sort.Slice(products, func(i, j int) bool {
		return products[i].Volume24h.GreaterThan(products[j].Volume24h)
	})

	open := map[string]bool{}
	if positions, err := e.store.ListOpenPositions(); err == nil {
		for _, p := range positions {
			open[p.ProductID] = true
		}
	}

	ids := make([]string, 0, e.cfg.Trading.MaxProducts)
	for id := range open {
		ids = append(ids, id)
	}
	for _, p := range products {
		if len(ids) >= e.cfg.Trading.MaxProducts {
			break
		}
		if !open[p.ID] {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (e *Engine) tradableProducts() []types.Product {
	e.productsMu.RLock()
	defer e.productsMu.RUnlock()
	out := make([]types.Product, 0, len(e.products))
	for _, p := range e.products {
		out = append(out, p)
	}
	return out
}

func (e *Engine) productByID(id string) (types.Product, bool) {
	e.productsMu.RLock()
	defer e.productsMu.RUnlock()
	p, ok := e.products[id]
	return p, ok
}

// evaluateCandidates fans the candidate set over a bounded worker pool.
// The engine is the sole submitter of new entries.
func (e *Engine) evaluateCandidates(ctx context.Context, equity decimal.Decimal, snap risk.Snapshot) {
	ids := e.candidateIDs()
	if err := e.feed.Subscribe(ids); err != nil {
		e.logger.Debug("feed subscribe", "error", err)
	}

	sem := make(chan struct{}, e.cfg.Trading.AnalysisWorkers)
	var wg sync.WaitGroup
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if snap.OpenProducts[id] {
			continue // the monitor owns products with positions
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(productID string) {
			defer wg.Done()
			defer func() { <-sem }()
			e.evaluateCandidate(ctx, productID, equity, snap)
		}(id)
	}
	wg.Wait()
}

func (e *Engine) evaluateCandidate(ctx context.Context, productID string, equity decimal.Decimal, snap risk.Snapshot) {
	product, ok := e.productByID(productID)
	if !ok {
		return
	}

	sig, err := e.signalFor(ctx, productID)
	if err != nil {
		e.logger.Error("signal evaluation failed", "product", productID, "error", err)
		return
	}
	if sig.Action != types.ActionBuy || sig.Confidence < e.cfg.Trading.MinSignalConfidence {
		return
	}

	e.logger.Info("buy signal",
		"product", productID,
		"confidence", sig.Confidence,
		"reasons", sig.Reasons,
	)

	result, err := e.orders.ExecuteEntry(ctx, product, sig, equity, snap)
	if err != nil {
		e.logger.Error("entry failed", "product", productID, "error", err)
		return
	}
	if result.Rejected {
		e.logger.Info("entry rejected",
			"product", productID,
			"reason", result.Reason,
			"detail", result.Detail,
		)
	}
}

// signalFor runs the shared candle → indicators → strategy pipeline.
func (e *Engine) signalFor(ctx context.Context, productID string) (types.Signal, error) {
	g, ok := granularityDurations[e.cfg.Trading.Granularity]
	if !ok {
		return types.Signal{}, fmt.Errorf("unknown granularity %q", e.cfg.Trading.Granularity)
	}
	end := time.Now()
	start := end.Add(-time.Duration(e.cfg.Trading.CandleHistory+1) * g)

	candles, err := e.client.GetCandles(ctx, productID, e.cfg.Trading.Granularity, start, end, e.cfg.Trading.CandleHistory)
	if err != nil {
		return types.Signal{}, fmt.Errorf("fetch candles: %w", err)
	}

	series := indicator.Enrich(candles)
	sig := e.strategy.Analyze(series, productID)
	sig.ProducedAt = time.Now()
	return sig, nil
}

// ————————————————————————————————————————————————————————————————————————
// Equity and drawdown
// ————————————————————————————————————————————————————————————————————————

// portfolioSnapshot values the account: quote cash plus open positions at
// their latest prices, persisted as an equity snapshot.
func (e *Engine) portfolioSnapshot(ctx context.Context) (decimal.Decimal, risk.Snapshot, error) {
	balances, err := e.client.GetAccounts(ctx)
	if err != nil {
		return decimal.Zero, risk.Snapshot{}, err
	}
	cash := decimal.Zero
	for _, b := range balances {
		if b.Currency == "USD" || b.Currency == "USDC" {
			cash = cash.Add(b.Available).Add(b.Hold)
		}
	}

	positions, err := e.store.ListOpenPositions()
	if err != nil {
		return decimal.Zero, risk.Snapshot{}, err
	}

	openProducts := make(map[string]bool, len(positions))
	positionsValue := decimal.Zero
	for _, pos := range positions {
		openProducts[pos.ProductID] = true
		price, _, ok := e.cache.Get(pos.ProductID)
		if !ok {
			books, err := e.client.GetBestBidAsk(ctx, []string{pos.ProductID})
			if err == nil {
				price = books[pos.ProductID].Mid()
			}
		}
		positionsValue = positionsValue.Add(pos.Size.Mul(price))
	}

	equity := cash.Add(positionsValue)
	snapshot := types.EquitySnapshot{
		Time:               time.Now(),
		CashQuote:          cash,
		PositionsValue:     positionsValue,
		TotalQuote:         equity,
		OpenPositionsCount: len(positions),
	}
	if err := e.store.SnapshotEquity(snapshot); err != nil {
		return decimal.Zero, risk.Snapshot{}, err
	}
	if err := e.store.PutState(stateLastEquity, equity.String()); err != nil {
		return decimal.Zero, risk.Snapshot{}, err
	}

	return equity, risk.Snapshot{
		Equity:        equity,
		TotalExposure: positionsValue,
		OpenProducts:  openProducts,
		OpenCount:     len(positions),
		HaltActive:    e.drawdownState().HaltActive,
	}, nil
}

func (e *Engine) drawdownState() risk.DrawdownState {
	e.ddMu.Lock()
	defer e.ddMu.Unlock()
	return e.dd
}

// updateDrawdown advances the tracker, persists it, and returns whether
// the halt is active.
func (e *Engine) updateDrawdown(equity decimal.Decimal) bool {
	e.ddMu.Lock()
	defer e.ddMu.Unlock()

	var transition risk.DrawdownTransition
	e.dd, transition = e.riskMgr.UpdateDrawdown(e.dd, equity)

	switch transition {
	case risk.DrawdownHalted:
		reason := fmt.Sprintf("drawdown %s from peak %s", risk.Drawdown(e.dd, equity), e.dd.Peak)
		e.logger.Error("drawdown halt engaged", "reason", reason, "equity", equity)
		e.persistState(stateHaltReason, reason)
	case risk.DrawdownReleased:
		e.logger.Info("drawdown halt released", "equity", equity, "peak", e.dd.Peak)
		e.persistState(stateHaltReason, "")
	}

	e.persistState(statePeakEquity, e.dd.Peak.String())
	e.persistState(stateDrawdownHalt, fmt.Sprintf("%t", e.dd.HaltActive))
	return e.dd.HaltActive
}

func (e *Engine) persistState(key, value string) {
	if err := e.store.PutState(key, value); err != nil {
		e.logger.Error("persist bot state", "key", key, "error", err)
	}
}

func (e *Engine) restoreDrawdownState() error {
	if peak, ok, err := e.store.GetState(statePeakEquity); err != nil {
		return err
	} else if ok {
		if v, err := decimal.NewFromString(peak); err == nil {
			e.dd.Peak = v
		}
	}
	if halt, ok, err := e.store.GetState(stateDrawdownHalt); err != nil {
		return err
	} else if ok {
		e.dd.HaltActive = halt == "true"
	}
	return nil
}

// shutdown flushes state and reports the session's performance.
func (e *Engine) shutdown() error {
	e.logger.Info("shutting down...")
	e.wg.Wait()
	e.feed.Close()

	if summary, err := e.store.Performance(); err == nil {
		e.logger.Info("session performance",
			"trades", summary.Trades,
			"wins", summary.Wins,
			"net_pnl", summary.NetPnL,
			"fees_paid", summary.FeesPaid,
		)
	}

	if err := e.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	e.logger.Info("shutdown complete")
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// One-shot scan
// ————————————————————————————————————————————————————————————————————————

// ScanRow is one product's evaluation in a one-shot scan.
type ScanRow struct {
	ProductID  string
	Action     types.SignalAction
	Confidence float64
	Reasons    []string
}

// Scan evaluates the active strategy over the full tradable universe and
// returns rows with BUY signals first, otherwise ranked by confidence.
// Backs the `scan` subcommand.
func (e *Engine) Scan(ctx context.Context) ([]ScanRow, error) {
	if err := e.client.CheckPermissions(ctx); err != nil {
		return nil, err
	}
	products, err := e.client.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	minQuote := decimal.NewFromFloat(e.cfg.Risk.MinQuoteTrade)
	var rows []ScanRow
	var rowsMu sync.Mutex
	sem := make(chan struct{}, e.cfg.Trading.AnalysisWorkers)
	var wg sync.WaitGroup
	for _, p := range products {
		if !p.Tradable(minQuote) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(product types.Product) {
			defer wg.Done()
			defer func() { <-sem }()
			sig, err := e.signalFor(ctx, product.ID)
			if err != nil {
				e.logger.Debug("scan skip", "product", product.ID, "error", err)
				return
			}
			rowsMu.Lock()
			rows = append(rows, ScanRow{
				ProductID:  product.ID,
				Action:     sig.Action,
				Confidence: sig.Confidence,
				Reasons:    sig.Reasons,
			})
			rowsMu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Action != rows[j].Action {
			return rows[i].Action == types.ActionBuy
		}
		return rows[i].Confidence > rows[j].Confidence
	})
	return rows, nil
}

// Convert runs a quote-and-commit currency conversion. Backs the
// `convert` subcommand.
func (e *Engine) Convert(ctx context.Context, from, to string, amount decimal.Decimal) error {
	quote, err := e.client.CreateConvertQuote(ctx, from, to, amount)
	if err != nil {
		return fmt.Errorf("create convert quote: %w", err)
	}
	e.logger.Info("convert quote",
		"from", from, "to", to,
		"from_amount", quote.FromAmount,
		"to_amount", quote.ToAmount,
		"fee", quote.Fee,
	)
	if err := e.client.CommitConvertTrade(ctx, quote.QuoteID); err != nil {
		return fmt.Errorf("commit convert trade: %w", err)
	}
	return nil
}

// MarshalState dumps bot state for diagnostics.
func (e *Engine) MarshalState() (string, error) {
	state := map[string]string{}
	for _, key := range []string{statePeakEquity, stateDrawdownHalt, stateHaltReason, stateLastEquity, stateStrategy} {
		if v, ok, err := e.store.GetState(key); err == nil && ok {
			state[key] = v
		}
	}
	out, err := json.Marshal(state)
	return string(out), err
}

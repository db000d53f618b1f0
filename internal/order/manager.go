// Package order owns the order lifecycle: signal-confirmed entries,
// bracket protection, exits, and the reconciler that converges local and
// venue state after crashes, timeouts, and missed events.
//
// Every public operation is crash-safe. The core discipline is
// write-before-send: an order exists in the store (status submitted)
// before the venue ever sees it, so a crash between the write and the ack
// leaves a row the reconciler can resolve — never a ghost order that
// exists only venue-side. Cancellations are verified by re-reading venue
// state; a cancel that cannot be verified parks the order in `cancelling`,
// blocks new entries for that product, and is retried by the reconciler
// until the venue answers.
//
// State transitions for a single product are linearized by a per-product
// mutex around the read → mutate → persist sequence.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/internal/exchange"
	"spotbot/internal/risk"
	"spotbot/internal/store"
	"spotbot/pkg/types"
)

// Exchange is the slice of the gateway the order manager consumes.
// *exchange.Client satisfies it; tests substitute a stub.
type Exchange interface {
	GetBestBidAsk(ctx context.Context, productIDs []string) (map[string]types.BestBidAsk, error)
	AnalyzeVolumeFlow(ctx context.Context, productID string, lookback int) (*types.VolumeFlow, error)
	PreviewOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderPreview, error)
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	GetOrder(ctx context.Context, exchangeID string) (*exchange.OrderState, error)
	GetFills(ctx context.Context, exchangeOrderID, productID string) ([]types.Fill, error)
}

// Pre-trade gate reason codes, logged at INFO and skipped.
const (
	ReasonSpreadTooWide   = "spread_too_wide"
	ReasonWeakBuyPressure = "weak_buy_pressure"
	ReasonFeeTooHigh      = "fee_too_high"
	ReasonSlippageTooHigh = "slippage_too_high"
	ReasonProductBlocked  = "product_blocked_pending_cancel"
	ReasonNoBook          = "no_top_of_book"
	ReasonFillTimeout     = "fill_timeout"
)

const (
	fillPollInterval     = time.Second
	cancelVerifyAttempts = 3
	cancelVerifyDeadline = 10 * time.Second
	bracketRetryAttempts = 3
	marketSellWait       = 10 * time.Second
	flowLookback         = 100
)

// EntryResult reports the outcome of one entry attempt. Rejections by the
// pre-trade gate or risk manager are expected business outcomes, not
// errors.
type EntryResult struct {
	Placed     bool
	Rejected   bool
	Reason     string
	Detail     string
	ClientID   string
	PositionID uint
}

func rejected(reason, detail string) EntryResult {
	return EntryResult{Rejected: true, Reason: reason, Detail: detail}
}

// Manager places, tracks, and closes orders.
type Manager struct {
	store   *store.Store
	gw      Exchange
	riskMgr *risk.Manager
	cfg     *config.Config
	logger  *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // per-product linearization

	blockedMu sync.RWMutex
	blocked   map[string]bool // products with unverified cancels

	productsMu sync.RWMutex
	products   map[string]types.Product // refreshed at startup by the engine
}

// NewManager creates an order manager.
func NewManager(st *store.Store, gw Exchange, riskMgr *risk.Manager, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		store:    st,
		gw:       gw,
		riskMgr:  riskMgr,
		cfg:      cfg,
		logger:   logger.With("component", "orders"),
		locks:    make(map[string]*sync.Mutex),
		blocked:  make(map[string]bool),
		products: make(map[string]types.Product),
	}
}

// SetProducts installs the session's product universe. The reconciler
// needs product metadata to reinstall brackets after a crash.
func (m *Manager) SetProducts(products []types.Product) {
	m.productsMu.Lock()
	defer m.productsMu.Unlock()
	for _, p := range products {
		m.products[p.ID] = p
	}
}

func (m *Manager) product(id string) (types.Product, bool) {
	m.productsMu.RLock()
	defer m.productsMu.RUnlock()
	p, ok := m.products[id]
	return p, ok
}

// productLock returns the mutex serializing one product's transitions.
func (m *Manager) productLock(productID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	if m.locks[productID] == nil {
		m.locks[productID] = &sync.Mutex{}
	}
	return m.locks[productID]
}

// Blocked reports whether a product is closed to new entries because a
// cancellation could not be verified.
func (m *Manager) Blocked(productID string) bool {
	m.blockedMu.RLock()
	defer m.blockedMu.RUnlock()
	return m.blocked[productID]
}

func (m *Manager) setBlocked(productID string, blocked bool) {
	m.blockedMu.Lock()
	m.blocked[productID] = blocked
	m.blockedMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Buy path
// ————————————————————————————————————————————————————————————————————————

// ExecuteEntry runs the full signal-confirmed entry: pre-trade gates,
// sizing, write-before-send submission, fill wait, and bracket
// installation. equity and snap describe the portfolio at the moment of
// decision.
func (m *Manager) ExecuteEntry(ctx context.Context, product types.Product, sig types.Signal, equity decimal.Decimal, snap risk.Snapshot) (EntryResult, error) {
	lock := m.productLock(product.ID)
	lock.Lock()
	defer lock.Unlock()

	if m.Blocked(product.ID) {
		return rejected(ReasonProductBlocked, "unverified cancel outstanding"), nil
	}

	// Pre-trade gate: spread.
	books, err := m.gw.GetBestBidAsk(ctx, []string{product.ID})
	if err != nil {
		return EntryResult{}, fmt.Errorf("fetch top of book: %w", err)
	}
	book, ok := books[product.ID]
	if !ok || book.Bid.IsZero() || book.Ask.IsZero() {
		return rejected(ReasonNoBook, "empty book"), nil
	}
	maxSpread := decimal.NewFromFloat(m.cfg.Risk.MaxSpreadPct)
	if book.SpreadPct().GreaterThan(maxSpread) {
		return rejected(ReasonSpreadTooWide,
			fmt.Sprintf("spread %s exceeds %s", book.SpreadPct(), maxSpread)), nil
	}

	// Pre-trade gate: volume flow confirmation.
	flow, err := m.gw.AnalyzeVolumeFlow(ctx, product.ID, flowLookback)
	if err != nil {
		return EntryResult{}, fmt.Errorf("analyze volume flow: %w", err)
	}
	minPressure := decimal.NewFromFloat(m.cfg.Risk.MinBuyPressure)
	if flow.BuyPressure.LessThan(minPressure) {
		return rejected(ReasonWeakBuyPressure,
			fmt.Sprintf("buy pressure %s below %s (%s)", flow.BuyPressure, minPressure, flow.NetPressure)), nil
	}

	// Sizing. Entry rests one tick inside the ask for the maker rebate.
	entryPrice := product.QuantizePrice(book.Ask.Sub(product.QuoteIncrement))
	stopLoss := product.QuantizePrice(entryPrice.Mul(decimal.NewFromFloat(1 - m.cfg.Risk.DefaultStopLoss)))
	takeProfit := product.QuantizePrice(entryPrice.Mul(decimal.NewFromFloat(1 + m.cfg.Risk.DefaultTakeProfit)))

	size, decision := m.riskMgr.PositionSize(equity, entryPrice, stopLoss, product)
	if !decision.OK {
		return rejected(decision.Reason, decision.Detail), nil
	}

	// The snapshot was taken at tick start; positions opened by sibling
	// workers since then must count at the moment of decision.
	if positions, err := m.store.ListOpenPositions(); err == nil {
		open := make(map[string]bool, len(positions))
		for _, p := range positions {
			open[p.ProductID] = true
		}
		snap.OpenProducts = open
		snap.OpenCount = len(positions)
	}
	if decision = m.riskMgr.CanOpen(snap, product.ID, size.Mul(entryPrice)); !decision.OK {
		return rejected(decision.Reason, decision.Detail), nil
	}

	req := exchange.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  product.ID,
		Side:       types.BUY,
		Kind:       types.KindLimitGTCPostOnly,
		LimitPrice: entryPrice,
		Size:       size,
	}

	// Pre-trade gate: preview fees and slippage.
	preview, err := m.gw.PreviewOrder(ctx, req)
	if err != nil {
		return EntryResult{}, fmt.Errorf("preview order: %w", err)
	}
	if preview.EstimatedFeePct.GreaterThan(decimal.NewFromFloat(m.cfg.Risk.MaxFeePct)) {
		return rejected(ReasonFeeTooHigh, fmt.Sprintf("fee %s", preview.EstimatedFeePct)), nil
	}
	if preview.EstimatedSlippage.GreaterThan(decimal.NewFromFloat(m.cfg.Risk.MaxSlippagePct)) {
		return rejected(ReasonSlippageTooHigh, fmt.Sprintf("slippage %s", preview.EstimatedSlippage)), nil
	}

	// Submit: durable row first, venue second.
	clientID, err := m.submit(ctx, req, entryPrice)
	if err != nil {
		return EntryResult{}, err
	}

	m.logger.Info("entry submitted",
		"product", product.ID,
		"client_id", clientID,
		"price", entryPrice,
		"size", size,
		"confidence", sig.Confidence,
		"reasons", sig.Reasons,
	)

	// Fill wait.
	filled, err := m.awaitEntryFill(ctx, product, clientID, stopLoss, takeProfit)
	if err != nil {
		return EntryResult{}, err
	}
	if !filled {
		return rejected(ReasonFillTimeout, "order not filled within timeout"), nil
	}

	pos, err := m.store.GetOpenPosition(product.ID)
	if err != nil {
		return EntryResult{}, err
	}
	result := EntryResult{Placed: true, ClientID: clientID}
	if pos != nil {
		result.PositionID = pos.ID
	}
	return result, nil
}

// submit writes the order durably, then places it. A venue failure marks
// the row rejected in the same pass — the row is never ambiguous.
func (m *Manager) submit(ctx context.Context, req exchange.OrderRequest, requestedPrice decimal.Decimal) (string, error) {
	row := types.Order{
		ClientID:       req.ClientID,
		ProductID:      req.ProductID,
		Side:           req.Side,
		Kind:           req.Kind,
		RequestedPrice: requestedPrice,
		RequestedSize:  req.Size,
		StopPrice:      req.StopPrice,
		LimitPrice:     req.LimitPrice,
		Status:         types.StatusSubmitted,
		SubmittedAt:    time.Now(),
	}
	if err := m.store.UpsertOrder(row); err != nil {
		return "", fmt.Errorf("persist order: %w", err)
	}

	exchangeID, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		if stErr := m.store.UpdateOrderStatus(req.ClientID, types.StatusRejected, err.Error()); stErr != nil {
			m.logger.Error("mark order rejected", "client_id", req.ClientID, "error", stErr)
		}
		return "", fmt.Errorf("place order: %w", err)
	}
	if err := m.store.SetOrderExchangeID(req.ClientID, exchangeID); err != nil {
		return "", fmt.Errorf("persist exchange id: %w", err)
	}
	return req.ClientID, nil
}

// awaitEntryFill polls the venue once per second until the order fills,
// the timeout elapses, or ctx is cancelled. On fill (or an acceptable
// partial at timeout) it persists fills, opens the position, and installs
// brackets. Returns whether a position was opened.
func (m *Manager) awaitEntryFill(ctx context.Context, product types.Product, clientID string, stopLoss, takeProfit decimal.Decimal) (bool, error) {
	deadline := time.Now().Add(time.Duration(m.cfg.Trading.FillTimeoutSeconds) * time.Second)

	for {
		o, err := m.store.GetOrder(clientID)
		if err != nil {
			return false, err
		}

		st, err := m.gw.GetOrder(ctx, o.ExchangeID)
		if err != nil && !exchange.IsTransient(err) && !exchange.IsRateLimited(err) {
			return false, fmt.Errorf("poll order: %w", err)
		}
		if err == nil {
			switch st.Status {
			case types.StatusFilled:
				if err := m.persistFills(ctx, o); err != nil {
					return false, err
				}
				return true, m.openWithBrackets(ctx, product, clientID, stopLoss, takeProfit)
			case types.StatusCancelled, types.StatusExpired, types.StatusRejected:
				return false, m.store.UpdateOrderStatus(clientID, st.Status, "venue reported terminal during fill wait")
			}
		}

		if time.Now().After(deadline) {
			return m.entryTimeout(ctx, product, clientID, stopLoss, takeProfit)
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(fillPollInterval):
		}
	}
}

// entryTimeout handles an unfilled entry at deadline: cancel, verify, and
// accept a partial at or above min_fill_fraction.
func (m *Manager) entryTimeout(ctx context.Context, product types.Product, clientID string, stopLoss, takeProfit decimal.Decimal) (bool, error) {
	o, err := m.store.GetOrder(clientID)
	if err != nil {
		return false, err
	}

	outcome, err := m.cancelAndVerify(ctx, o)
	if err != nil {
		return false, err
	}
	switch outcome {
	case cancelOutcomeFilled:
		// Raced a fill: the order completed while we were cancelling.
		return true, m.openWithBrackets(ctx, product, clientID, stopLoss, takeProfit)

	case cancelOutcomeCancelled:
		o, err = m.store.GetOrder(clientID)
		if err != nil {
			return false, err
		}
		minFraction := decimal.NewFromFloat(m.cfg.Trading.MinFillFraction)
		if !o.FilledSize.IsZero() &&
			o.FilledSize.GreaterThanOrEqual(o.RequestedSize.Mul(minFraction)) &&
			o.FilledSize.GreaterThanOrEqual(product.MinBase) {
			return true, m.openWithBrackets(ctx, product, clientID, stopLoss, takeProfit)
		}
		return false, nil

	default: // cancelOutcomeUnverified
		return false, nil
	}
}

type cancelOutcome int

const (
	cancelOutcomeCancelled cancelOutcome = iota
	cancelOutcomeFilled
	cancelOutcomeUnverified
)

// cancelAndVerify issues a cancel and re-reads venue state until the
// order is terminal. If verification fails within the deadline the order
// is parked in `cancelling`, the product is blocked, and a CRITICAL error
// is logged — the reconciler keeps retrying indefinitely.
func (m *Manager) cancelAndVerify(ctx context.Context, o *types.Order) (cancelOutcome, error) {
	if err := m.store.UpdateOrderStatus(o.ClientID, types.StatusCancelling, "timeout"); err != nil {
		return cancelOutcomeUnverified, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, cancelVerifyDeadline)
	defer cancel()

	if err := m.gw.CancelOrder(verifyCtx, o.ExchangeID); err != nil && !exchange.IsNotFound(err) && !exchange.IsInvalid(err) {
		m.logger.Warn("cancel request failed, verifying anyway",
			"client_id", o.ClientID, "error", err)
	}

	for attempt := 1; attempt <= cancelVerifyAttempts; attempt++ {
		st, err := m.gw.GetOrder(verifyCtx, o.ExchangeID)
		if err == nil {
			switch st.Status {
			case types.StatusFilled:
				if err := m.persistFills(verifyCtx, o); err != nil {
					return cancelOutcomeUnverified, err
				}
				return cancelOutcomeFilled, nil
			case types.StatusCancelled, types.StatusExpired:
				// Partial fills before the cancel still count.
				if !st.FilledSize.IsZero() {
					if err := m.persistFills(verifyCtx, o); err != nil {
						return cancelOutcomeUnverified, err
					}
				}
				if err := m.store.UpdateOrderStatus(o.ClientID, st.Status, "cancelled after timeout"); err != nil {
					return cancelOutcomeUnverified, err
				}
				return cancelOutcomeCancelled, nil
			}
		}

		select {
		case <-verifyCtx.Done():
			attempt = cancelVerifyAttempts // deadline exhausted
		case <-time.After(fillPollInterval):
		}
	}

	// Could not verify: ghost-order risk. Leave in cancelling; the
	// reconciler owns it now, and the product admits no new entries.
	m.setBlocked(o.ProductID, true)
	m.logger.Error("CRITICAL: cancellation unverified, order left in cancelling",
		"product", o.ProductID,
		"client_id", o.ClientID,
		"exchange_id", o.ExchangeID,
	)
	return cancelOutcomeUnverified, nil
}

// persistFills pulls the order's fills from the venue and records each.
// RecordFill promotes the order to filled when size completes.
func (m *Manager) persistFills(ctx context.Context, o *types.Order) error {
	fills, err := m.gw.GetFills(ctx, o.ExchangeID, o.ProductID)
	if err != nil {
		return fmt.Errorf("fetch fills: %w", err)
	}
	maker := 0
	for _, f := range fills {
		f.OrderID = o.ClientID
		if f.Side == "" {
			f.Side = o.Side
		}
		if err := m.store.RecordFill(f); err != nil {
			return fmt.Errorf("record fill %s: %w", f.FillID, err)
		}
		if f.Liquidity == types.LiquidityMaker {
			maker++
		}
	}
	if len(fills) > 0 {
		m.logger.Info("fills persisted",
			"product", o.ProductID,
			"client_id", o.ClientID,
			"fills", len(fills),
			"maker_share", fmt.Sprintf("%d/%d", maker, len(fills)),
		)
	}
	return nil
}

// openWithBrackets opens the position for a filled entry order and
// installs its protective exits.
func (m *Manager) openWithBrackets(ctx context.Context, product types.Product, entryOrderID string, stopLoss, takeProfit decimal.Decimal) error {
	pos, err := m.store.OpenPosition(product.ID, m.cfg.Strategies.Active, entryOrderID)
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}
	m.logger.Info("position opened",
		"product", product.ID,
		"position_id", pos.ID,
		"size", pos.Size,
	)
	return m.installBrackets(ctx, product, pos, stopLoss, takeProfit)
}

// installBrackets places the stop-loss and take-profit sells. Each is
// retried with backoff; if either still fails the position is marked
// unprotected and a CRITICAL alert fires — the monitor treats it as an
// urgent exit candidate on any adverse signal.
func (m *Manager) installBrackets(ctx context.Context, product types.Product, pos *types.Position, stopLoss, takeProfit decimal.Decimal) error {
	stopLimit := product.QuantizePrice(stopLoss.Mul(decimal.NewFromFloat(0.995)))

	stopReq := exchange.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  product.ID,
		Side:       types.SELL,
		Kind:       types.KindStopLimit,
		StopPrice:  stopLoss,
		LimitPrice: stopLimit,
		Size:       pos.Size,
	}
	tpReq := exchange.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  product.ID,
		Side:       types.SELL,
		Kind:       types.KindLimitGTCPostOnly,
		LimitPrice: takeProfit,
		Size:       pos.Size,
	}

	stopErr := m.placeBracket(ctx, stopReq, stopLoss, pos.ID)
	tpErr := m.placeBracket(ctx, tpReq, takeProfit, pos.ID)

	stopID, tpID := stopReq.ClientID, tpReq.ClientID
	if stopErr != nil {
		stopID = ""
	}
	if tpErr != nil {
		tpID = ""
	}
	unprotected := stopErr != nil || tpErr != nil
	if err := m.store.SetPositionBrackets(pos.ID, stopID, tpID, unprotected); err != nil {
		return fmt.Errorf("persist brackets: %w", err)
	}

	if unprotected {
		m.logger.Error("CRITICAL: bracket installation failed, position unprotected",
			"product", product.ID,
			"position_id", pos.ID,
			"stop_error", stopErr,
			"tp_error", tpErr,
		)
		return nil
	}

	m.logger.Info("brackets installed",
		"product", product.ID,
		"position_id", pos.ID,
		"stop", stopLoss,
		"take_profit", takeProfit,
	)
	return nil
}

// placeBracket submits one bracket leg with retries.
func (m *Manager) placeBracket(ctx context.Context, req exchange.OrderRequest, requestedPrice decimal.Decimal, positionID uint) error {
	var err error
	for attempt := 1; attempt <= bracketRetryAttempts; attempt++ {
		_, err = m.submit(ctx, req, requestedPrice)
		if err == nil {
			// Tie the bracket row to its position for the reconciler.
			if o, getErr := m.store.GetOrder(req.ClientID); getErr == nil {
				o.PositionID = positionID
				if upErr := m.store.UpsertOrder(*o); upErr != nil {
					m.logger.Warn("attach bracket to position", "client_id", req.ClientID, "error", upErr)
				}
			}
			return nil
		}
		// A fresh client id per retry: the old row is already rejected.
		req.ClientID = uuid.NewString()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return err
}

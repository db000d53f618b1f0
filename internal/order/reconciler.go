package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"spotbot/internal/exchange"
	"spotbot/pkg/types"
)

// Reconcile converges every non-terminal order in the store against venue
// state. It runs on every main-loop tick and after each streaming
// reconnect; user-channel events are the fast path, this is the backstop.
// Running it twice with no venue changes is a no-op.
//
// Rules, per order:
//   - `cancelling` orders retry cancel-and-verify until the venue answers.
//   - Orders past the age ceiling that are still submitted/open are
//     cancelled and verified. Bracket legs attached to an open position
//     are exempt — they rest until triggered.
//   - Otherwise the venue's current status is applied: fills persisted
//     (opening a position and installing brackets if the entry path died
//     before doing so), terminal states marked, open orders left alone.
func (m *Manager) Reconcile(ctx context.Context) {
	orders, err := m.store.ListOpenOrders()
	if err != nil {
		m.logger.Error("reconcile: list open orders", "error", err)
		return
	}

	maxAge := time.Duration(m.cfg.Trading.OrderMaxAgeSeconds) * time.Second
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		if err := m.reconcileOrder(ctx, o, maxAge); err != nil {
			m.logger.Error("reconcile order",
				"product", o.ProductID,
				"client_id", o.ClientID,
				"error", err,
			)
		}
	}
}

func (m *Manager) reconcileOrder(ctx context.Context, o types.Order, maxAge time.Duration) error {
	lock := m.productLock(o.ProductID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read inside the lock; another path may have resolved it.
	current, err := m.store.GetOrder(o.ClientID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}

	// Never acked: the venue has no id we can query or cancel. The
	// idempotent client id makes a lost duplicate harmless, so expire the
	// row once it is clearly dead.
	if current.ExchangeID == "" {
		if time.Since(current.SubmittedAt) > maxAge {
			m.logger.Error("CRITICAL: order never acknowledged, expiring",
				"product", current.ProductID, "client_id", current.ClientID)
			return m.store.UpdateOrderStatus(current.ClientID, types.StatusExpired, "no venue ack recorded")
		}
		return nil
	}

	if current.Status == types.StatusCancelling {
		if _, err := m.cancelAndVerify(ctx, current); err != nil {
			return err
		}
		return m.refreshBlocked(current.ProductID)
	}

	aged := time.Since(current.SubmittedAt) > maxAge
	if aged && !m.isRestingBracket(current) &&
		(current.Status == types.StatusSubmitted || current.Status == types.StatusOpen) {
		m.logger.Warn("order past age ceiling, cancelling",
			"product", current.ProductID,
			"client_id", current.ClientID,
			"age", time.Since(current.SubmittedAt),
		)
		outcome, err := m.cancelAndVerify(ctx, current)
		if err != nil {
			return err
		}
		if outcome == cancelOutcomeFilled {
			return m.applyFilled(ctx, current)
		}
		return m.refreshBlocked(current.ProductID)
	}

	st, err := m.gw.GetOrder(ctx, current.ExchangeID)
	if err != nil {
		if exchange.IsNotFound(err) {
			return m.store.UpdateOrderStatus(current.ClientID, types.StatusExpired, "unknown to venue")
		}
		return err
	}

	switch st.Status {
	case types.StatusFilled:
		return m.applyFilled(ctx, current)
	case types.StatusCancelled, types.StatusExpired, types.StatusRejected:
		if !st.FilledSize.IsZero() {
			if err := m.persistFills(ctx, current); err != nil {
				return err
			}
		}
		if err := m.store.UpdateOrderStatus(current.ClientID, st.Status, "venue reported terminal"); err != nil {
			return err
		}
		return m.refreshBlocked(current.ProductID)
	default:
		// Still working venue-side; nothing to change.
		return nil
	}
}

// isRestingBracket reports whether the order is a protective exit tied to
// a still-open position. Those rest until triggered and are never aged
// out.
func (m *Manager) isRestingBracket(o *types.Order) bool {
	if o.Side != types.SELL || o.PositionID == 0 {
		return false
	}
	pos, err := m.store.GetOpenPosition(o.ProductID)
	if err != nil || pos == nil {
		return false
	}
	return o.ClientID == pos.StopOrderID || o.ClientID == pos.TakeProfitOrderID
}

// applyFilled persists fills and completes whatever the original code
// path left undone: opening the position for an entry, or closing it for
// a bracket that fired.
func (m *Manager) applyFilled(ctx context.Context, o *types.Order) error {
	if err := m.persistFills(ctx, o); err != nil {
		return err
	}

	pos, err := m.store.GetOpenPosition(o.ProductID)
	if err != nil {
		return err
	}

	if o.Side == types.BUY {
		if pos != nil {
			return nil // position already open
		}
		product, ok := m.product(o.ProductID)
		if !ok {
			product = types.Product{ID: o.ProductID}
		}
		// The entry path died before opening the position; reconstruct
		// the bracket prices from the requested entry.
		stopLoss := product.QuantizePrice(o.RequestedPrice.Mul(decimal.NewFromFloat(1 - m.cfg.Risk.DefaultStopLoss)))
		takeProfit := product.QuantizePrice(o.RequestedPrice.Mul(decimal.NewFromFloat(1 + m.cfg.Risk.DefaultTakeProfit)))
		return m.openWithBrackets(ctx, product, o.ClientID, stopLoss, takeProfit)
	}

	// A filled sell tied to an open position closes it.
	if pos == nil || o.PositionID != pos.ID {
		return nil
	}
	reason := types.ExitManual
	switch o.ClientID {
	case pos.StopOrderID:
		reason = types.ExitStopTrigger
	case pos.TakeProfitOrderID:
		reason = types.ExitTakeProfit
	}
	fills, err := m.store.OrderFills(o.ClientID)
	if err != nil {
		return err
	}
	if _, err := m.store.ClosePosition(o.ProductID, fills, reason); err != nil {
		return err
	}
	// Retire the sibling bracket.
	sibling := pos.StopOrderID
	if o.ClientID == pos.StopOrderID {
		sibling = pos.TakeProfitOrderID
	}
	if sibling != "" && sibling != o.ClientID {
		if sibOrder, err := m.store.GetOrder(sibling); err == nil && !sibOrder.Status.Terminal() {
			if _, err := m.cancelAndVerify(ctx, sibOrder); err != nil {
				m.logger.Error("retire sibling bracket", "client_id", sibling, "error", err)
			}
		}
	}
	return nil
}

// refreshBlocked clears the entry block once a product has no unverified
// cancels left.
func (m *Manager) refreshBlocked(productID string) error {
	if !m.Blocked(productID) {
		return nil
	}
	orders, err := m.store.ListOpenOrders()
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.ProductID == productID && o.Status == types.StatusCancelling {
			return nil // still unresolved
		}
	}
	m.setBlocked(productID, false)
	m.logger.Info("product unblocked, cancellations resolved", "product", productID)
	return nil
}

// HandleOrderUpdate is the user-channel fast path. It applies the same
// transitions as Reconcile, keyed by client id when present.
func (m *Manager) HandleOrderUpdate(update types.OrderUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var o *types.Order
	var err error
	if update.ClientID != "" {
		o, err = m.store.GetOrder(update.ClientID)
	}
	if o == nil && update.ExchangeID != "" {
		o, err = m.store.FindOrderByExchangeID(update.ExchangeID)
	}
	if err != nil || o == nil {
		m.logger.Debug("order update for unknown order",
			"client_id", update.ClientID, "exchange_id", update.ExchangeID)
		return
	}

	lock := m.productLock(o.ProductID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read inside the lock.
	o, err = m.store.GetOrder(o.ClientID)
	if err != nil || o.Status.Terminal() {
		return
	}

	for _, f := range update.FillsDelta {
		f.OrderID = o.ClientID
		if f.Side == "" {
			f.Side = o.Side
		}
		if err := m.store.RecordFill(f); err != nil {
			m.logger.Error("record streamed fill", "fill_id", f.FillID, "error", err)
		}
	}

	switch update.Status {
	case types.StatusFilled:
		if err := m.applyFilled(ctx, o); err != nil {
			m.logger.Error("apply streamed fill", "client_id", o.ClientID, "error", err)
		}
	case types.StatusCancelled, types.StatusExpired, types.StatusRejected:
		if err := m.store.UpdateOrderStatus(o.ClientID, update.Status, "user channel"); err != nil {
			m.logger.Error("apply streamed terminal", "client_id", o.ClientID, "error", err)
		}
		if err := m.refreshBlocked(o.ProductID); err != nil {
			m.logger.Error("refresh blocked products", "product", o.ProductID, "error", err)
		}
	case types.StatusPartiallyFilled, types.StatusOpen:
		// Timestamp-only updates; fills arrive in FillsDelta or via REST.
	}
}

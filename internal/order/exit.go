package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spotbot/internal/exchange"
	"spotbot/pkg/types"
)

// ExecuteExit closes a position: cancel the brackets, market-sell the
// full size, persist the exit fills, and close the position with the
// given reason — in that order, so a duplicate sell can never race a
// bracket that already fired.
//
// If a bracket turns out to have filled already, the exit reason is
// rewritten to the bracket's (stop_triggered / tp_triggered) and no
// market sell is placed.
func (m *Manager) ExecuteExit(ctx context.Context, product types.Product, pos types.Position, reason types.ExitReason) error {
	lock := m.productLock(product.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read: another path (bracket fill via user channel) may have
	// closed it while we waited on the lock.
	current, err := m.store.GetOpenPosition(product.ID)
	if err != nil {
		return err
	}
	if current == nil || current.ID != pos.ID {
		return nil
	}

	bracketFilled, bracketReason, err := m.retireBrackets(ctx, current)
	if err != nil {
		return err
	}
	if bracketFilled {
		// The bracket already took us out; its fills close the position.
		return m.closeFromBracket(ctx, product, current, bracketReason)
	}

	// Market sell the full size.
	req := exchange.OrderRequest{
		ClientID:  uuid.NewString(),
		ProductID: product.ID,
		Side:      types.SELL,
		Kind:      types.KindMarket,
		Size:      current.Size,
	}
	clientID, err := m.submit(ctx, req, req.LimitPrice)
	if err != nil {
		return fmt.Errorf("submit market sell: %w", err)
	}

	m.logger.Info("exit submitted",
		"product", product.ID,
		"position_id", current.ID,
		"client_id", clientID,
		"exit_reason", reason,
	)

	fills, err := m.awaitExitFill(ctx, clientID)
	if err != nil {
		return err
	}
	if len(fills) == 0 {
		// The reconciler converges the sell; the position stays open
		// until its fills land.
		m.logger.Error("market sell not confirmed within wait window",
			"product", product.ID, "client_id", clientID)
		return fmt.Errorf("market sell %s unconfirmed", clientID)
	}

	if _, err := m.store.ClosePosition(product.ID, fills, reason); err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

// retireBrackets cancels both bracket orders. A bracket found already
// filled short-circuits: the caller must close from its fills instead of
// selling again.
func (m *Manager) retireBrackets(ctx context.Context, pos *types.Position) (filled bool, reason types.ExitReason, err error) {
	for _, bracket := range []struct {
		clientID string
		reason   types.ExitReason
	}{
		{pos.StopOrderID, types.ExitStopTrigger},
		{pos.TakeProfitOrderID, types.ExitTakeProfit},
	} {
		if bracket.clientID == "" {
			continue
		}
		o, err := m.store.GetOrder(bracket.clientID)
		if err != nil {
			return false, "", err
		}
		if o.Status == types.StatusFilled {
			return true, bracket.reason, nil
		}
		if o.Status.Terminal() {
			continue
		}

		outcome, err := m.cancelAndVerify(ctx, o)
		if err != nil {
			return false, "", err
		}
		if outcome == cancelOutcomeFilled {
			return true, bracket.reason, nil
		}
		// Unverified cancels block the product but do not stop the exit:
		// holding a position we tried to leave is worse than a duplicate
		// cancel later.
	}
	return false, "", nil
}

// closeFromBracket closes the position using a filled bracket's fills.
func (m *Manager) closeFromBracket(ctx context.Context, product types.Product, pos *types.Position, reason types.ExitReason) error {
	var clientID string
	if reason == types.ExitStopTrigger {
		clientID = pos.StopOrderID
	} else {
		clientID = pos.TakeProfitOrderID
	}
	fills, err := m.store.OrderFills(clientID)
	if err != nil {
		return err
	}
	if len(fills) == 0 {
		o, err := m.store.GetOrder(clientID)
		if err != nil {
			return err
		}
		if err := m.persistFills(ctx, o); err != nil {
			return err
		}
		if fills, err = m.store.OrderFills(clientID); err != nil {
			return err
		}
	}
	if _, err := m.store.ClosePosition(product.ID, fills, reason); err != nil {
		return fmt.Errorf("close position from bracket: %w", err)
	}
	return nil
}

// awaitExitFill polls the market sell until filled or the wait window
// closes, returning its fills.
func (m *Manager) awaitExitFill(ctx context.Context, clientID string) ([]types.Fill, error) {
	deadline := time.Now().Add(marketSellWait)

	for {
		o, err := m.store.GetOrder(clientID)
		if err != nil {
			return nil, err
		}
		st, err := m.gw.GetOrder(ctx, o.ExchangeID)
		if err == nil && st.Status == types.StatusFilled {
			if err := m.persistFills(ctx, o); err != nil {
				return nil, err
			}
			return m.store.OrderFills(clientID)
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fillPollInterval):
		}
	}
}

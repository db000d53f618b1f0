// Package store provides the crash-safe trading database: orders, fills,
// positions, trade history, equity snapshots, and bot state, persisted in
// a single sqlite file behind gorm.
//
// Every multi-step operation runs inside one transaction, so readers see
// either the pre- or post-state, never a partial write. The invariants
// the rest of the system leans on are enforced here:
//
//   - client_id is unique (primary key); an order is never lost once
//     UpsertOrder returns.
//   - A terminal order is never reopened (ErrTerminalOrder).
//   - At most one open position per product (ErrPositionExists).
//   - RecordFill is idempotent on fill_id and promotes the parent order
//     to filled in the same transaction that completes its size.
//   - ClosePosition derives realized PnL and writes the TradeRecord in
//     the transaction that flips the position.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"spotbot/pkg/types"
)

// Consistency violations. Callers log these at CRITICAL, refuse the
// operation, and keep serving other products — never silently correct.
var (
	ErrTerminalOrder   = errors.New("order is terminal and cannot be reopened")
	ErrPositionExists  = errors.New("an open position already exists for this product")
	ErrNoOpenPosition  = errors.New("no open position for this product")
	ErrOrderNotFound   = errors.New("order not found")
)

// Store wraps the sqlite database. Safe for concurrent use; sqlite's
// single-writer model plus gorm transactions serialize writes.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens (or creates) the database file and migrates the schema.
// WAL mode keeps readers unblocked during commits; busy_timeout makes
// concurrent writers queue instead of erroring.
func Open(path string, log *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := db.AutoMigrate(
		&types.Order{},
		&types.Fill{},
		&types.Position{},
		&types.TradeRecord{},
		&types.EquitySnapshot{},
		&types.BotState{},
	); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return &Store{db: db, logger: log.With("component", "store")}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder inserts or updates an order by client_id. Reopening a
// terminal order fails with ErrTerminalOrder.
func (s *Store) UpsertOrder(o types.Order) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing types.Order
		err := tx.First(&existing, "client_id = ?", o.ClientID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&o).Error
		case err != nil:
			return err
		}
		if existing.Status.Terminal() && existing.Status != o.Status {
			return fmt.Errorf("%w: %s is %s", ErrTerminalOrder, o.ClientID, existing.Status)
		}
		return tx.Save(&o).Error
	})
}

// UpdateOrderStatus transitions an order, refusing to leave a terminal
// state. TerminalAt is stamped when the new status is terminal.
func (s *Store) UpdateOrderStatus(clientID string, status types.OrderStatus, reason string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var o types.Order
		if err := tx.First(&o, "client_id = ?", clientID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, clientID)
			}
			return err
		}
		if o.Status.Terminal() {
			if o.Status == status {
				return nil
			}
			return fmt.Errorf("%w: %s is %s, refusing %s", ErrTerminalOrder, clientID, o.Status, status)
		}
		o.Status = status
		if reason != "" {
			o.Reason = reason
		}
		if status.Terminal() {
			now := time.Now()
			o.TerminalAt = &now
		}
		return tx.Save(&o).Error
	})
}

// SetOrderExchangeID records the venue ack and flips submitted → open.
func (s *Store) SetOrderExchangeID(clientID, exchangeID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var o types.Order
		if err := tx.First(&o, "client_id = ?", clientID).Error; err != nil {
			return err
		}
		o.ExchangeID = exchangeID
		if o.Status == types.StatusSubmitted {
			o.Status = types.StatusOpen
		}
		return tx.Save(&o).Error
	})
}

// GetOrder returns one order by client_id.
func (s *Store) GetOrder(clientID string) (*types.Order, error) {
	var o types.Order
	if err := s.db.First(&o, "client_id = ?", clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clientID)
		}
		return nil, err
	}
	return &o, nil
}

// FindOrderByExchangeID is the fallback lookup for user-channel events
// that arrive without a client id.
func (s *Store) FindOrderByExchangeID(exchangeID string) (*types.Order, error) {
	var o types.Order
	if err := s.db.First(&o, "exchange_id = ?", exchangeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: exchange id %s", ErrOrderNotFound, exchangeID)
		}
		return nil, err
	}
	return &o, nil
}

// ListOpenOrders returns all non-terminal orders.
func (s *Store) ListOpenOrders() ([]types.Order, error) {
	var out []types.Order
	err := s.db.
		Where("status NOT IN ?", terminalStatuses()).
		Order("submitted_at asc").
		Find(&out).Error
	return out, err
}

// ListOrdersOlderThan returns non-terminal orders submitted before
// now−age. The reconciler's safety net.
func (s *Store) ListOrdersOlderThan(age time.Duration) ([]types.Order, error) {
	var out []types.Order
	err := s.db.
		Where("status NOT IN ?", terminalStatuses()).
		Where("submitted_at < ?", time.Now().Add(-age)).
		Order("submitted_at asc").
		Find(&out).Error
	return out, err
}

func terminalStatuses() []types.OrderStatus {
	return []types.OrderStatus{
		types.StatusFilled, types.StatusCancelled, types.StatusExpired, types.StatusRejected,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// RecordFill appends a fill and updates the parent order's filled size
// and average price in the same transaction. When cumulative size reaches
// the requested size, the order is promoted to filled. Idempotent on
// fill_id — re-delivered user-channel events are absorbed.
func (s *Store) RecordFill(f types.Fill) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing types.Fill
		err := tx.First(&existing, "fill_id = ?", f.FillID).Error
		if err == nil {
			return nil // already recorded
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		var o types.Order
		if err := tx.First(&o, "client_id = ?", f.OrderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: fill %s references %s", ErrOrderNotFound, f.FillID, f.OrderID)
			}
			return err
		}

		// Fills attach to the order's position from the start when known.
		if f.PositionID == 0 && o.PositionID != 0 {
			f.PositionID = o.PositionID
		}
		if err := tx.Create(&f).Error; err != nil {
			return err
		}

		var fills []types.Fill
		if err := tx.Where("order_id = ?", f.OrderID).Find(&fills).Error; err != nil {
			return err
		}
		notional := decimal.Zero
		size := decimal.Zero
		for _, fill := range fills {
			notional = notional.Add(fill.Price.Mul(fill.Size))
			size = size.Add(fill.Size)
		}
		o.FilledSize = size
		if !size.IsZero() {
			o.AvgFillPrice = notional.Div(size)
		}
		if !o.Status.Terminal() {
			if size.GreaterThanOrEqual(o.RequestedSize) {
				o.Status = types.StatusFilled
				now := time.Now()
				o.TerminalAt = &now
			} else {
				o.Status = types.StatusPartiallyFilled
			}
		}
		return tx.Save(&o).Error
	})
}

// OrderFills returns an order's fills ascending by (time, fill_id).
func (s *Store) OrderFills(clientID string) ([]types.Fill, error) {
	var out []types.Fill
	err := s.db.
		Where("order_id = ?", clientID).
		Order("time asc, fill_id asc").
		Find(&out).Error
	return out, err
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// OpenPosition creates a position from a filled entry order, attaching the
// order's fills as the entry leg. Fails with ErrPositionExists if the
// product already has an open position.
func (s *Store) OpenPosition(productID, strategy, entryOrderID string) (*types.Position, error) {
	var pos types.Position
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&types.Position{}).
			Where("product_id = ? AND status = ?", productID, types.PositionOpen).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrPositionExists, productID)
		}

		var fills []types.Fill
		if err := tx.Where("order_id = ?", entryOrderID).Find(&fills).Error; err != nil {
			return err
		}
		size := decimal.Zero
		for _, f := range fills {
			size = size.Add(f.Size)
		}

		pos = types.Position{
			ProductID: productID,
			Status:    types.PositionOpen,
			Strategy:  strategy,
			OpenedAt:  time.Now(),
			Size:      size,
		}
		if err := tx.Create(&pos).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Fill{}).
			Where("order_id = ?", entryOrderID).
			Updates(map[string]any{"position_id": pos.ID, "phase": "entry"}).Error; err != nil {
			return err
		}
		return tx.Model(&types.Order{}).
			Where("client_id = ?", entryOrderID).
			Update("position_id", pos.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// SetPositionBrackets records the bracket order ids (and the unprotected
// flag when installation failed) on a position.
func (s *Store) SetPositionBrackets(positionID uint, stopOrderID, takeProfitOrderID string, unprotected bool) error {
	return s.db.Model(&types.Position{}).
		Where("id = ?", positionID).
		Updates(map[string]any{
			"stop_order_id":        stopOrderID,
			"take_profit_order_id": takeProfitOrderID,
			"unprotected":          unprotected,
		}).Error
}

// GetOpenPosition returns the open position for a product, if any.
func (s *Store) GetOpenPosition(productID string) (*types.Position, error) {
	var pos types.Position
	err := s.db.First(&pos, "product_id = ? AND status = ?", productID, types.PositionOpen).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListOpenPositions returns all open positions.
func (s *Store) ListOpenPositions() ([]types.Position, error) {
	var out []types.Position
	err := s.db.Where("status = ?", types.PositionOpen).Find(&out).Error
	return out, err
}

// PositionEntryFills returns the entry leg ascending by (time, fill_id).
func (s *Store) PositionEntryFills(positionID uint) ([]types.Fill, error) {
	var out []types.Fill
	err := s.db.
		Where("position_id = ? AND phase = ?", positionID, "entry").
		Order("time asc, fill_id asc").
		Find(&out).Error
	return out, err
}

// ClosePosition attaches the exit fills, derives realized PnL, writes the
// TradeRecord, and flips the position to closed — one transaction.
func (s *Store) ClosePosition(productID string, exitFills []types.Fill, reason types.ExitReason) (*types.TradeRecord, error) {
	var record types.TradeRecord
	var positionID uint
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var pos types.Position
		if err := tx.First(&pos, "product_id = ? AND status = ?", productID, types.PositionOpen).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNoOpenPosition, productID)
			}
			return err
		}
		positionID = pos.ID

		for _, f := range exitFills {
			f.PositionID = pos.ID
			f.Phase = "exit"
			// Exit fills may already exist from RecordFill; stamp in place.
			var existing types.Fill
			err := tx.First(&existing, "fill_id = ?", f.FillID).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				if err := tx.Create(&f).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				if err := tx.Model(&types.Fill{}).
					Where("fill_id = ?", f.FillID).
					Updates(map[string]any{"position_id": pos.ID, "phase": "exit"}).Error; err != nil {
					return err
				}
			}
		}

		var entry, exit []types.Fill
		if err := tx.Where("position_id = ? AND phase = ?", pos.ID, "entry").Find(&entry).Error; err != nil {
			return err
		}
		if err := tx.Where("position_id = ? AND phase = ?", pos.ID, "exit").Find(&exit).Error; err != nil {
			return err
		}

		record = buildTradeRecord(pos, entry, exit, reason)
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		now := time.Now()
		pos.Status = types.PositionClosed
		pos.ClosedAt = &now
		pos.ExitReason = reason
		pos.RealizedPnL = record.NetPnL
		return tx.Save(&pos).Error
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("position closed",
		"product", productID,
		"position_id", positionID,
		"net_pnl", record.NetPnL,
		"exit_reason", reason,
	)
	return &record, nil
}

// buildTradeRecord derives the round-trip economics from the two fill legs.
func buildTradeRecord(pos types.Position, entry, exit []types.Fill, reason types.ExitReason) types.TradeRecord {
	var entryNotional, entrySize, exitNotional, exitSize, fees decimal.Decimal
	for _, f := range entry {
		entryNotional = entryNotional.Add(f.Price.Mul(f.Size))
		entrySize = entrySize.Add(f.Size)
		fees = fees.Add(f.Fee)
	}
	for _, f := range exit {
		exitNotional = exitNotional.Add(f.Price.Mul(f.Size))
		exitSize = exitSize.Add(f.Size)
		fees = fees.Add(f.Fee)
	}

	record := types.TradeRecord{
		ProductID:  pos.ProductID,
		EntryTime:  pos.OpenedAt,
		ExitTime:   time.Now(),
		Size:       entrySize,
		Fees:       fees,
		Strategy:   pos.Strategy,
		ExitReason: reason,
	}
	if !entrySize.IsZero() {
		record.AvgEntry = entryNotional.Div(entrySize)
	}
	if !exitSize.IsZero() {
		record.AvgExit = exitNotional.Div(exitSize)
	}
	record.GrossPnL = exitNotional.Sub(entryNotional)
	record.NetPnL = record.GrossPnL.Sub(fees)
	if !entryNotional.IsZero() {
		record.PnLPct = record.NetPnL.Div(entryNotional)
	}
	return record
}

// ————————————————————————————————————————————————————————————————————————
// Equity, state, history
// ————————————————————————————————————————————————————————————————————————

// SnapshotEquity appends a periodic equity record.
func (s *Store) SnapshotEquity(snap types.EquitySnapshot) error {
	return s.db.Create(&snap).Error
}

// LastEquitySnapshot returns the most recent snapshot, nil when none.
func (s *Store) LastEquitySnapshot() (*types.EquitySnapshot, error) {
	var snap types.EquitySnapshot
	err := s.db.Order("time desc").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutState writes one bot-state scalar.
func (s *Store) PutState(key, value string) error {
	return s.db.Save(&types.BotState{Key: key, Value: value}).Error
}

// GetState reads one bot-state scalar; ok is false when unset.
func (s *Store) GetState(key string) (string, bool, error) {
	var st types.BotState
	err := s.db.First(&st, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return st.Value, true, nil
}

// ListTrades returns the most recent trade records.
func (s *Store) ListTrades(limit int) ([]types.TradeRecord, error) {
	var out []types.TradeRecord
	err := s.db.Order("exit_time desc").Limit(limit).Find(&out).Error
	return out, err
}

// PerformanceSummary aggregates the full trade history.
type PerformanceSummary struct {
	Trades   int
	Wins     int
	NetPnL   decimal.Decimal
	FeesPaid decimal.Decimal
}

// Performance computes the summary the engine logs at shutdown.
func (s *Store) Performance() (*PerformanceSummary, error) {
	var trades []types.TradeRecord
	if err := s.db.Find(&trades).Error; err != nil {
		return nil, err
	}
	summary := &PerformanceSummary{Trades: len(trades)}
	for _, t := range trades {
		if t.NetPnL.IsPositive() {
			summary.Wins++
		}
		summary.NetPnL = summary.NetPnL.Add(t.NetPnL)
		summary.FeesPaid = summary.FeesPaid.Add(t.Fees)
	}
	return summary, nil
}

// UnmatchedBuyFills returns buy fills not yet attached to any position —
// the raw material for gateway-side cost-basis checks.
func (s *Store) UnmatchedBuyFills(productID string) ([]types.Fill, error) {
	var out []types.Fill
	err := s.db.
		Where("product_id = ? AND side = ? AND position_id = 0", productID, types.BUY).
		Order("time asc, fill_id asc").
		Find(&out).Error
	return out, err
}

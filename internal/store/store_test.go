package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotbot/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func buyOrder(clientID, product string, price, size string) types.Order {
	return types.Order{
		ClientID:       clientID,
		ProductID:      product,
		Side:           types.BUY,
		Kind:           types.KindLimitGTCPostOnly,
		RequestedPrice: dec(price),
		LimitPrice:     dec(price),
		RequestedSize:  dec(size),
		Status:         types.StatusSubmitted,
		SubmittedAt:    time.Now(),
	}
}

func TestUpsertOrderUniqueClientID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "BTC-USD", "100", "1")))
	require.NoError(t, s.UpsertOrder(buyOrder("c2", "BTC-USD", "100", "1")))

	// Upserting the same client id updates in place, never duplicates.
	o := buyOrder("c1", "BTC-USD", "101", "1")
	o.Status = types.StatusOpen
	require.NoError(t, s.UpsertOrder(o))

	orders, err := s.ListOpenOrders()
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestTerminalOrderNeverReopened(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "BTC-USD", "100", "1")))
	require.NoError(t, s.UpdateOrderStatus("c1", types.StatusCancelled, "timeout"))

	// Status transitions out of terminal are refused.
	err := s.UpdateOrderStatus("c1", types.StatusOpen, "")
	assert.ErrorIs(t, err, ErrTerminalOrder)

	reopened := buyOrder("c1", "BTC-USD", "100", "1")
	reopened.Status = types.StatusOpen
	err = s.UpsertOrder(reopened)
	assert.ErrorIs(t, err, ErrTerminalOrder)

	// Same terminal status is an idempotent no-op.
	assert.NoError(t, s.UpdateOrderStatus("c1", types.StatusCancelled, ""))

	o, err := s.GetOrder("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, o.Status)
	assert.NotNil(t, o.TerminalAt)
}

func TestRecordFillPromotesOrder(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "ADA-USD", "0.50", "1000")))

	require.NoError(t, s.RecordFill(types.Fill{
		FillID: "f1", OrderID: "c1", ProductID: "ADA-USD", Side: types.BUY,
		Price: dec("0.50"), Size: dec("400"), Fee: dec("0.10"), Time: time.Now(),
	}))
	o, err := s.GetOrder("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyFilled, o.Status)
	assert.True(t, o.FilledSize.Equal(dec("400")))

	require.NoError(t, s.RecordFill(types.Fill{
		FillID: "f2", OrderID: "c1", ProductID: "ADA-USD", Side: types.BUY,
		Price: dec("0.49"), Size: dec("600"), Fee: dec("0.12"), Time: time.Now(),
	}))
	o, err = s.GetOrder("c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, o.Status)
	assert.True(t, o.FilledSize.Equal(dec("1000")))

	// avg = (0.50*400 + 0.49*600) / 1000 = 0.494
	assert.True(t, o.AvgFillPrice.Equal(dec("0.494")), "avg = %s", o.AvgFillPrice)
}

func TestRecordFillIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "ETH-USD", "2000", "1")))
	fill := types.Fill{
		FillID: "f1", OrderID: "c1", ProductID: "ETH-USD", Side: types.BUY,
		Price: dec("2000"), Size: dec("1"), Fee: dec("8"), Time: time.Now(),
	}
	require.NoError(t, s.RecordFill(fill))
	require.NoError(t, s.RecordFill(fill)) // re-delivered event

	fills, err := s.OrderFills("c1")
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	o, err := s.GetOrder("c1")
	require.NoError(t, err)
	assert.True(t, o.FilledSize.Equal(dec("1")))
}

func TestOnePositionPerProduct(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "SOL-USD", "100", "10")))
	require.NoError(t, s.RecordFill(types.Fill{
		FillID: "f1", OrderID: "c1", ProductID: "SOL-USD", Side: types.BUY,
		Price: dec("100"), Size: dec("10"), Fee: dec("4"), Time: time.Now(),
	}))

	pos, err := s.OpenPosition("SOL-USD", "momentum", "c1")
	require.NoError(t, err)
	assert.True(t, pos.Size.Equal(dec("10")))

	require.NoError(t, s.UpsertOrder(buyOrder("c2", "SOL-USD", "100", "5")))
	_, err = s.OpenPosition("SOL-USD", "momentum", "c2")
	assert.ErrorIs(t, err, ErrPositionExists)

	open, err := s.ListOpenPositions()
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

// Cost basis over the S1 fixture: three fills, fee-inclusive.
func TestCostBasisFromEntryFills(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "DOGE-USD", "0.007", "3000")))
	fills := []types.Fill{
		{FillID: "f1", OrderID: "c1", ProductID: "DOGE-USD", Side: types.BUY, Price: dec("0.007000"), Size: dec("1000"), Fee: dec("0.05"), Time: time.Now()},
		{FillID: "f2", OrderID: "c1", ProductID: "DOGE-USD", Side: types.BUY, Price: dec("0.008000"), Size: dec("500"), Fee: dec("0.03"), Time: time.Now()},
		{FillID: "f3", OrderID: "c1", ProductID: "DOGE-USD", Side: types.BUY, Price: dec("0.006900"), Size: dec("1500"), Fee: dec("0.07"), Time: time.Now()},
	}
	for _, f := range fills {
		require.NoError(t, s.RecordFill(f))
	}

	pos, err := s.OpenPosition("DOGE-USD", "momentum", "c1")
	require.NoError(t, err)

	entry, err := s.PositionEntryFills(pos.ID)
	require.NoError(t, err)
	require.Len(t, entry, 3)

	cb := types.CostBasis(entry)
	// (7.00 + 4.00 + 10.35 + 0.15) / 3000 = 21.50 / 3000 ≈ 0.0071667
	assert.True(t, cb.Sub(dec("0.0071666667")).Abs().LessThan(dec("0.0000001")),
		"cost basis = %s", cb)
}

func TestClosePositionWritesTradeRecord(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.UpsertOrder(buyOrder("c1", "LINK-USD", "10", "100")))
	require.NoError(t, s.RecordFill(types.Fill{
		FillID: "f1", OrderID: "c1", ProductID: "LINK-USD", Side: types.BUY,
		Price: dec("10"), Size: dec("100"), Fee: dec("4"), Time: time.Now(),
	}))
	_, err := s.OpenPosition("LINK-USD", "momentum", "c1")
	require.NoError(t, err)

	exitFills := []types.Fill{{
		FillID: "f2", OrderID: "c2", ProductID: "LINK-USD", Side: types.SELL,
		Price: dec("11"), Size: dec("100"), Fee: dec("6.6"), Time: time.Now(),
	}}
	record, err := s.ClosePosition("LINK-USD", exitFills, types.ExitSignalProfit)
	require.NoError(t, err)

	// gross = 1100 − 1000 = 100; fees = 4 + 6.6; net = 89.4
	assert.True(t, record.GrossPnL.Equal(dec("100")), "gross = %s", record.GrossPnL)
	assert.True(t, record.NetPnL.Equal(dec("89.4")), "net = %s", record.NetPnL)
	assert.Equal(t, types.ExitSignalProfit, record.ExitReason)

	pos, err := s.GetOpenPosition("LINK-USD")
	require.NoError(t, err)
	assert.Nil(t, pos)

	// Closing again fails: no open position.
	_, err = s.ClosePosition("LINK-USD", exitFills, types.ExitManual)
	assert.ErrorIs(t, err, ErrNoOpenPosition)

	// A new position may now open for the product.
	require.NoError(t, s.UpsertOrder(buyOrder("c3", "LINK-USD", "10", "50")))
	require.NoError(t, s.RecordFill(types.Fill{
		FillID: "f3", OrderID: "c3", ProductID: "LINK-USD", Side: types.BUY,
		Price: dec("10"), Size: dec("50"), Fee: dec("2"), Time: time.Now(),
	}))
	_, err = s.OpenPosition("LINK-USD", "momentum", "c3")
	assert.NoError(t, err)
}

func TestBotStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, ok, err := s.GetState("peak_equity")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutState("peak_equity", "10000"))
	require.NoError(t, s.PutState("peak_equity", "10500")) // overwrite

	v, ok, err := s.GetState("peak_equity")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10500", v)
}

func TestListOrdersOlderThan(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	old := buyOrder("old", "BTC-USD", "100", "1")
	old.SubmittedAt = time.Now().Add(-10 * time.Minute)
	old.Status = types.StatusOpen
	require.NoError(t, s.UpsertOrder(old))
	require.NoError(t, s.UpsertOrder(buyOrder("fresh", "BTC-USD", "100", "1")))

	aged, err := s.ListOrdersOlderThan(5 * time.Minute)
	require.NoError(t, err)
	require.Len(t, aged, 1)
	assert.Equal(t, "old", aged[0].ClientID)
}

func TestPerformanceSummary(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i, pnl := range []string{"50", "-20", "30"} {
		require.NoError(t, s.db.Create(&types.TradeRecord{
			ProductID: "BTC-USD",
			NetPnL:    dec(pnl),
			Fees:      dec("1"),
			ExitTime:  time.Now().Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	summary, err := s.Performance()
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Trades)
	assert.Equal(t, 2, summary.Wins)
	assert.True(t, summary.NetPnL.Equal(dec("60")))
	assert.True(t, summary.FeesPaid.Equal(dec("3")))
}

func TestSnapshotEquity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	require.NoError(t, s.SnapshotEquity(types.EquitySnapshot{
		Time: time.Now().Add(-time.Minute), TotalQuote: dec("9000"),
	}))
	require.NoError(t, s.SnapshotEquity(types.EquitySnapshot{
		Time: time.Now(), TotalQuote: dec("9500"),
	}))

	last, err := s.LastEquitySnapshot()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.TotalQuote.Equal(dec("9500")))
}

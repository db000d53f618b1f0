package monitor

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/pkg/types"
)

func testExitConfig() config.ExitConfig {
	return config.ExitConfig{
		ProfitExitPct:            0.05,
		LossExitPct:              -0.02,
		LossExitConfidence:       0.60,
		MaxPriceStalenessSeconds: 30,
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// s1Fills is the partial-fill fixture: cost basis ≈ 0.0071667.
func s1Fills() []types.Fill {
	return []types.Fill{
		{FillID: "f1", Price: dec("0.007000"), Size: dec("1000"), Fee: dec("0.05")},
		{FillID: "f2", Price: dec("0.008000"), Size: dec("500"), Fee: dec("0.03")},
		{FillID: "f3", Price: dec("0.006900"), Size: dec("1500"), Fee: dec("0.07")},
	}
}

func pnl(last string, fills []types.Fill) decimal.Decimal {
	cb := types.CostBasis(fills)
	return dec(last).Sub(cb).Div(cb)
}

// Signal-confirmed profit exit: +3% holds, +5% sells on HOLD.
func TestDecideProfitExit(t *testing.T) {
	t.Parallel()
	cfg := testExitConfig()
	holdSig := types.Signal{Action: types.ActionHold, Confidence: 0.5}

	d := Decide(pnl("0.007385", s1Fills()), holdSig, false, cfg) // ≈ +3.04%
	if d.Outcome != OutcomeNone {
		t.Errorf("+3%%: outcome = %v, want none", d.Outcome)
	}

	d = Decide(pnl("0.007526", s1Fills()), holdSig, false, cfg) // ≈ +5.0%
	if d.Outcome != OutcomeExit || d.Reason != types.ExitSignalProfit {
		t.Errorf("+5%%: decision = %+v, want signal_profit_exit", d)
	}

	sellSig := types.Signal{Action: types.ActionSell, Confidence: 0.3}
	d = Decide(pnl("0.007526", s1Fills()), sellSig, false, cfg)
	if d.Outcome != OutcomeExit || d.Reason != types.ExitSignalProfit {
		t.Errorf("+5%% on SELL: decision = %+v, want signal_profit_exit", d)
	}
}

// Winner runs: +5% and a BUY signal holds the position.
func TestDecideWinnerRuns(t *testing.T) {
	t.Parallel()
	buySig := types.Signal{Action: types.ActionBuy, Confidence: 0.72}

	d := Decide(pnl("0.007600", s1Fills()), buySig, false, testExitConfig())
	if d.Outcome != OutcomeProfitHold {
		t.Errorf("outcome = %v, want profit hold", d.Outcome)
	}
}

// Confident loss cut: −2.1% with SELL(0.68) exits.
func TestDecideConfidentLossCut(t *testing.T) {
	t.Parallel()
	pnlPct := dec("97.90").Sub(dec("100")).Div(dec("100")) // −2.1%
	sellSig := types.Signal{Action: types.ActionSell, Confidence: 0.68}

	d := Decide(pnlPct, sellSig, false, testExitConfig())
	if d.Outcome != OutcomeExit || d.Reason != types.ExitSignalLoss {
		t.Errorf("decision = %+v, want signal_loss_exit", d)
	}
}

// Shallow loss without a confident sell: warn, hold.
func TestDecideLossWarning(t *testing.T) {
	t.Parallel()
	pnlPct := dec("97.90").Sub(dec("100")).Div(dec("100"))

	holdSig := types.Signal{Action: types.ActionHold, Confidence: 0.55}
	d := Decide(pnlPct, holdSig, false, testExitConfig())
	if d.Outcome != OutcomeLossWarning {
		t.Errorf("HOLD: outcome = %v, want loss warning", d.Outcome)
	}

	weakSell := types.Signal{Action: types.ActionSell, Confidence: 0.40}
	d = Decide(pnlPct, weakSell, false, testExitConfig())
	if d.Outcome != OutcomeLossWarning {
		t.Errorf("weak SELL: outcome = %v, want loss warning", d.Outcome)
	}
}

func TestDecideQuietZoneNoOp(t *testing.T) {
	t.Parallel()
	d := Decide(dec("0.01"), types.Signal{Action: types.ActionSell, Confidence: 0.9}, false, testExitConfig())
	if d.Outcome != OutcomeNone {
		t.Errorf("outcome = %v, want none (brackets in force)", d.Outcome)
	}
}

// Unprotected positions exit on any adverse signal, even inside the
// quiet zone.
func TestDecideUnprotectedUrgentExit(t *testing.T) {
	t.Parallel()
	sellSig := types.Signal{Action: types.ActionSell, Confidence: 0.5}

	d := Decide(dec("-0.005"), sellSig, true, testExitConfig())
	if d.Outcome != OutcomeExit || d.Reason != types.ExitSignalLoss {
		t.Errorf("unprotected small loss: decision = %+v, want signal_loss_exit", d)
	}

	d = Decide(dec("0.01"), sellSig, true, testExitConfig())
	if d.Outcome != OutcomeExit || d.Reason != types.ExitSignalProfit {
		t.Errorf("unprotected small gain: decision = %+v, want signal_profit_exit", d)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Sweep integration with fakes
// ————————————————————————————————————————————————————————————————————————

type fakeStore struct {
	positions []types.Position
	fills     map[uint][]types.Fill
}

func (f *fakeStore) ListOpenPositions() ([]types.Position, error) { return f.positions, nil }
func (f *fakeStore) PositionEntryFills(id uint) ([]types.Fill, error) {
	return f.fills[id], nil
}

type fakePrices struct {
	price decimal.Decimal
	at    time.Time
}

func (f *fakePrices) Get(string) (decimal.Decimal, time.Time, bool) {
	return f.price, f.at, true
}

type fakeBook struct {
	mid decimal.Decimal
}

func (f *fakeBook) GetBestBidAsk(_ context.Context, ids []string) (map[string]types.BestBidAsk, error) {
	out := map[string]types.BestBidAsk{}
	for _, id := range ids {
		out[id] = types.BestBidAsk{ProductID: id, Bid: f.mid, Ask: f.mid}
	}
	return out, nil
}

type fakeExiter struct {
	calls []types.ExitReason
}

func (f *fakeExiter) ExecuteExit(_ context.Context, _ types.Product, _ types.Position, reason types.ExitReason) error {
	f.calls = append(f.calls, reason)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSweepTriggersExitThroughOrderPath(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		positions: []types.Position{{ID: 1, ProductID: "DOGE-USD", Status: types.PositionOpen, Size: dec("3000")}},
		fills:     map[uint][]types.Fill{1: s1Fills()},
	}
	exiter := &fakeExiter{}
	signalFn := func(context.Context, string) (types.Signal, error) {
		return types.Signal{Action: types.ActionHold, Confidence: 0.5}, nil
	}

	m := NewMonitor(st, &fakePrices{price: dec("0.007526"), at: time.Now()}, &fakeBook{}, exiter, signalFn, testExitConfig(), testLogger())
	m.Sweep(context.Background())

	if len(exiter.calls) != 1 || exiter.calls[0] != types.ExitSignalProfit {
		t.Errorf("exit calls = %v, want one signal_profit_exit", exiter.calls)
	}
}

func TestSweepHoldsWinnerOnBuySignal(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		positions: []types.Position{{ID: 1, ProductID: "DOGE-USD", Status: types.PositionOpen, Size: dec("3000")}},
		fills:     map[uint][]types.Fill{1: s1Fills()},
	}
	exiter := &fakeExiter{}
	signalFn := func(context.Context, string) (types.Signal, error) {
		return types.Signal{Action: types.ActionBuy, Confidence: 0.72}, nil
	}

	m := NewMonitor(st, &fakePrices{price: dec("0.007600"), at: time.Now()}, &fakeBook{}, exiter, signalFn, testExitConfig(), testLogger())
	m.Sweep(context.Background())

	if len(exiter.calls) != 0 {
		t.Errorf("exit calls = %v, want none (winner runs)", exiter.calls)
	}
}

// A stale streaming tick falls back to the REST book.
func TestStalePriceFallsBackToREST(t *testing.T) {
	t.Parallel()
	st := &fakeStore{
		positions: []types.Position{{ID: 1, ProductID: "BTC-USD", Status: types.PositionOpen, Size: dec("1")}},
		fills: map[uint][]types.Fill{1: {
			{FillID: "f1", Price: dec("100"), Size: dec("1"), Fee: dec("0")},
		}},
	}
	exiter := &fakeExiter{}
	signalFn := func(context.Context, string) (types.Signal, error) {
		return types.Signal{Action: types.ActionHold}, nil
	}

	stale := &fakePrices{price: dec("999"), at: time.Now().Add(-5 * time.Minute)}
	rest := &fakeBook{mid: dec("106")} // +6% via REST → profit exit

	m := NewMonitor(st, stale, rest, exiter, signalFn, testExitConfig(), testLogger())
	m.Sweep(context.Background())

	if len(exiter.calls) != 1 || exiter.calls[0] != types.ExitSignalProfit {
		t.Errorf("exit calls = %v, want profit exit from REST price", exiter.calls)
	}
}

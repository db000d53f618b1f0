// Package risk makes the stateless portfolio decisions that gate every
// entry: how large a position may be, whether a new position may open at
// all, and whether a drawdown halt is in force.
//
// All functions operate on an explicit Snapshot of {equity, open
// positions, config} — nothing here holds mutable state, so decisions are
// reproducible from their inputs and trivial to test. Business rejections
// are Decision values with machine-readable reason codes, not errors.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/pkg/types"
)

// Reason codes for rejected decisions. The orchestrator logs these at INFO
// and skips the candidate; they are expected outcomes, not failures.
const (
	ReasonPositionOpen     = "position_already_open"
	ReasonMaxConcurrent    = "max_concurrent_positions"
	ReasonExposureCap      = "exposure_cap_exceeded"
	ReasonDrawdownHalt     = "drawdown_halt_active"
	ReasonSizeBelowMinimum = "size_below_minimum"
	ReasonZeroStopDistance = "zero_stop_distance"
)

// Decision is the result of an admission check.
type Decision struct {
	OK     bool
	Reason string // populated when !OK
	Detail string // human-readable elaboration
}

func allow() Decision { return Decision{OK: true} }

func deny(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Snapshot is the portfolio state a decision is made against. Built by the
// orchestrator at the moment of decision; never cached across cycles.
type Snapshot struct {
	Equity        decimal.Decimal
	TotalExposure decimal.Decimal // quote value of all open positions
	OpenProducts  map[string]bool
	OpenCount     int
	HaltActive    bool
}

// Manager evaluates risk rules from config. It is stateless and safe for
// concurrent use.
type Manager struct {
	cfg config.RiskConfig
}

// NewManager creates a risk manager.
func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// PositionSize computes the base-currency size for an entry:
//
//	size = (equity · risk_per_trade) / |entry − stop|
//
// clamped by max_position_size · equity / entry and quantized to the
// product's base increment. A size below the product minimum (base or
// quote) is a rejection, not a silent round-up.
func (m *Manager) PositionSize(equity, entry, stop decimal.Decimal, product types.Product) (decimal.Decimal, Decision) {
	stopDistance := entry.Sub(stop).Abs()
	if stopDistance.IsZero() || entry.IsZero() {
		return decimal.Zero, deny(ReasonZeroStopDistance, "entry and stop prices coincide")
	}

	riskBudget := equity.Mul(decimal.NewFromFloat(m.cfg.RiskPerTrade))
	size := riskBudget.Div(stopDistance)

	maxSize := equity.Mul(decimal.NewFromFloat(m.cfg.MaxPositionSize)).Div(entry)
	if size.GreaterThan(maxSize) {
		size = maxSize
	}
	size = product.QuantizeSize(size)

	if size.LessThan(product.MinBase) {
		return decimal.Zero, deny(ReasonSizeBelowMinimum,
			fmt.Sprintf("size %s below product minimum %s", size, product.MinBase))
	}
	if size.Mul(entry).LessThan(product.MinQuote) {
		return decimal.Zero, deny(ReasonSizeBelowMinimum,
			fmt.Sprintf("notional %s below product minimum %s", size.Mul(entry), product.MinQuote))
	}
	minQuote := decimal.NewFromFloat(m.cfg.MinQuoteTrade)
	if size.Mul(entry).LessThan(minQuote) {
		return decimal.Zero, deny(ReasonSizeBelowMinimum,
			fmt.Sprintf("notional %s below configured floor %s", size.Mul(entry), minQuote))
	}

	return size, allow()
}

// CanOpen checks the portfolio invariants for admitting a new entry.
// Checks run cheapest-first; the first violation wins.
func (m *Manager) CanOpen(snap Snapshot, productID string, intendedQuote decimal.Decimal) Decision {
	if snap.HaltActive {
		return deny(ReasonDrawdownHalt, "drawdown halt in force")
	}
	if snap.OpenProducts[productID] {
		return deny(ReasonPositionOpen, fmt.Sprintf("position already open for %s", productID))
	}
	if snap.OpenCount >= m.cfg.MaxConcurrent {
		return deny(ReasonMaxConcurrent,
			fmt.Sprintf("%d positions open, cap %d", snap.OpenCount, m.cfg.MaxConcurrent))
	}
	limit := snap.Equity.Mul(decimal.NewFromFloat(m.cfg.MaxTotalExposure))
	if snap.TotalExposure.Add(intendedQuote).GreaterThan(limit) {
		return deny(ReasonExposureCap,
			fmt.Sprintf("exposure %s + %s exceeds cap %s", snap.TotalExposure, intendedQuote, limit))
	}
	return allow()
}

// DrawdownState is the cross-cycle drawdown bookkeeping, persisted in
// BotState by the orchestrator.
type DrawdownState struct {
	Peak       decimal.Decimal
	HaltActive bool
}

// DrawdownTransition reports what UpdateDrawdown changed.
type DrawdownTransition int

const (
	DrawdownNone DrawdownTransition = iota
	DrawdownHalted
	DrawdownReleased
)

// UpdateDrawdown advances the peak-equity tracker. It halts when the
// current drawdown 1 − equity/peak reaches max_drawdown and releases when
// equity recovers above drawdown_release of peak.
func (m *Manager) UpdateDrawdown(st DrawdownState, equity decimal.Decimal) (DrawdownState, DrawdownTransition) {
	if equity.GreaterThan(st.Peak) {
		st.Peak = equity
	}
	if st.Peak.IsZero() {
		return st, DrawdownNone
	}

	dd := decimal.NewFromInt(1).Sub(equity.Div(st.Peak))

	if !st.HaltActive && dd.GreaterThanOrEqual(decimal.NewFromFloat(m.cfg.MaxDrawdown)) {
		st.HaltActive = true
		return st, DrawdownHalted
	}
	release := st.Peak.Mul(decimal.NewFromFloat(m.cfg.DrawdownRelease))
	if st.HaltActive && equity.GreaterThanOrEqual(release) {
		st.HaltActive = false
		return st, DrawdownReleased
	}
	return st, DrawdownNone
}

// Drawdown returns the current peak-to-trough fraction for logging.
func Drawdown(st DrawdownState, equity decimal.Decimal) decimal.Decimal {
	if st.Peak.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(equity.Div(st.Peak))
}

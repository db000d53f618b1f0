// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — products, candles,
// orders, fills, positions, signals, and the payloads exchanged with the
// trading venue. It has no dependencies on internal packages, so it can be
// imported by any layer. Persisted entities (Order, Fill, Position,
// TradeRecord, EquitySnapshot, BotState) carry gorm tags; the store owns
// their lifecycle.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderKind enumerates the supported order lifecycles.
type OrderKind string

const (
	// KindLimitGTCPostOnly rests on the book until filled or cancelled and
	// is rejected by the venue rather than executing as taker.
	KindLimitGTCPostOnly OrderKind = "LIMIT_GTC_POST_ONLY"
	KindMarket           OrderKind = "MARKET"
	KindStopLimit        OrderKind = "STOP_LIMIT"
	KindBracket          OrderKind = "TRIGGER_BRACKET_GTC"
)

// OrderStatus tracks an order through its lifecycle. Terminal states are
// never left once entered.
type OrderStatus string

const (
	StatusSubmitted       OrderStatus = "submitted" // written locally, not yet acked
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelling      OrderStatus = "cancelling" // cancel sent, not yet verified
	StatusCancelled       OrderStatus = "cancelled"
	StatusExpired         OrderStatus = "expired"
	StatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Liquidity identifies whether a fill rested on the book or crossed it.
type Liquidity string

const (
	LiquidityMaker Liquidity = "MAKER"
	LiquidityTaker Liquidity = "TAKER"
)

// PositionStatus is open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitSignalProfit ExitReason = "signal_profit_exit"
	ExitSignalLoss   ExitReason = "signal_loss_exit"
	ExitStopTrigger  ExitReason = "stop_triggered"
	ExitTakeProfit   ExitReason = "tp_triggered"
	ExitManual       ExitReason = "manual"
)

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Product describes one tradable pair as reported by the venue.
// Immutable within a session; refreshed at startup.
type Product struct {
	ID              string          // e.g. "BTC-USD"
	Base            string          // e.g. "BTC"
	Quote           string          // e.g. "USD"
	BaseIncrement   decimal.Decimal // minimum size step
	QuoteIncrement  decimal.Decimal // minimum price step (one tick)
	MinBase         decimal.Decimal // minimum order size in base units
	MinQuote        decimal.Decimal // minimum order value in quote units
	ViewOnly        bool
	TradingDisabled bool
	Volume24h       decimal.Decimal // trailing 24-hour quote volume
}

// Tradable reports whether orders may be placed on the product given the
// configured minimum-quote floor.
func (p Product) Tradable(minQuoteFloor decimal.Decimal) bool {
	return !p.ViewOnly && !p.TradingDisabled && p.MinQuote.LessThanOrEqual(minQuoteFloor)
}

// QuantizePrice clamps a price to the product's quote increment, truncating
// toward zero. All price conversions at the venue boundary go through here.
func (p Product) QuantizePrice(price decimal.Decimal) decimal.Decimal {
	if p.QuoteIncrement.IsZero() {
		return price
	}
	return price.Div(p.QuoteIncrement).Truncate(0).Mul(p.QuoteIncrement)
}

// QuantizeSize clamps a size to the product's base increment, truncating
// toward zero.
func (p Product) QuantizeSize(size decimal.Decimal) decimal.Decimal {
	if p.BaseIncrement.IsZero() {
		return size
	}
	return size.Div(p.BaseIncrement).Truncate(0).Mul(p.BaseIncrement)
}

// Candle is one OHLCV bar. Sequences are ordered ascending by StartTime.
type Candle struct {
	StartTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// BestBidAsk is the top of book for one product.
type BestBidAsk struct {
	ProductID string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Time      time.Time
}

// Mid returns (bid+ask)/2, zero when either side is empty.
func (b BestBidAsk) Mid() decimal.Decimal {
	if b.Bid.IsZero() || b.Ask.IsZero() {
		return decimal.Zero
	}
	return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask−bid)/mid, zero when the book is empty.
func (b BestBidAsk) SpreadPct() decimal.Decimal {
	mid := b.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return b.Ask.Sub(b.Bid).Div(mid)
}

// MarketTrade is one public trade print, used by volume-flow analysis.
type MarketTrade struct {
	TradeID   string
	ProductID string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side // aggressor side
	Time      time.Time
}

// Pressure classifies the aggressor-buy share of recent volume.
type Pressure string

const (
	PressureStrongBuy    Pressure = "strong_buy"
	PressureModerateBuy  Pressure = "moderate_buy"
	PressureNeutral      Pressure = "neutral"
	PressureModerateSell Pressure = "moderate_sell"
	PressureStrongSell   Pressure = "strong_sell"
)

// VolumeFlow summarizes recent aggressor volume for a product.
type VolumeFlow struct {
	ProductID   string
	BuyVolume   decimal.Decimal
	SellVolume  decimal.Decimal
	BuyPressure decimal.Decimal // buy / (buy+sell), in [0,1]
	NetPressure Pressure
}

// AccountBalance is one currency's available and held balance.
type AccountBalance struct {
	Currency  string
	Available decimal.Decimal
	Hold      decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// SignalAction is the direction a strategy recommends.
type SignalAction string

const (
	ActionBuy  SignalAction = "BUY"
	ActionSell SignalAction = "SELL"
	ActionHold SignalAction = "HOLD"
)

// Signal is a strategy's verdict on one product. Pure value; not persisted.
// Reasons is an ordered list of short human-readable rule hits — logs and
// the position monitor depend on it being populated for non-HOLD actions.
type Signal struct {
	Action     SignalAction
	Confidence float64 // [0, 1]
	Reasons    []string
	ProducedAt time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Persisted entities
// ————————————————————————————————————————————————————————————————————————

// Order is the durable record of one order. It is written with status
// "submitted" before the venue call is made; that ordering is the anchor
// of ghost-order prevention. ClientID is a locally generated UUID and the
// idempotency key — the store enforces uniqueness, the venue honors it on
// retry.
type Order struct {
	ClientID       string          `gorm:"primaryKey;column:client_id"`
	ExchangeID     string          `gorm:"index;column:exchange_id"` // assigned on ack
	ProductID      string          `gorm:"index"`
	Side           Side
	Kind           OrderKind
	RequestedPrice decimal.Decimal `gorm:"type:decimal(38,18)"`
	RequestedSize  decimal.Decimal `gorm:"type:decimal(38,18)"`
	StopPrice      decimal.Decimal `gorm:"type:decimal(38,18)"`
	LimitPrice     decimal.Decimal `gorm:"type:decimal(38,18)"`
	Status         OrderStatus     `gorm:"index"`
	FilledSize     decimal.Decimal `gorm:"type:decimal(38,18)"`
	AvgFillPrice   decimal.Decimal `gorm:"type:decimal(38,18)"`
	SubmittedAt    time.Time
	TerminalAt     *time.Time
	PositionID     uint   `gorm:"index"` // parent position, 0 = none yet
	Reason         string // rejection / cancel reason
	Metadata       string // opaque JSON
}

// Fill is one execution against an order. Append-only; FillID is
// authoritative for ordering and deduplication.
type Fill struct {
	FillID     string          `gorm:"primaryKey;column:fill_id"`
	OrderID    string          `gorm:"index;column:order_id"` // parent order client_id
	ProductID  string          `gorm:"index"`
	Side       Side
	Price      decimal.Decimal `gorm:"type:decimal(38,18)"`
	Size       decimal.Decimal `gorm:"type:decimal(38,18)"`
	Fee        decimal.Decimal `gorm:"type:decimal(38,18)"`
	Liquidity  Liquidity
	Time       time.Time
	PositionID uint   `gorm:"index"` // set when attached to a position
	Phase      string `gorm:"index"` // "entry" or "exit", empty until attached
}

// Position is one open or closed holding in a product. At most one open
// position may exist per product. Bracket orders are referenced by client
// id, never by pointer — resolution happens in the store.
type Position struct {
	ID                uint           `gorm:"primaryKey;autoIncrement"`
	ProductID         string         `gorm:"index"`
	Status            PositionStatus `gorm:"index"`
	Strategy          string
	OpenedAt          time.Time
	ClosedAt          *time.Time
	Size              decimal.Decimal `gorm:"type:decimal(38,18)"` // Σ entry fill size
	StopOrderID       string          // stop-loss client_id
	TakeProfitOrderID string          // take-profit client_id
	Unprotected       bool            // bracket install failed
	ExitReason        ExitReason
	RealizedPnL       decimal.Decimal `gorm:"type:decimal(38,18)"` // derived on close
}

// CostBasis computes the fee-inclusive average entry price from entry
// fills: (Σ price·size + Σ fee) / Σ size. Callers pass the position's
// entry fills fresh from the store; the result is never cached.
func CostBasis(entryFills []Fill) decimal.Decimal {
	notional := decimal.Zero
	fees := decimal.Zero
	size := decimal.Zero
	for _, f := range entryFills {
		notional = notional.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.Fee)
		size = size.Add(f.Size)
	}
	if size.IsZero() {
		return decimal.Zero
	}
	return notional.Add(fees).Div(size)
}

// TradeRecord is materialized when a position closes.
type TradeRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	ProductID  string    `gorm:"index"`
	EntryTime  time.Time
	ExitTime   time.Time
	AvgEntry   decimal.Decimal `gorm:"type:decimal(38,18)"`
	AvgExit    decimal.Decimal `gorm:"type:decimal(38,18)"`
	Size       decimal.Decimal `gorm:"type:decimal(38,18)"`
	GrossPnL   decimal.Decimal `gorm:"type:decimal(38,18)"`
	Fees       decimal.Decimal `gorm:"type:decimal(38,18)"`
	NetPnL     decimal.Decimal `gorm:"type:decimal(38,18)"`
	PnLPct     decimal.Decimal `gorm:"type:decimal(38,18)"`
	Strategy   string
	ExitReason ExitReason
}

// EquitySnapshot is a periodic record of total account value.
type EquitySnapshot struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement"`
	Time               time.Time `gorm:"index"`
	CashQuote          decimal.Decimal `gorm:"type:decimal(38,18)"`
	PositionsValue     decimal.Decimal `gorm:"type:decimal(38,18)"`
	TotalQuote         decimal.Decimal `gorm:"type:decimal(38,18)"`
	OpenPositionsCount int
}

// BotState is a key-value row for cross-cycle scalars (peak equity,
// drawdown halt, active strategy).
type BotState struct {
	Key   string `gorm:"primaryKey"`
	Value string
}

// ————————————————————————————————————————————————————————————————————————
// Streaming events
// ————————————————————————————————————————————————————————————————————————

// TickerUpdate is one price tick from the ticker_batch channel.
type TickerUpdate struct {
	ProductID string
	Price     decimal.Decimal
	Time      time.Time
}

// OrderUpdate is an order lifecycle event from the user channel. ClientID
// is preferred for correlation; ExchangeID is the fallback. FillsDelta may
// be empty — the reconciler fetches fills via REST when it is.
type OrderUpdate struct {
	ExchangeID    string
	ClientID      string
	ProductID     string
	Status        OrderStatus
	CumFilledSize decimal.Decimal
	AvgPrice      decimal.Decimal
	FillsDelta    []Fill
	Time          time.Time
}

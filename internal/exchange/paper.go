package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spotbot/pkg/types"
)

// Paper-mode fee rates, matching a mid-tier taker/maker schedule.
var (
	paperMakerFeeRate = decimal.NewFromFloat(0.004)
	paperTakerFeeRate = decimal.NewFromFloat(0.006)
)

// paperFillDelay is how long a simulated limit order rests before it
// fills. Long enough that the fill-wait loop is exercised, short enough
// that entries complete within their timeout.
const paperFillDelay = 2 * time.Second

// paperBook simulates the venue's order endpoints for paper trading.
// Orders fill at their requested limit price after paperFillDelay; market
// orders fill immediately at the live top of book. Fills are materialized
// lazily on the next status or fills read, so the simulator needs no
// goroutines and crash-restarts behave like the real venue (the order is
// simply gone — the reconciler handles it).
//
// Stop-limit and bracket orders rest open indefinitely; exits in paper
// sessions flow through the signal path, which cancels them first.
type paperBook struct {
	client *Client // for live top-of-book reads
	logger *slog.Logger

	mu     sync.Mutex
	orders map[string]*paperOrder // exchange id -> order
	cash   decimal.Decimal        // quote balance
	assets map[string]decimal.Decimal
}

type paperOrder struct {
	req       OrderRequest
	exchange  string
	placedAt  time.Time
	cancelled bool
	fill      *types.Fill // set once materialized
	fillPrice decimal.Decimal
}

// paperStartingCash funds a fresh paper session.
var paperStartingCash = decimal.NewFromInt(10_000)

func newPaperBook(client *Client, logger *slog.Logger) *paperBook {
	return &paperBook{
		client: client,
		logger: logger.With("component", "paper"),
		orders: make(map[string]*paperOrder),
		cash:   paperStartingCash,
		assets: make(map[string]decimal.Decimal),
	}
}

// Place records the order. Market orders capture the current top of book
// as their fill price; limit orders fill at their own price later.
func (pb *paperBook) Place(ctx context.Context, req OrderRequest) (string, error) {
	fillPrice := req.LimitPrice
	if req.Kind == types.KindMarket {
		books, err := pb.client.GetBestBidAsk(ctx, []string{req.ProductID})
		if err != nil {
			return "", err
		}
		book := books[req.ProductID]
		if req.Side == types.BUY {
			fillPrice = book.Ask
		} else {
			fillPrice = book.Bid
		}
		if fillPrice.IsZero() {
			return "", &APIError{Kind: KindInvalid, Op: "paper place", Msg: "no live price for market order"}
		}
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	for _, existing := range pb.orders {
		if existing.req.ClientID == req.ClientID {
			// Idempotent on client id, like the venue.
			return existing.exchange, nil
		}
	}
	exchangeID := "paper-" + uuid.NewString()
	pb.orders[exchangeID] = &paperOrder{
		req:       req,
		exchange:  exchangeID,
		placedAt:  time.Now(),
		fillPrice: fillPrice,
	}
	pb.logger.Info("paper order placed",
		"product", req.ProductID, "client_id", req.ClientID, "kind", req.Kind, "side", req.Side)
	return exchangeID, nil
}

func (pb *paperBook) Cancel(exchangeID string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	po, ok := pb.orders[exchangeID]
	if !ok {
		return &APIError{Kind: KindNotFound, Op: "paper cancel", Msg: exchangeID}
	}
	pb.materializeLocked(po)
	if po.fill != nil {
		return &APIError{Kind: KindInvalid, Op: "paper cancel", Msg: "order already filled"}
	}
	po.cancelled = true
	return nil
}

func (pb *paperBook) Get(ctx context.Context, exchangeID string) (*OrderState, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	po, ok := pb.orders[exchangeID]
	if !ok {
		return nil, &APIError{Kind: KindNotFound, Op: "paper get order", Msg: exchangeID}
	}
	pb.materializeLocked(po)

	st := &OrderState{
		ExchangeID: po.exchange,
		ClientID:   po.req.ClientID,
		ProductID:  po.req.ProductID,
		Status:     types.StatusOpen,
	}
	switch {
	case po.fill != nil:
		st.Status = types.StatusFilled
		st.FilledSize = po.fill.Size
		st.AvgFillPrice = po.fill.Price
	case po.cancelled:
		st.Status = types.StatusCancelled
	}
	return st, nil
}

func (pb *paperBook) Fills(exchangeOrderID, productID string) []types.Fill {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	var out []types.Fill
	for _, po := range pb.orders {
		pb.materializeLocked(po)
		if po.fill == nil {
			continue
		}
		if exchangeOrderID != "" && po.exchange != exchangeOrderID {
			continue
		}
		if productID != "" && po.req.ProductID != productID {
			continue
		}
		out = append(out, *po.fill)
	}
	sortFills(out)
	return out
}

func (pb *paperBook) Preview(req OrderRequest) *OrderPreview {
	rate := paperMakerFeeRate
	if req.Kind == types.KindMarket {
		rate = paperTakerFeeRate
	}
	notional := req.Size.Mul(req.LimitPrice)
	return &OrderPreview{
		EstimatedFee:      notional.Mul(rate),
		EstimatedFeePct:   rate,
		EstimatedSlippage: decimal.Zero,
	}
}

func (pb *paperBook) Accounts(ctx context.Context) ([]types.AccountBalance, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	for _, po := range pb.orders {
		pb.materializeLocked(po)
	}
	out := []types.AccountBalance{{Currency: "USD", Available: pb.cash}}
	for asset, qty := range pb.assets {
		if !qty.IsZero() {
			out = append(out, types.AccountBalance{Currency: asset, Available: qty})
		}
	}
	return out, nil
}

// materializeLocked converts a due order into a fill and applies it to the
// simulated balances. Stop-limit and bracket orders never self-trigger.
func (pb *paperBook) materializeLocked(po *paperOrder) {
	if po.fill != nil || po.cancelled {
		return
	}
	switch po.req.Kind {
	case types.KindStopLimit, types.KindBracket:
		return
	case types.KindLimitGTCPostOnly:
		if time.Since(po.placedAt) < paperFillDelay {
			return
		}
	}

	rate := paperMakerFeeRate
	liq := types.LiquidityMaker
	if po.req.Kind == types.KindMarket {
		rate = paperTakerFeeRate
		liq = types.LiquidityTaker
	}
	notional := po.fillPrice.Mul(po.req.Size)
	po.fill = &types.Fill{
		FillID:    fmt.Sprintf("paperfill-%s", uuid.NewString()),
		OrderID:   po.req.ClientID,
		ProductID: po.req.ProductID,
		Side:      po.req.Side,
		Price:     po.fillPrice,
		Size:      po.req.Size,
		Fee:       notional.Mul(rate),
		Liquidity: liq,
		Time:      time.Now(),
	}

	base := baseCurrency(po.req.ProductID)
	if po.req.Side == types.BUY {
		pb.cash = pb.cash.Sub(notional).Sub(po.fill.Fee)
		pb.assets[base] = pb.assets[base].Add(po.req.Size)
	} else {
		pb.cash = pb.cash.Add(notional).Sub(po.fill.Fee)
		pb.assets[base] = pb.assets[base].Sub(po.req.Size)
	}
}

// baseCurrency extracts "BTC" from "BTC-USD".
func baseCurrency(productID string) string {
	for i := 0; i < len(productID); i++ {
		if productID[i] == '-' {
			return productID[:i]
		}
	}
	return productID
}

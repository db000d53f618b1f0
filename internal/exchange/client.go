// Package exchange implements the venue gateway: a typed REST client and
// a streaming WebSocket feed over the exchange's wire protocol.
//
// The REST plane (Client) covers accounts, products, candles, top-of-book,
// public trades, order placement/cancel/status, fills, fee summaries, and
// currency conversion. Every request is rate-limited via per-category
// TokenBuckets, automatically retried on 5xx/429, authenticated with
// HMAC-signed headers, and classified into the error taxonomy in
// errors.go.
//
// The streaming plane (Feed, in ws.go) maintains the ticker_batch price
// cache and fans out user-channel order updates.
//
// Paper-trading mode is a single switch here: order-mutating methods are
// served by an in-memory simulator (paper.go) that synthesizes fills at
// the requested limit price, while all read-only market data stays real.
// No other component branches on the mode.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/pkg/types"
)

// OrderRequest is the gateway-level order submission. ClientID is the
// locally generated idempotency key; the venue rejects duplicates.
type OrderRequest struct {
	ClientID   string
	ProductID  string
	Side       types.Side
	Kind       types.OrderKind
	LimitPrice decimal.Decimal // limit and stop-limit kinds
	StopPrice  decimal.Decimal // stop-limit kind
	Size       decimal.Decimal // base units
}

// OrderPreview is the venue's pre-submission estimate.
type OrderPreview struct {
	EstimatedFee      decimal.Decimal
	EstimatedFeePct   decimal.Decimal
	EstimatedSlippage decimal.Decimal // as a fraction of notional
}

// OrderState is the venue's current view of one order.
type OrderState struct {
	ExchangeID   string
	ClientID     string
	ProductID    string
	Status       types.OrderStatus
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// TransactionSummary reports the account's fee tier.
type TransactionSummary struct {
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
	Volume30d    decimal.Decimal
}

// ConvertQuote is a pending currency conversion.
type ConvertQuote struct {
	QuoteID    string
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Fee        decimal.Decimal
	ExpiresAt  time.Time
}

// Client is the venue REST API client. It wraps a resty HTTP client with
// rate limiting, retry, auth, and the paper-trading simulator.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	paper  *paperBook // non-nil iff paper-trading mode
	logger *slog.Logger
}

// NewClient creates a REST client. In paper-trading mode order mutations
// are simulated; market-data reads always hit the venue.
func NewClient(cfg *config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(4).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(8 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	c := &Client{
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "exchange"),
	}
	if cfg.Trading.PaperTradingMode {
		c.paper = newPaperBook(c, logger)
	}
	return c
}

// PaperMode reports whether order mutations are simulated.
func (c *Client) PaperMode() bool { return c.paper != nil }

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

type accountsResponse struct {
	Accounts []struct {
		Currency  string          `json:"currency"`
		Available decimal.Decimal `json:"available_balance"`
		Hold      decimal.Decimal `json:"hold"`
	} `json:"accounts"`
}

type productsResponse struct {
	Products []struct {
		ProductID       string          `json:"product_id"`
		BaseCurrency    string          `json:"base_currency_id"`
		QuoteCurrency   string          `json:"quote_currency_id"`
		BaseIncrement   decimal.Decimal `json:"base_increment"`
		QuoteIncrement  decimal.Decimal `json:"quote_increment"`
		BaseMinSize     decimal.Decimal `json:"base_min_size"`
		QuoteMinSize    decimal.Decimal `json:"quote_min_size"`
		ViewOnly        bool            `json:"view_only"`
		TradingDisabled bool            `json:"trading_disabled"`
		Volume24h       decimal.Decimal `json:"volume_24h"`
	} `json:"products"`
}

type candlesResponse struct {
	Candles []struct {
		Start  string          `json:"start"` // unix seconds as string
		Open   decimal.Decimal `json:"open"`
		High   decimal.Decimal `json:"high"`
		Low    decimal.Decimal `json:"low"`
		Close  decimal.Decimal `json:"close"`
		Volume decimal.Decimal `json:"volume"`
	} `json:"candles"`
}

type bidAskResponse struct {
	PriceBooks []struct {
		ProductID string `json:"product_id"`
		Bids      []struct {
			Price decimal.Decimal `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price decimal.Decimal `json:"price"`
		} `json:"asks"`
		Time time.Time `json:"time"`
	} `json:"pricebooks"`
}

type tradesResponse struct {
	Trades []struct {
		TradeID string          `json:"trade_id"`
		Price   decimal.Decimal `json:"price"`
		Size    decimal.Decimal `json:"size"`
		Side    string          `json:"side"`
		Time    time.Time       `json:"time"`
	} `json:"trades"`
}

type orderResponse struct {
	Order wireOrder `json:"order"`
}

type wireOrder struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	ProductID     string          `json:"product_id"`
	Status        string          `json:"status"`
	FilledSize    decimal.Decimal `json:"filled_size"`
	AvgFillPrice  decimal.Decimal `json:"average_filled_price"`
}

type placeOrderResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"order_id"`
	Failure string `json:"failure_reason"`
}

type fillsResponse struct {
	Fills []struct {
		FillID        string          `json:"trade_id"`
		OrderID       string          `json:"order_id"`
		ClientOrderID string          `json:"client_order_id"`
		ProductID     string          `json:"product_id"`
		Price         decimal.Decimal `json:"price"`
		Size          decimal.Decimal `json:"size"`
		Fee           decimal.Decimal `json:"commission"`
		Liquidity     string          `json:"liquidity_indicator"`
		Side          string          `json:"side"`
		Time          time.Time       `json:"trade_time"`
	} `json:"fills"`
}

// mapStatus converts a venue status string to the internal enum.
func mapStatus(s string) types.OrderStatus {
	switch s {
	case "OPEN", "PENDING", "QUEUED":
		return types.StatusOpen
	case "FILLED":
		return types.StatusFilled
	case "CANCELLED":
		return types.StatusCancelled
	case "EXPIRED":
		return types.StatusExpired
	case "FAILED", "REJECTED":
		return types.StatusRejected
	}
	return types.StatusOpen
}

// ————————————————————————————————————————————————————————————————————————
// REST plane
// ————————————————————————————————————————————————————————————————————————

// GetAccounts returns balances for all currencies.
func (c *Client) GetAccounts(ctx context.Context) ([]types.AccountBalance, error) {
	if c.paper != nil {
		return c.paper.Accounts(ctx)
	}
	if err := c.rl.Status.Wait(ctx); err != nil {
		return nil, err
	}
	var result accountsResponse
	if err := c.get(ctx, "/api/v3/brokerage/accounts", nil, &result, true); err != nil {
		return nil, err
	}
	out := make([]types.AccountBalance, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		out = append(out, types.AccountBalance{
			Currency:  a.Currency,
			Available: a.Available,
			Hold:      a.Hold,
		})
	}
	return out, nil
}

// ListProducts returns all spot products on the venue.
func (c *Client) ListProducts(ctx context.Context) ([]types.Product, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	var result productsResponse
	if err := c.get(ctx, "/api/v3/brokerage/products", nil, &result, false); err != nil {
		return nil, err
	}
	out := make([]types.Product, 0, len(result.Products))
	for _, p := range result.Products {
		out = append(out, types.Product{
			ID:              p.ProductID,
			Base:            p.BaseCurrency,
			Quote:           p.QuoteCurrency,
			BaseIncrement:   p.BaseIncrement,
			QuoteIncrement:  p.QuoteIncrement,
			MinBase:         p.BaseMinSize,
			MinQuote:        p.QuoteMinSize,
			ViewOnly:        p.ViewOnly,
			TradingDisabled: p.TradingDisabled,
			Volume24h:       p.Volume24h,
		})
	}
	return out, nil
}

// GetCandles returns up to limit OHLCV bars, oldest first.
func (c *Client) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time, limit int) ([]types.Candle, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{
		"granularity": granularity,
		"start":       strconv.FormatInt(start.Unix(), 10),
		"end":         strconv.FormatInt(end.Unix(), 10),
		"limit":       strconv.Itoa(limit),
	}
	var result candlesResponse
	path := fmt.Sprintf("/api/v3/brokerage/products/%s/candles", productID)
	if err := c.get(ctx, path, params, &result, false); err != nil {
		return nil, err
	}

	out := make([]types.Candle, 0, len(result.Candles))
	for _, wc := range result.Candles {
		sec, err := strconv.ParseInt(wc.Start, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, types.Candle{
			StartTime: time.Unix(sec, 0).UTC(),
			Open:      wc.Open,
			High:      wc.High,
			Low:       wc.Low,
			Close:     wc.Close,
			Volume:    wc.Volume,
		})
	}
	// Venue returns newest-first; strategies need oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetBestBidAsk returns top-of-book for the given products.
func (c *Client) GetBestBidAsk(ctx context.Context, productIDs []string) (map[string]types.BestBidAsk, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{}
	for _, id := range productIDs {
		if params["product_ids"] == "" {
			params["product_ids"] = id
		} else {
			params["product_ids"] += "," + id
		}
	}
	var result bidAskResponse
	if err := c.get(ctx, "/api/v3/brokerage/best_bid_ask", params, &result, true); err != nil {
		return nil, err
	}
	out := make(map[string]types.BestBidAsk, len(result.PriceBooks))
	for _, pb := range result.PriceBooks {
		bba := types.BestBidAsk{ProductID: pb.ProductID, Time: pb.Time}
		if len(pb.Bids) > 0 {
			bba.Bid = pb.Bids[0].Price
		}
		if len(pb.Asks) > 0 {
			bba.Ask = pb.Asks[0].Price
		}
		out[pb.ProductID] = bba
	}
	return out, nil
}

// GetRecentTrades returns the last n public trades for a product.
func (c *Client) GetRecentTrades(ctx context.Context, productID string, n int) ([]types.MarketTrade, error) {
	if err := c.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{"limit": strconv.Itoa(n)}
	var result tradesResponse
	path := fmt.Sprintf("/api/v3/brokerage/products/%s/ticker", productID)
	if err := c.get(ctx, path, params, &result, false); err != nil {
		return nil, err
	}
	out := make([]types.MarketTrade, 0, len(result.Trades))
	for _, t := range result.Trades {
		out = append(out, types.MarketTrade{
			TradeID:   t.TradeID,
			ProductID: productID,
			Price:     t.Price,
			Size:      t.Size,
			Side:      types.Side(t.Side),
			Time:      t.Time,
		})
	}
	return out, nil
}

// PreviewOrder asks the venue to estimate fees and slippage without
// placing anything.
func (c *Client) PreviewOrder(ctx context.Context, req OrderRequest) (*OrderPreview, error) {
	if c.paper != nil {
		return c.paper.Preview(req), nil
	}
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return nil, err
	}
	body := c.orderBody(req)
	var result struct {
		CommissionTotal decimal.Decimal `json:"commission_total"`
		Slippage        decimal.Decimal `json:"slippage"`
	}
	if err := c.post(ctx, "/api/v3/brokerage/orders/preview", body, &result); err != nil {
		return nil, err
	}
	notional := req.Size.Mul(req.LimitPrice)
	feePct := decimal.Zero
	if !notional.IsZero() {
		feePct = result.CommissionTotal.Div(notional)
	}
	return &OrderPreview{
		EstimatedFee:      result.CommissionTotal,
		EstimatedFeePct:   feePct,
		EstimatedSlippage: result.Slippage,
	}, nil
}

// PlaceOrder submits an order and returns the venue-assigned exchange id.
// The caller must have durably recorded the order (status submitted)
// before calling — ghost-order prevention depends on that ordering.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.paper != nil {
		return c.paper.Place(ctx, req)
	}
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return "", err
	}
	var result placeOrderResponse
	if err := c.post(ctx, "/api/v3/brokerage/orders", c.orderBody(req), &result); err != nil {
		return "", err
	}
	if !result.Success {
		return "", &APIError{Kind: KindInvalid, Op: "place order", Msg: result.Failure}
	}
	c.logger.Info("order placed",
		"product", req.ProductID,
		"client_id", req.ClientID,
		"exchange_id", result.OrderID,
		"side", req.Side,
		"kind", req.Kind,
	)
	return result.OrderID, nil
}

// orderBody builds the wire configuration for each order kind.
func (c *Client) orderBody(req OrderRequest) map[string]any {
	cfg := map[string]any{}
	switch req.Kind {
	case types.KindLimitGTCPostOnly:
		cfg["limit_limit_gtc"] = map[string]any{
			"limit_price": req.LimitPrice.String(),
			"base_size":   req.Size.String(),
			"post_only":   true,
		}
	case types.KindMarket:
		cfg["market_market_ioc"] = map[string]any{
			"base_size": req.Size.String(),
		}
	case types.KindStopLimit:
		cfg["stop_limit_stop_limit_gtc"] = map[string]any{
			"stop_price":     req.StopPrice.String(),
			"limit_price":    req.LimitPrice.String(),
			"base_size":      req.Size.String(),
			"stop_direction": "STOP_DIRECTION_STOP_DOWN",
		}
	case types.KindBracket:
		cfg["trigger_bracket_gtc"] = map[string]any{
			"limit_price":       req.LimitPrice.String(),
			"stop_trigger_price": req.StopPrice.String(),
			"base_size":         req.Size.String(),
		}
	}
	return map[string]any{
		"client_order_id":     req.ClientID,
		"product_id":          req.ProductID,
		"side":                string(req.Side),
		"order_configuration": cfg,
	}
}

// CancelOrder cancels by exchange id. Cancelling an already-terminal
// order returns NotFound or succeeds as a no-op depending on venue timing;
// callers verify by re-reading status.
func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	if c.paper != nil {
		return c.paper.Cancel(exchangeID)
	}
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return err
	}
	body := map[string]any{"order_ids": []string{exchangeID}}
	var result struct {
		Results []struct {
			Success bool   `json:"success"`
			Failure string `json:"failure_reason"`
		} `json:"results"`
	}
	if err := c.post(ctx, "/api/v3/brokerage/orders/batch_cancel", body, &result); err != nil {
		return err
	}
	if len(result.Results) > 0 && !result.Results[0].Success {
		return &APIError{Kind: KindInvalid, Op: "cancel order", Msg: result.Results[0].Failure}
	}
	return nil
}

// GetOrder returns the venue's current state for one order.
func (c *Client) GetOrder(ctx context.Context, exchangeID string) (*OrderState, error) {
	if c.paper != nil {
		return c.paper.Get(ctx, exchangeID)
	}
	if err := c.rl.Status.Wait(ctx); err != nil {
		return nil, err
	}
	var result orderResponse
	path := fmt.Sprintf("/api/v3/brokerage/orders/historical/%s", exchangeID)
	if err := c.get(ctx, path, nil, &result, true); err != nil {
		return nil, err
	}
	return &OrderState{
		ExchangeID:   result.Order.OrderID,
		ClientID:     result.Order.ClientOrderID,
		ProductID:    result.Order.ProductID,
		Status:       mapStatus(result.Order.Status),
		FilledSize:   result.Order.FilledSize,
		AvgFillPrice: result.Order.AvgFillPrice,
	}, nil
}

// GetFills returns executions, filtered by order and/or product. Results
// are ordered ascending by (time, fill_id).
func (c *Client) GetFills(ctx context.Context, exchangeOrderID, productID string) ([]types.Fill, error) {
	if c.paper != nil {
		return c.paper.Fills(exchangeOrderID, productID), nil
	}
	if err := c.rl.Status.Wait(ctx); err != nil {
		return nil, err
	}
	params := map[string]string{}
	if exchangeOrderID != "" {
		params["order_id"] = exchangeOrderID
	}
	if productID != "" {
		params["product_id"] = productID
	}
	var result fillsResponse
	if err := c.get(ctx, "/api/v3/brokerage/orders/historical/fills", params, &result, true); err != nil {
		return nil, err
	}
	out := make([]types.Fill, 0, len(result.Fills))
	for _, wf := range result.Fills {
		orderID := wf.ClientOrderID
		if orderID == "" {
			orderID = wf.OrderID
		}
		out = append(out, types.Fill{
			FillID:    wf.FillID,
			OrderID:   orderID,
			ProductID: wf.ProductID,
			Side:      types.Side(wf.Side),
			Price:     wf.Price,
			Size:      wf.Size,
			Fee:       wf.Fee,
			Liquidity: types.Liquidity(wf.Liquidity),
			Time:      wf.Time,
		})
	}
	sortFills(out)
	return out, nil
}

// GetTransactionSummary returns the account fee tier.
func (c *Client) GetTransactionSummary(ctx context.Context) (*TransactionSummary, error) {
	if err := c.rl.Status.Wait(ctx); err != nil {
		return nil, err
	}
	var result struct {
		FeeTier struct {
			MakerFeeRate decimal.Decimal `json:"maker_fee_rate"`
			TakerFeeRate decimal.Decimal `json:"taker_fee_rate"`
		} `json:"fee_tier"`
		Volume decimal.Decimal `json:"advanced_trade_only_volume"`
	}
	if err := c.get(ctx, "/api/v3/brokerage/transaction_summary", nil, &result, true); err != nil {
		return nil, err
	}
	return &TransactionSummary{
		MakerFeeRate: result.FeeTier.MakerFeeRate,
		TakerFeeRate: result.FeeTier.TakerFeeRate,
		Volume30d:    result.Volume,
	}, nil
}

// CheckPermissions verifies the API key can view and trade. Fatal at
// startup when it fails.
func (c *Client) CheckPermissions(ctx context.Context) error {
	if c.paper != nil {
		return nil
	}
	if err := c.rl.Status.Wait(ctx); err != nil {
		return err
	}
	var result struct {
		CanView  bool `json:"can_view"`
		CanTrade bool `json:"can_trade"`
	}
	if err := c.get(ctx, "/api/v3/brokerage/key_permissions", nil, &result, true); err != nil {
		return err
	}
	if !result.CanView || !result.CanTrade {
		return &APIError{Kind: KindAuth, Op: "check permissions",
			Msg: fmt.Sprintf("key permissions insufficient: view=%v trade=%v", result.CanView, result.CanTrade)}
	}
	return nil
}

// CreateConvertQuote requests a conversion quote between two currencies.
func (c *Client) CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*ConvertQuote, error) {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return nil, err
	}
	body := map[string]any{
		"from_account": from,
		"to_account":   to,
		"amount":       amount.String(),
	}
	var result struct {
		Trade struct {
			ID         string          `json:"id"`
			FromAmount decimal.Decimal `json:"user_entered_amount"`
			ToAmount   decimal.Decimal `json:"converted_amount"`
			Fee        decimal.Decimal `json:"fee"`
			ExpiresAt  time.Time       `json:"expires_at"`
		} `json:"trade"`
	}
	if err := c.post(ctx, "/api/v3/brokerage/convert/quote", body, &result); err != nil {
		return nil, err
	}
	return &ConvertQuote{
		QuoteID:    result.Trade.ID,
		FromAmount: result.Trade.FromAmount,
		ToAmount:   result.Trade.ToAmount,
		Fee:        result.Trade.Fee,
		ExpiresAt:  result.Trade.ExpiresAt,
	}, nil
}

// CommitConvertTrade executes a previously quoted conversion.
func (c *Client) CommitConvertTrade(ctx context.Context, quoteID string) error {
	if err := c.rl.Orders.Wait(ctx); err != nil {
		return err
	}
	path := fmt.Sprintf("/api/v3/brokerage/convert/trade/%s", quoteID)
	var result struct {
		Trade struct {
			Status string `json:"status"`
		} `json:"trade"`
	}
	return c.post(ctx, path, map[string]any{}, &result)
}

// ————————————————————————————————————————————————————————————————————————
// HTTP helpers
// ————————————————————————————————————————————————————————————————————————

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any, authed bool) error {
	req := c.http.R().SetContext(ctx).SetResult(out)
	if params != nil {
		req.SetQueryParams(params)
	}
	if authed {
		req.SetHeaders(c.auth.RESTHeaders(http.MethodGet, path, ""))
	}
	resp, err := req.Get(path)
	if err != nil {
		return netError("GET "+path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return classify("GET "+path, resp.StatusCode(), resp.String())
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	// Marshal once: the signature covers ts+method+path+body, so the
	// signed string and the wire body must be the same bytes.
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("POST %s: marshal body: %w", path, err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.auth.RESTHeaders(http.MethodPost, path, string(payload))).
		SetBody(json.RawMessage(payload)).
		SetResult(out).
		Post(path)
	if err != nil {
		return netError("POST "+path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return classify("POST "+path, resp.StatusCode(), resp.String())
	}
	return nil
}

// sortFills orders fills ascending by (time, fill_id) — fill_id is
// authoritative when times collide.
func sortFills(fills []types.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if !fills[i].Time.Equal(fills[j].Time) {
			return fills[i].Time.Before(fills[j].Time)
		}
		return fills[i].FillID < fills[j].FillID
	})
}

package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"spotbot/internal/config"
	"spotbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestClassifyKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		kind   Kind
	}{
		{429, KindRateLimited},
		{401, KindAuth},
		{403, KindAuth},
		{404, KindNotFound},
		{500, KindTransient},
		{503, KindTransient},
		{400, KindInvalid},
		{422, KindInvalid},
	}
	for _, tc := range cases {
		err := classify("op", tc.status, "msg")
		if err.Kind != tc.kind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, err.Kind, tc.kind)
		}
	}

	if !IsTransient(netError("op", context.DeadlineExceeded)) {
		t.Error("network errors must classify as transient")
	}
	if !IsNotFound(classify("op", 404, "")) {
		t.Error("IsNotFound must match through the error chain")
	}
}

func TestMapStatus(t *testing.T) {
	t.Parallel()
	cases := map[string]types.OrderStatus{
		"OPEN":      types.StatusOpen,
		"PENDING":   types.StatusOpen,
		"FILLED":    types.StatusFilled,
		"CANCELLED": types.StatusCancelled,
		"EXPIRED":   types.StatusExpired,
		"FAILED":    types.StatusRejected,
	}
	for wire, want := range cases {
		if got := mapStatus(wire); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", wire, got, want)
		}
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 100) // tiny burst, fast refill

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// Two tokens were instant; two more had to refill at 100/s.
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("expected refill delay, finished in %v", elapsed)
	}
}

func TestTokenBucketHonorsCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills

	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := tb.Wait(cancelCtx); err == nil {
		t.Error("expected context cancellation")
	}
}

func TestPriceCache(t *testing.T) {
	t.Parallel()
	pc := NewPriceCache()

	if _, _, ok := pc.Get("BTC-USD"); ok {
		t.Error("empty cache must miss")
	}

	at := time.Now()
	pc.Set("BTC-USD", decimal.NewFromInt(100), at)
	price, gotAt, ok := pc.Get("BTC-USD")
	if !ok || !price.Equal(decimal.NewFromInt(100)) || !gotAt.Equal(at) {
		t.Errorf("Get = (%s, %v, %v)", price, gotAt, ok)
	}
}

// newPaperClient builds a paper-mode client backed by a fake venue that
// serves public market data.
func newPaperClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.Trading.PaperTradingMode = true
	cfg.API.RESTBaseURL = server.URL
	return NewClient(cfg, NewAuth(cfg.API), testLogger())
}

func bidAskHandler(bid, ask string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"pricebooks": []map[string]any{{
				"product_id": "BTC-USD",
				"bids":       []map[string]string{{"price": bid}},
				"asks":       []map[string]string{{"price": ask}},
				"time":       time.Now().Format(time.RFC3339),
			}},
		})
	})
}

func TestPaperMarketOrderFillsImmediately(t *testing.T) {
	t.Parallel()
	c := newPaperClient(t, bidAskHandler("99.98", "100.02"))
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, OrderRequest{
		ClientID:  "c1",
		ProductID: "BTC-USD",
		Side:      types.BUY,
		Kind:      types.KindMarket,
		Size:      decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	st, err := c.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if st.Status != types.StatusFilled {
		t.Fatalf("status = %s, want filled", st.Status)
	}
	// Market buys lift the ask.
	if !st.AvgFillPrice.Equal(decimal.RequireFromString("100.02")) {
		t.Errorf("fill price = %s, want 100.02", st.AvgFillPrice)
	}

	fills, err := c.GetFills(ctx, id, "BTC-USD")
	if err != nil || len(fills) != 1 {
		t.Fatalf("GetFills = %v, %v", fills, err)
	}
	if fills[0].Liquidity != types.LiquidityTaker {
		t.Errorf("liquidity = %s, want TAKER", fills[0].Liquidity)
	}

	// Cash moved: 10000 − 200.04 − fee.
	accounts, err := c.GetAccounts(ctx)
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	var usd, btc decimal.Decimal
	for _, a := range accounts {
		switch a.Currency {
		case "USD":
			usd = a.Available
		case "BTC":
			btc = a.Available
		}
	}
	if !btc.Equal(decimal.NewFromInt(2)) {
		t.Errorf("BTC = %s, want 2", btc)
	}
	if usd.GreaterThanOrEqual(decimal.NewFromInt(10000).Sub(decimal.RequireFromString("200.04"))) {
		t.Errorf("USD = %s, want less than 9799.96 (fee charged)", usd)
	}
}

func TestPaperLimitOrderRestsThenCancels(t *testing.T) {
	t.Parallel()
	c := newPaperClient(t, bidAskHandler("99.98", "100.02"))
	ctx := context.Background()

	id, err := c.PlaceOrder(ctx, OrderRequest{
		ClientID:   "c1",
		ProductID:  "BTC-USD",
		Side:       types.BUY,
		Kind:       types.KindLimitGTCPostOnly,
		LimitPrice: decimal.RequireFromString("99.00"),
		Size:       decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	st, err := c.GetOrder(ctx, id)
	if err != nil || st.Status != types.StatusOpen {
		t.Fatalf("fresh limit order: status = %v, err = %v; want open", st, err)
	}

	if err := c.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	st, err = c.GetOrder(ctx, id)
	if err != nil || st.Status != types.StatusCancelled {
		t.Fatalf("after cancel: status = %v, err = %v; want cancelled", st, err)
	}
}

func TestPaperPlaceIdempotentOnClientID(t *testing.T) {
	t.Parallel()
	c := newPaperClient(t, bidAskHandler("99.98", "100.02"))
	ctx := context.Background()

	req := OrderRequest{
		ClientID:   "same-id",
		ProductID:  "BTC-USD",
		Side:       types.BUY,
		Kind:       types.KindLimitGTCPostOnly,
		LimitPrice: decimal.RequireFromString("99.00"),
		Size:       decimal.NewFromInt(1),
	}
	first, err := c.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	second, err := c.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatalf("retry place: %v", err)
	}
	if first != second {
		t.Errorf("retry returned new order: %s vs %s", first, second)
	}
}

func tradesHandler(buys, sells int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var trades []map[string]any
		for i := 0; i < buys; i++ {
			trades = append(trades, map[string]any{
				"trade_id": "b", "price": "100", "size": "1", "side": "BUY",
				"time": time.Now().Format(time.RFC3339),
			})
		}
		for i := 0; i < sells; i++ {
			trades = append(trades, map[string]any{
				"trade_id": "s", "price": "100", "size": "1", "side": "SELL",
				"time": time.Now().Format(time.RFC3339),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"trades": trades})
	})
}

func TestAnalyzeVolumeFlowThresholds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		buys, sells int
		want        types.Pressure
	}{
		{65, 35, types.PressureStrongBuy},    // 0.65
		{55, 45, types.PressureModerateBuy},  // 0.55
		{50, 50, types.PressureNeutral},      // 0.50
		{45, 55, types.PressureModerateSell}, // 0.45
		{35, 65, types.PressureStrongSell},   // 0.35
	}
	for _, tc := range cases {
		c := newPaperClient(t, tradesHandler(tc.buys, tc.sells))
		flow, err := c.AnalyzeVolumeFlow(context.Background(), "BTC-USD", 100)
		if err != nil {
			t.Fatalf("AnalyzeVolumeFlow: %v", err)
		}
		if flow.NetPressure != tc.want {
			t.Errorf("%d/%d: pressure = %s, want %s", tc.buys, tc.sells, flow.NetPressure, tc.want)
		}
	}
}

// The POST signature must cover the exact bytes sent on the wire: the
// server recomputes the HMAC over ts+method+path+received-body and
// compares it to the CB-ACCESS-SIGN header, as a real venue would.
func TestPostSignsActualBody(t *testing.T) {
	t.Parallel()
	const secret = "sec"
	var verified bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		ts := r.Header.Get("CB-ACCESS-TIMESTAMP")
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(ts + r.Method + r.URL.Path + string(body)))
		want := hex.EncodeToString(mac.Sum(nil))
		if got := r.Header.Get("CB-ACCESS-SIGN"); got != want {
			t.Errorf("signature over received body mismatch: got %s, want %s", got, want)
		} else {
			verified = true
		}
		json.NewEncoder(w).Encode(map[string]any{"trade": map[string]any{"id": "q1"}})
	}))
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.API.RESTBaseURL = server.URL
	cfg.API.Key = "k"
	cfg.API.Secret = secret
	cfg.API.Passphrase = "p"
	c := NewClient(cfg, NewAuth(cfg.API), testLogger())

	if _, err := c.CreateConvertQuote(context.Background(), "USD", "USDC", decimal.NewFromInt(100)); err != nil {
		t.Fatalf("CreateConvertQuote: %v", err)
	}
	if !verified {
		t.Fatal("server never verified a signature")
	}
}

func TestRESTHeadersSigned(t *testing.T) {
	t.Parallel()
	auth := NewAuth(config.APIConfig{Key: "k", Secret: "sec", Passphrase: "p"})

	h := auth.RESTHeaders("GET", "/api/v3/brokerage/accounts", "")
	for _, key := range []string{"CB-ACCESS-KEY", "CB-ACCESS-PASSPHRASE", "CB-ACCESS-TIMESTAMP", "CB-ACCESS-SIGN"} {
		if h[key] == "" {
			t.Errorf("missing header %s", key)
		}
	}

	// Same payload within the same second signs identically; different
	// paths never do.
	h2 := auth.RESTHeaders("GET", "/api/v3/brokerage/orders", "")
	if h["CB-ACCESS-SIGN"] == h2["CB-ACCESS-SIGN"] {
		t.Error("different paths must produce different signatures")
	}
}

// ws.go implements the streaming plane: one WebSocket connection carrying
// the ticker_batch channel (last prices, written to the PriceCache) and
// the authenticated user channel (order lifecycle events, fanned out to
// registered handlers).
//
// The feed auto-reconnects with jittered exponential backoff (250 ms →
// 30 s max) and re-subscribes all tracked products on reconnection. After
// each reconnect an optional hook runs so the order reconciler can
// re-converge every non-terminal order — user-channel events missed while
// disconnected are recovered by polling, not replayed. A read deadline
// ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"spotbot/pkg/types"
)

const (
	pingInterval       = 50 * time.Second // how often we send PING to keep alive
	readTimeout        = 90 * time.Second // ~2 missed pings triggers reconnect
	minReconnectWait   = 250 * time.Millisecond
	maxReconnectWait   = 30 * time.Second
	writeTimeout       = 10 * time.Second // deadline for outgoing messages
	updateBufferSize   = 256              // buffer for user-channel order updates
)

// Feed manages the WebSocket connection to the venue. It owns the price
// cache writes and the fan-out of order updates.
type Feed struct {
	url    string
	auth   *Auth
	cache  *PriceCache
	logger *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool // product IDs

	updates chan types.OrderUpdate

	handlersMu sync.RWMutex
	handlers   []func(types.OrderUpdate)

	onReconnect func()
}

// NewFeed creates the streaming feed. The user channel is only subscribed
// when auth has credentials; ticker data is public.
func NewFeed(wsURL string, auth *Auth, cache *PriceCache, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		auth:       auth,
		cache:      cache,
		logger:     logger.With("component", "ws"),
		subscribed: make(map[string]bool),
		updates:    make(chan types.OrderUpdate, updateBufferSize),
	}
}

// Cache returns the streaming price cache.
func (f *Feed) Cache() *PriceCache { return f.cache }

// RegisterOrderHandler adds a callback for user-channel order updates.
// Handlers run on the feed's dispatch goroutine, not the reader — they may
// do store and REST work.
func (f *Feed) RegisterOrderHandler(fn func(types.OrderUpdate)) {
	f.handlersMu.Lock()
	f.handlers = append(f.handlers, fn)
	f.handlersMu.Unlock()
}

// SetOnReconnect installs a hook invoked after every successful reconnect
// and resubscribe.
func (f *Feed) SetOnReconnect(fn func()) { f.onReconnect = fn }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	go f.dispatchLoop(ctx)

	backoff := minReconnectWait
	first := true
	for {
		err := f.connectAndRead(ctx, !first)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		first = false

		// Jitter keeps a fleet of restarts from thundering in lockstep.
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds products to the ticker and user subscriptions.
func (f *Feed) Subscribe(products []string) error {
	f.subscribedMu.Lock()
	added := make([]string, 0, len(products))
	for _, id := range products {
		if !f.subscribed[id] {
			f.subscribed[id] = true
			added = append(added, id)
		}
	}
	f.subscribedMu.Unlock()

	if len(added) == 0 {
		return nil
	}
	return f.sendSubscriptions(added)
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context, reconnected bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) > 0 {
		if err := f.sendSubscriptions(ids); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	f.logger.Info("websocket connected", "products", len(ids))

	if reconnected && f.onReconnect != nil {
		f.onReconnect()
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

// wsSubscribeMsg is the subscription request for one channel.
type wsSubscribeMsg struct {
	Type       string   `json:"type"` // "subscribe"
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Signature  string   `json:"signature,omitempty"`
}

func (f *Feed) sendSubscriptions(products []string) error {
	ticker := wsSubscribeMsg{
		Type:       "subscribe",
		Channel:    "ticker_batch",
		ProductIDs: products,
	}
	if err := f.writeJSON(ticker); err != nil {
		return err
	}

	if !f.auth.HasCredentials() {
		return nil
	}
	user := wsSubscribeMsg{
		Type:       "subscribe",
		Channel:    "user",
		ProductIDs: products,
	}
	fields := f.auth.WSAuthFields("user", products)
	user.APIKey = fields["api_key"]
	user.Timestamp = fields["timestamp"]
	user.Signature = fields["signature"]
	return f.writeJSON(user)
}

// Wire shapes for incoming messages.
type wsEnvelope struct {
	Channel string            `json:"channel"`
	Events  []json.RawMessage `json:"events"`
}

type wsTickerEvent struct {
	Tickers []struct {
		ProductID string          `json:"product_id"`
		Price     decimal.Decimal `json:"price"`
	} `json:"tickers"`
}

type wsUserEvent struct {
	Orders []struct {
		OrderID       string          `json:"order_id"`
		ClientOrderID string          `json:"client_order_id"`
		ProductID     string          `json:"product_id"`
		Status        string          `json:"status"`
		CumQty        decimal.Decimal `json:"cumulative_quantity"`
		AvgPrice      decimal.Decimal `json:"avg_price"`
	} `json:"orders"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Channel {
	case "ticker_batch", "ticker":
		now := time.Now()
		for _, raw := range envelope.Events {
			var evt wsTickerEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				f.logger.Error("unmarshal ticker event", "error", err)
				continue
			}
			for _, t := range evt.Tickers {
				f.cache.Set(t.ProductID, t.Price, now)
			}
		}

	case "user":
		for _, raw := range envelope.Events {
			var evt wsUserEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				f.logger.Error("unmarshal user event", "error", err)
				continue
			}
			for _, o := range evt.Orders {
				update := types.OrderUpdate{
					ExchangeID:    o.OrderID,
					ClientID:      o.ClientOrderID,
					ProductID:     o.ProductID,
					Status:        mapStatus(o.Status),
					CumFilledSize: o.CumQty,
					AvgPrice:      o.AvgPrice,
					Time:          time.Now(),
				}
				select {
				case f.updates <- update:
				default:
					f.logger.Warn("order update channel full, dropping event",
						"client_id", update.ClientID)
				}
			}
		}

	case "subscriptions", "heartbeats":
		// Acknowledgements we don't need to process

	default:
		f.logger.Debug("unknown ws channel", "channel", envelope.Channel)
	}
}

// dispatchLoop hands order updates to registered handlers off the reader
// goroutine, so slow store or REST work never starves the read deadline.
func (f *Feed) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update := <-f.updates:
			f.handlersMu.RLock()
			handlers := f.handlers
			f.handlersMu.RUnlock()
			for _, fn := range handlers {
				fn(update)
			}
		}
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}

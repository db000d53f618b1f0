package exchange

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache is the streaming last-price store: single writer (the feed's
// reader goroutine), many readers (monitor, orchestrator). Readers must
// check the returned timestamp against their staleness budget and fall
// back to REST when the feed has gone quiet.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

type pricePoint struct {
	price decimal.Decimal
	at    time.Time
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

// Set records the latest price for a product.
func (pc *PriceCache) Set(productID string, price decimal.Decimal, at time.Time) {
	pc.mu.Lock()
	pc.prices[productID] = pricePoint{price: price, at: at}
	pc.mu.Unlock()
}

// Get returns the latest price and its receive time.
func (pc *PriceCache) Get(productID string) (decimal.Decimal, time.Time, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	p, ok := pc.prices[productID]
	return p.price, p.at, ok
}

package engine

import (
	"sync"

	"github.com/tathienbao/multilot-bot/internal/types"
)

// QuoteCache holds the most recent tick per product. The engine updates
// it on every tick; the executor reads it for chase pricing.
type QuoteCache struct {
	mu    sync.RWMutex
	ticks map[string]types.Tick
}

// NewQuoteCache creates an empty quote cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{ticks: make(map[string]types.Tick)}
}

// Update stores the latest tick for its product.
func (q *QuoteCache) Update(tick types.Tick) {
	q.mu.Lock()
	q.ticks[tick.Product] = tick
	q.mu.Unlock()
}

// LastTick returns the most recent tick for a product.
func (q *QuoteCache) LastTick(product string) (types.Tick, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.ticks[product]
	return t, ok
}

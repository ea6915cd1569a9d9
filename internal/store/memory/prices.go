package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/tradehook/internal/domain"
)

type quote struct {
	price float64
	at    time.Time
}

// PriceCache implements domain.PriceCache in process memory.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]quote
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]quote)}
}

func (c *PriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = quote{price: price, at: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("memory: price %s: %w", symbol, domain.ErrNotFound)
	}
	return q.price, q.at, nil
}

func (c *PriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if q, ok := c.quotes[s]; ok {
			out[s] = q.price
		}
	}
	return out, nil
}

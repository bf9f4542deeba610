package order

import (
	"context"
	"sync"

	"dcaengine/internal/core"
)

// PrecisionCache holds exchange-reported tick/step/min-notional rules,
// shared across OrderService calls for one ExchangeConnector and
// invalidated wholesale whenever an order placement fails with a
// precision-related error (spec §4.1, §5).
type PrecisionCache struct {
	mu    sync.RWMutex
	rules map[string]core.PrecisionRules
}

func NewPrecisionCache() *PrecisionCache {
	return &PrecisionCache{rules: make(map[string]core.PrecisionRules)}
}

// Get returns the cached rules for symbol, fetching and caching the full
// set from the exchange on a cold cache or a miss.
func (c *PrecisionCache) Get(ctx context.Context, exchange core.ExchangeConnector, symbol string) (core.PrecisionRules, error) {
	c.mu.RLock()
	rules, ok := c.rules[symbol]
	c.mu.RUnlock()
	if ok {
		return rules, nil
	}

	fetched, err := exchange.GetPrecisionRules(ctx)
	if err != nil {
		return defaultPrecisionRules, nil
	}

	c.mu.Lock()
	for sym, r := range fetched {
		c.rules[sym] = r
	}
	c.mu.Unlock()

	if rules, ok := fetched[symbol]; ok {
		return rules, nil
	}
	return defaultPrecisionRules, nil
}

// Invalidate drops every cached rule, forcing the next Get to re-fetch.
func (c *PrecisionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = make(map[string]core.PrecisionRules)
}

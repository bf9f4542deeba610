package mock

import (
	"context"
	"sync"
	"time"

	"dcaengine/internal/core"
)

// Cache is an in-memory stand-in for the injected cache/Redis boundary
// (core.Cache). Expired entries are reaped lazily on access rather than by
// a background sweep, which is all a test double needs.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry)}
}

func (c *Cache) expired(e cacheEntry) bool {
	return !e.expires.IsZero() && time.Now().After(e.expires)
}

func (c *Cache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !c.expired(e) {
		return false, nil
	}

	c.entries[key] = c.newEntry(value, ttl)
	return true, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.newEntry(value, ttl)
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *Cache) newEntry(value string, ttl time.Duration) cacheEntry {
	e := cacheEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}

var _ core.Cache = (*Cache)(nil)

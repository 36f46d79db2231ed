// Package rulecache is a short-TTL read-through cache that shields the
// store's per-owner configuration and rule lookups from per-item traffic.
//
// Concurrent misses for the same owner are NOT deduplicated: the fetch is
// an idempotent read, so a stampede costs extra load, never correctness.
package rulecache

import (
	"context"
	"sync"
	"time"
)

const DefaultTTL = 30 * time.Second

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[int64]entry[V]

	ttl time.Duration
	now func() time.Time
}

type Option[V any] func(*Cache[V])

// WithClock injects a time source for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

func New[V any](ttl time.Duration, opts ...Option[V]) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache[V]{
		entries: make(map[int64]entry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// GetOrFetch returns the cached value for ownerID when it is younger than
// the TTL, otherwise calls fetch, stores the result with a fresh
// timestamp, and returns it. A fetch error is returned as-is and nothing
// is cached.
func (c *Cache[V]) GetOrFetch(ctx context.Context, ownerID int64, fetch func(ctx context.Context, ownerID int64) (V, error)) (V, error) {
	c.mu.RLock()
	e, ok := c.entries[ownerID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.value, nil
	}

	v, err := fetch(ctx, ownerID)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[ownerID] = entry[V]{value: v, fetchedAt: c.now()}
	c.mu.Unlock()
	return v, nil
}

// Peek returns the cached value without fetching, regardless of age.
func (c *Cache[V]) Peek(ownerID int64) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[ownerID]
	return e.value, ok
}

// Invalidate drops one owner's entry immediately.
func (c *Cache[V]) Invalidate(ownerID int64) {
	c.mu.Lock()
	delete(c.entries, ownerID)
	c.mu.Unlock()
}

// InvalidateAll drops every entry.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[int64]entry[V])
	c.mu.Unlock()
}

// Len reports the number of entries, fresh or stale.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

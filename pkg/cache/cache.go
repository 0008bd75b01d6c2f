// Package cache is a small TTL read-through cache with singleflight loading.
// Concurrent misses on one key share a single loader call.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL time.Duration
	// NegativeTTL caches loader errors; zero disables negative caching.
	NegativeTTL time.Duration
	MaxEntries  int
}

// Hooks observe lookups, typically to feed hit/miss counters.
type Hooks struct {
	OnHit  func()
	OnMiss func()
}

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
}

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]*entry[V]
	order []string
	opts  Options
	hooks Hooks
	sf    singleflight.Group
	now   func() time.Time
}

func New[V any](opts Options, hooks Hooks) *Cache[V] {
	return &Cache[V]{
		items: make(map[string]*entry[V]),
		opts:  opts,
		hooks: hooks,
		now:   time.Now,
	}
}

// Loader fetches the authoritative value for key.
type Loader[V any] func(ctx context.Context, key string) (V, error)

// Get returns the cached value for key or loads it.
func (c *Cache[V]) Get(ctx context.Context, key string, load Loader[V]) (V, error) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		if c.hooks.OnHit != nil {
			c.hooks.OnHit()
		}
		return e.value, e.err
	}

	if c.hooks.OnMiss != nil {
		c.hooks.OnMiss()
	}
	res, err, _ := c.sf.Do(key, func() (interface{}, error) {
		val, err := load(ctx, key)
		c.store(key, val, err)
		return val, err
	})
	val, _ := res.(V)
	return val, err
}

func (c *Cache[V]) store(key string, val V, err error) {
	ttl := c.opts.TTL
	if err != nil {
		if c.opts.NegativeTTL <= 0 {
			return
		}
		ttl = c.opts.NegativeTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry[V]{value: val, err: err, expiresAt: c.now().Add(ttl)}
	c.evictIfNeeded()
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// FIFO eviction.
func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}

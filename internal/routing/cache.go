package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// Cache is a tiny in-memory cache for distance lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

// 5 decimals is roughly one meter
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a Client so successful lookups are served from cache.
type Cached struct {
	Next  Client
	Cache *Cache
}

func (c *Cached) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Next.DistanceMeters(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(from, to, v)
	return v, nil
}

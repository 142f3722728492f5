package catalog

import (
	"sync"
	"time"
)

// CacheStats holds cache performance counters.
type CacheStats struct {
	Hits        int64
	Misses      int64
	Sets        int64
	Evictions   int64
	CurrentSize int
}

type entry[V any] struct {
	value      V
	expiration time.Time
}

// Cache is a small thread-safe TTL cache. Expired entries are dropped lazily on Set.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	stats   CacheStats
	now     func() time.Time
}

// NewCache creates an empty Cache. A nil now selects time.Now.
func NewCache[V any](now func() time.Time) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{entries: make(map[string]*entry[V]), now: now}
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiration) {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Set stores value under key for ttl.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, k)
			c.stats.Evictions++
		}
	}
	c.entries[key] = &entry[V]{value: value, expiration: now.Add(ttl)}
	c.stats.Sets++
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.CurrentSize = len(c.entries)
	return stats
}

package analytics

import (
	"strings"
	"sync"
	"time"
)

// CacheEntry is a cached upstream result. It is visible only while
// now - Timestamp <= TTL.
type CacheEntry[T any] struct {
	Data      T
	Timestamp time.Time
	TTL       time.Duration
}

// Fresh reports whether the entry is still within its TTL at now.
func (e CacheEntry[T]) Fresh(now time.Time) bool {
	return now.Sub(e.Timestamp) <= e.TTL
}

// cache holds entries of mixed types keyed by operation, account and params.
// Expired entries are evicted lazily on lookup.
type cache struct {
	mu      sync.Mutex
	entries map[string]any
	now     func() time.Time
}

func newCache(now func() time.Time) *cache {
	return &cache{
		entries: make(map[string]any),
		now:     now,
	}
}

func cacheGet[T any](c *cache, key string) (T, bool) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	entry, ok := v.(CacheEntry[T])
	if !ok || !entry.Fresh(c.now()) {
		delete(c.entries, key)
		return zero, false
	}
	return entry.Data, true
}

// cachePut replaces any existing entry for key (last write wins).
func cachePut[T any](c *cache, key string, data T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = CacheEntry[T]{Data: data, Timestamp: c.now(), TTL: ttl}
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// purgeAccount drops every entry whose key names accountID.
func (c *cache) purgeAccount(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		parts := strings.SplitN(key, "|", 3)
		if len(parts) >= 2 && parts[1] == accountID {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

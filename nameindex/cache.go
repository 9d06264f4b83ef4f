package nameindex

import (
	"sync"
	"time"
)

// ttlCache memoizes internalIndex -> categoryName lookups for a bounded
// time, so repeated Inverse calls (Store.Categories enumerates every known
// index on every call) don't re-read the directory index's primary blob for
// a name that hasn't changed. Entries expire rather than being invalidated
// precisely, since the directory mapping is write-once per name (spec
// §4.2's invariant) and therefore never needs eviction beyond a TTL safety
// margin against stale process state.
//
// Adapted from the teacher's BucketLocationCache
// (internal/cluster/cache.go), which memoizes bucket-to-node routing the
// same way: a small string-to-string TTL map with a background sweep.
type ttlCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	c := &ttlCache{entries: make(map[string]cacheEntry), ttl: ttl}
	go c.sweep()
	return c
}

func (c *ttlCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *ttlCache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(c.ttl)}
}

func (c *ttlCache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
		c.mu.Unlock()
	}
}

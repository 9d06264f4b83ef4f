// Package identitycache guarantees that, within one process, at most one
// live value exists for a given cache key: concurrent lookups of the same
// key return the same pointer for as long as anything still holds it,
// without the cache itself pinning it in memory. It backs each category's
// record identity map (spec §4.3): the one place that decides whether a
// second Category.Get(key) call reuses an in-flight Holder or builds a new
// one.
package identitycache

import (
	"runtime"
	"sync"
	"weak"
)

// Cache maps string keys to weakly-held values of type T. It is safe for
// concurrent use.
type Cache[T any] struct {
	mu sync.Mutex
	m  map[string]weak.Pointer[T]
}

// New builds an empty Cache.
func New[T any]() *Cache[T] {
	return &Cache[T]{m: make(map[string]weak.Pointer[T])}
}

type cleanupArg[T any] struct {
	key string
	wp  weak.Pointer[T]
}

// Lookup returns the cached value for key, creating one via create if the
// cache is empty for that key or its previous occupant has been collected.
// The second return reports whether create was invoked.
func (c *Cache[T]) Lookup(key string, create func() *T) (*T, bool) {
	c.mu.Lock()
	if wp, ok := c.m[key]; ok {
		if v := wp.Value(); v != nil {
			c.mu.Unlock()
			return v, false
		}
	}
	v := create()
	wp := weak.Make(v)
	c.m[key] = wp
	c.mu.Unlock()

	runtime.AddCleanup(v, c.collect, cleanupArg[T]{key: key, wp: wp})
	return v, true
}

// collect drops key's map entry once its value has been garbage collected,
// but only if no newer Lookup has already replaced it.
func (c *Cache[T]) collect(arg cleanupArg[T]) {
	c.mu.Lock()
	if cur, ok := c.m[arg.key]; ok && cur == arg.wp {
		delete(c.m, arg.key)
	}
	c.mu.Unlock()
}

// Evict forcibly drops key, regardless of whether its value is still live.
// Used when a record is removed and must not be resurrected by a stale
// cache hit (spec §4.3, "remove" interaction).
func (c *Cache[T]) Evict(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Keys returns the keys currently holding a live value. Dead entries not yet
// swept by collect are skipped.
func (c *Cache[T]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.m))
	for k, wp := range c.m {
		if wp.Value() != nil {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len reports the number of entries, live or not yet swept. Exposed for
// tests that assert on eventual cleanup.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

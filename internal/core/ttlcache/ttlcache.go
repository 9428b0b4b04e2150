// Package ttlcache provides a concurrency safe key value cache with per-entry
// expiry. Eviction is lazy: an expired entry is removed on the next Get that
// touches it; there is no background sweep
package ttlcache

import (
	"sync"
	"time"
)

type entry struct {
	val     any
	expires time.Time
}

// Cache maps string keys to values with per-call TTLs.
// There is no global default TTL: different entity kinds need different
// freshness windows, so every Set names its own
type Cache struct {
	mu sync.Mutex
	m  map[string]entry

	// now is a seam for tests
	now func() time.Time
}

// New returns an empty cache
func New() *Cache {
	return &Cache{
		m:   make(map[string]entry),
		now: time.Now,
	}
}

// Get returns the value for key and whether it was present and fresh.
// An expired entry behaves exactly like a miss and is removed
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.m, key)
		return nil, false
	}
	return e.val, true
}

// Set stores val under key for ttl, overwriting any existing entry and
// resetting its expiry. A non-positive ttl is treated as an immediate expiry
func (c *Cache) Set(key string, val any, ttl time.Duration) {
	c.mu.Lock()
	c.m[key] = entry{val: val, expires: c.now().Add(ttl)}
	c.mu.Unlock()
}

// Delete removes key if present
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Clear drops all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	c.m = make(map[string]entry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

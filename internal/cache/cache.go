// Package cache provides a small generic in-memory cache with expiry
package cache

import (
	"sync"
	"time"
)

// Cache maps keys to values that expire after a TTL. When full, the least
// recently used entry is evicted. Expired entries are dropped on access.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	items   map[K]*item[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type item[V any] struct {
	value     V
	expiresAt time.Time
	lastUsed  time.Time
}

// New creates a cache. A non-positive maxSize means unbounded.
func New[K comparable, V any](ttl time.Duration, maxSize int) *Cache[K, V] {
	return &Cache[K, V]{
		items:   make(map[K]*item[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value with the default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.items[key]; !ok && c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictLocked(now)
	}
	c.items[key] = &item[V]{value: value, expiresAt: now.Add(c.ttl), lastUsed: now}
}

// Get returns the value for key if present and not expired
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	it, ok := c.items[key]
	if !ok {
		return zero, false
	}
	now := c.now()
	if !now.Before(it.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	it.lastUsed = now
	return it.value, true
}

// Delete removes key
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictLocked drops every expired entry, or the least recently used one
// when none has expired
func (c *Cache[K, V]) evictLocked(now time.Time) {
	var (
		oldestKey K
		oldest    time.Time
		found     bool
		expired   bool
	)
	for k, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, k)
			expired = true
			continue
		}
		if !found || it.lastUsed.Before(oldest) {
			oldestKey, oldest, found = k, it.lastUsed, true
		}
	}
	if !expired && found {
		delete(c.items, oldestKey)
	}
}

// Package cache provides an in-memory TTL + LRU cache used to absorb
// database reads on the hot routing path.
//
// Provider snapshots and aggregated model lists are cached under short TTLs;
// writes to the catalog invalidate them by key substring. Entries expire
// lazily on read and eagerly via CleanupExpired, and the least recently used
// entry is evicted once the cache is full.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// Cache is a bounded TTL + LRU cache with string keys. The zero value is not
// usable; construct with New.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List // front = least recently used
	hits    uint64
	misses  uint64
	now     func() time.Time
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most maxSize entries, each expiring
// defaultTTL after its last Set.
func New[V any](maxSize int, defaultTTL time.Duration) *Cache[V] {
	return &Cache[V]{
		maxSize: maxSize,
		ttl:     defaultTTL,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Get returns the cached value and whether it was present and unexpired.
// A hit promotes the entry to most recently used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	e := el.Value.(*entry[V])
	if c.now().After(e.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.misses++
		return zero, false
	}
	c.order.MoveToBack(el)
	c.hits++
	return e.value, true
}

// Set stores the value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.ttl)
}

// SetTTL stores the value under key with an explicit TTL, evicting the least
// recently used entries if the cache is full.
func (c *Cache[V]) SetTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry[V]).key)
	}

	e := &entry[V]{key: key, value: value, expiresAt: c.now().Add(ttl)}
	c.entries[key] = c.order.PushBack(e)
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.entries, key)
	return true
}

// Clear drops every entry. Hit/miss counters are preserved.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// InvalidatePattern removes every entry whose key contains pattern as a
// substring and returns the number removed.
func (c *Cache[V]) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, el := range c.entries {
		if strings.Contains(key, pattern) {
			c.order.Remove(el)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// CleanupExpired removes every expired entry and returns the number removed.
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, el := range c.entries {
		if now.After(el.Value.(*entry[V]).expiresAt) {
			c.order.Remove(el)
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"` // percentage, 0 when no lookups yet
}

// Stats returns current size and hit/miss counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total) * 100
	}
	return s
}

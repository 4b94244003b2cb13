// Package cache provides a bounded in-memory store whose entries expire
// after a per-entry TTL. Expired entries are removed lazily when looked up.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return !now.Before(e.createdAt.Add(e.ttl))
}

// Stats reports the cache size and lifetime counters.
type Stats struct {
	Size        int   `json:"size"`
	MaxEntries  int   `json:"max_entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Cache is a TTL cache holding at most maxEntries values. When full, adding
// a new key evicts the entry with the oldest creation time.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    map[string]*entry[V]
	defaultTTL time.Duration
	maxEntries int
	now        func() time.Time

	hits, misses, evictions, expirations int64
}

// New creates a Cache. A non-positive maxEntries means one entry.
func New[V any](defaultTTL time.Duration, maxEntries int) *Cache[V] {
	return newCache[V](defaultTTL, maxEntries, time.Now)
}

func newCache[V any](defaultTTL time.Duration, maxEntries int, now func() time.Time) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]*entry[V]),
		defaultTTL: defaultTTL,
		maxEntries: max(maxEntries, 1),
		now:        now,
	}
}

// Get returns the value for key if it has not expired. An expired entry is
// removed and counts as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.expirations++
		c.misses++
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Set stores value under key. A non-positive ttl uses the default TTL.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.maxEntries {
			c.evictOldest()
		}
	}
	c.entries[key] = &entry[V]{value: value, createdAt: c.now(), ttl: ttl}
}

// evictOldest removes the entry with the earliest creation time. Must be
// called with c.mu held.
func (c *Cache[V]) evictOldest() {
	var (
		oldestKey string
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.createdAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.createdAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Invalidate removes key and reports whether it was present.
func (c *Cache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// InvalidateFunc removes every key for which match returns true and
// returns how many were removed.
func (c *Cache[V]) InvalidateFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear removes every entry. Counters are kept.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry[V])
	c.mu.Unlock()
}

// Len returns the number of stored entries, including expired ones not yet
// looked up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:        len(c.entries),
		MaxEntries:  c.maxEntries,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}

// UpdateConfig changes the default TTL and capacity. Shrinking evicts the
// oldest entries until the cache fits. Stored entries keep their own TTL.
func (c *Cache[V]) UpdateConfig(defaultTTL time.Duration, maxEntries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTTL = defaultTTL
	c.maxEntries = max(maxEntries, 1)
	for len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
}

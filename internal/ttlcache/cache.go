// ABOUTME: Thread-safe TTL cache with a size bound and least-recently-used eviction.
// ABOUTME: Backs the in-memory response store, the cache pending table and the latency tracker.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores a value, when it was written, and its place in the LRU list.
type entry[V any] struct {
	key     string
	value   V
	written time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map. Reads refresh an
// entry's position so the least recently used entry is evicted first.
// A ttl <= 0 disables expiry; a maxSize <= 0 disables the size bound.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // least recently used at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanupInterval sets how often expired entries are swept. Zero
// disables the background sweep; expired entries are still never returned.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cleanupInterval = d }
}

// New creates a cache. When ttl > 0 a background goroutine sweeps expired
// entries every minute until Close.
func New[V any](ttl time.Duration, maxSize int, opts ...Option) *Cache[V] {
	o := options{now: time.Now, cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     o.now,
		done:    make(chan struct{}),
	}
	if ttl > 0 && o.cleanupInterval > 0 {
		go c.cleanup(o.cleanupInterval)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToBack(e.element)
	return e.value, true
}

// Set stores value under key. If the cache is at capacity, the least
// recently used entry is evicted to make room.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, exists := c.entries[key]; exists {
		e.value = value
		e.written = now
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	e := &entry[V]{key: key, value: value, written: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

// Take removes key and returns its value if it was present and not expired.
func (c *Cache[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		var zero V
		return zero, false
	}
	c.removeLocked(e)
	return e.value, true
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// liveLocked returns the entry for key, dropping it if expired. Must be
// called with mu held.
func (c *Cache[V]) liveLocked(key string) (*entry[V], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(e, c.now()) {
		c.removeLocked(e)
		return nil, false
	}
	return e, true
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	return c.ttl > 0 && now.Sub(e.written) >= c.ttl
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e, _ := front.Value.(*entry[V])
	c.removeLocked(e)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache[V]) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, e := range c.entries {
		if c.expired(e, now) {
			c.removeLocked(e)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

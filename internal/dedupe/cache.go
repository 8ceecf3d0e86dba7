// ABOUTME: Thread-safe TTL cache keyed by string with LRU-style eviction.
// ABOUTME: Holds idempotency slots for agent requests and recent run snapshots.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited map. Insertion order is
// kept in a doubly-linked list so eviction of the oldest entry is O(1).
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[V]
	order   *list.List // keys, oldest at front
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

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanupInterval sets how often expired entries are purged.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cleanupInterval = d }
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically removes expired entries.
func New[V any](ttl time.Duration, maxSize int, opts ...Option) *Cache[V] {
	o := options{now: time.Now, cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[V]{
		entries: make(map[string]*cacheEntry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     o.now,
		done:    make(chan struct{}),
	}
	go c.cleanup(o.cleanupInterval)
	return c
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.expired(entry) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Has reports whether key is present and not expired.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// LoadOrStore returns the existing live value for key if there is one.
// Otherwise it stores value and returns it with loaded=false. The check and
// the store happen under one lock so concurrent callers see exactly one winner.
func (c *Cache[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !c.expired(entry) {
		return entry.value, true
	}
	c.setLocked(key, value)
	return value, false
}

// Set stores value under key, refreshing its timestamp. If the cache is at
// capacity the oldest entry is evicted.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value)
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[V]) expired(entry *cacheEntry[V]) bool {
	return c.now().Sub(entry.timestamp) >= c.ttl
}

// setLocked must be called with mu held.
func (c *Cache[V]) setLocked(key string, value V) {
	now := c.now()

	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry[V]{value: value, timestamp: now, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.done:
			return
		}
	}
}

// Purge removes all expired entries now.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if c.expired(entry) {
			c.order.Remove(entry.element)
			delete(c.entries, key)
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

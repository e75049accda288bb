// ABOUTME: Thread-safe TTL cache keyed by string with bounded size and O(1) eviction.
// ABOUTME: Holds SSH auth nonces and tombstones of recently collected tasks.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
	element *list.Element
}

// Cache is a size-limited map whose entries expire after a fixed TTL.
// Insertion order is kept in a linked list so the oldest entry can be
// evicted in constant time when the cache is full.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts a janitor goroutine that sweeps expired
// entries every sweep interval (one minute, or the TTL if shorter).
func New[V any](ttl time.Duration, maxSize int) *Cache[V] {
	c := &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}

	sweep := time.Minute
	if ttl > 0 && ttl < sweep {
		sweep = ttl
	}
	go c.janitor(sweep)
	return c
}

// Get returns the value stored under key if it has not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || !c.now().Before(e.expires) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key is present and unexpired.
func (c *Cache[V]) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Put stores value under key, refreshing its expiry.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// PutIfAbsent stores value only when key is missing or expired.
// Returns true if the key was already present, which makes it usable as an
// atomic replay check.
func (c *Cache[V]) PutIfAbsent(key string, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && c.now().Before(e.expires) {
		return true
	}
	c.putLocked(key, value)
	return false
}

// Delete removes key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		c.order.Remove(e.element)
		delete(c.items, key)
	}
}

// Len returns the number of stored entries, including ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache[V]) putLocked(key string, value V) {
	expires := c.now().Add(c.ttl)

	if e, ok := c.items[key]; ok {
		e.value = value
		e.expires = expires
		c.order.MoveToBack(e.element)
		return
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.items, oldest)
		}
	}

	c.items[key] = &entry[V]{
		value:   value,
		expires: expires,
		element: c.order.PushBack(key),
	}
}

func (c *Cache[V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.items {
		if !now.Before(e.expires) {
			c.order.Remove(e.element)
			delete(c.items, key)
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a TTL map with a background janitor. Close stops the janitor.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
	now   func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

func New[K comparable, V any](cleanupEvery time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items: make(map[K]item[V]),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	go c.cleanupLoop(cleanupEvery)
	return c
}

// WithClock replaces the time source; tests use it to move time forward.
func (c *Cache[K, V]) WithClock(now func() time.Time) *Cache[K, V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

func (c *Cache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// SetIfAbsent stores value unless a live entry exists. It reports whether
// the value was stored.
func (c *Cache[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if it, ok := c.items[key]; ok && now.Before(it.expiresAt) {
		return false
	}
	c.items[key] = item[V]{value: value, expiresAt: now.Add(ttl)}
	return true
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok || !now.Before(it.expiresAt) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Keys returns the keys of live entries.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]K, 0, len(c.items))
	for k, it := range c.items {
		if now.Before(it.expiresAt) {
			out = append(out, k)
		}
	}
	return out
}

func (c *Cache[K, V]) Len() int {
	return len(c.Keys())
}

func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
}

func (c *Cache[K, V]) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, it := range c.items {
		if !now.Before(it.expiresAt) {
			delete(c.items, key)
		}
	}
}

package cache

import (
	"sync"
	"time"
)

// Leases marks article ids as held by an in-flight delivery so the
// retention sweep leaves them alone until the lease expires or is released.
// An id acquired n times stays held until it is released n times.
type Leases struct {
	mu  sync.Mutex
	c   *Cache[string, int]
	ttl time.Duration
}

func NewLeases(ttl time.Duration) *Leases {
	return &Leases{c: New[string, int](time.Minute), ttl: ttl}
}

func (l *Leases) Acquire(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		n, _ := l.c.Get(id)
		l.c.Set(id, n+1, l.ttl)
	}
}

func (l *Leases) Release(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		n, ok := l.c.Get(id)
		if !ok {
			continue
		}
		if n <= 1 {
			l.c.Delete(id)
			continue
		}
		l.c.Set(id, n-1, l.ttl)
	}
}

func (l *Leases) Held() []string { return l.c.Keys() }

func (l *Leases) Close() { l.c.Close() }

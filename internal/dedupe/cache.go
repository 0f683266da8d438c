// ABOUTME: Thread-safe TTL set used to claim a key for the duration of some work
// ABOUTME: The conversation service claims a conversation id here while its producer runs

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	at      time.Time
	element *list.Element
}

// Cache is a size-limited set of claimed keys. A claim lapses after ttl even
// if it is never released, so a leaked claim cannot wedge a key forever.
// Insertion order is kept in a linked list for O(1) eviction of the oldest.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache whose claims lapse after ttl. At most maxSize keys are
// held. A full cache makes room by dropping lapsed claims only; while every
// held claim is live, new keys are refused.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup(cleanupInterval(ttl))
	return c
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Check reports whether key is currently claimed.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.claims[key]
	return ok && c.live(cl)
}

// CheckAndMark claims key unless a live claim already exists. It returns true
// when the key could not be claimed, either because it is already held or
// because the cache is full of live claims, and false when this call took it.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok && c.live(cl) {
		return true
	}
	return !c.markLocked(key)
}

// Mark claims key, refreshing the claim if it already exists. It reports
// false when the cache is full of live claims and key was not stored.
func (c *Cache) Mark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markLocked(key)
}

// Release drops the claim on key. Releasing an unclaimed key is a no-op.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok {
		c.order.Remove(cl.element)
		delete(c.claims, key)
	}
}

// Len returns the number of held claims, including lapsed ones not yet cleaned up.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func (c *Cache) live(cl *claim) bool {
	return c.now().Sub(cl.at) < c.ttl
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(key string) bool {
	now := c.now()

	if cl, ok := c.claims[key]; ok {
		cl.at = now
		c.order.MoveToBack(cl.element)
		return true
	}

	if len(c.claims) >= c.maxSize && !c.evictLapsed() {
		return false
	}

	c.claims[key] = &claim{at: now, element: c.order.PushBack(key)}
	return true
}

// evictLapsed drops the oldest claim if it has lapsed. The list is ordered
// by claim time, so a live front means every claim is live.
// Must be called with mu held.
func (c *Cache) evictLapsed() bool {
	front := c.order.Front()
	if front == nil {
		return true
	}
	key, _ := front.Value.(string)
	if c.live(c.claims[key]) {
		return false
	}
	c.order.Remove(front)
	delete(c.claims, key)
	return true
}

func (c *Cache) cleanup(interval time.Duration) {
	if interval <= 0 {
		return
	}
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

// runCleanup drops every lapsed claim.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, cl := range c.claims {
		if !c.live(cl) {
			c.order.Remove(cl.element)
			delete(c.claims, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

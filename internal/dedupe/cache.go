// ABOUTME: Thread-safe TTL replay cache for idempotent sends.
// ABOUTME: Claims keys before a send and records the resulting message id.

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/tether-gateway/internal/clock"
)

// State is the outcome of Claim.
type State int

const (
	// Claimed means the caller owns the key and must Complete or Release it.
	Claimed State = iota
	// InFlight means another caller holds the claim.
	InFlight
	// Completed means the key already has a recorded value.
	Completed
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// cacheEntry stores the timestamp, value and list element for a cached key.
type cacheEntry struct {
	timestamp time.Time
	value     string
	done      bool
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited replay cache.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a replay cache with the given TTL and maximum size.
// A nil clock uses the wall clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim atomically looks up key and reserves it if absent or expired.
// For Completed the recorded value is returned.
func (c *Cache) Claim(key string) (string, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if entry, ok := c.entries[key]; ok && now.Sub(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.value, Completed
		}
		return "", InFlight
	}

	c.putLocked(key, "", false, now)
	return "", Claimed
}

// Complete records value for a claimed key.
func (c *Cache) Complete(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value, true, c.clock.Now())
}

// Release drops an unfinished claim so a retry can send again.
// Completed entries are left alone.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked inserts or refreshes key. Must be called with mu held.
func (c *Cache) putLocked(key, value string, done bool, now time.Time) {
	if entry, exists := c.entries[key]; exists {
		entry.timestamp = now
		entry.value = value
		entry.done = done
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		timestamp: now,
		value:     value,
		done:      done,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
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

// sweep removes all expired entries from the cache.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.entries, key)
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

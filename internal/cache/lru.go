package cache

import (
	"container/list"
	"sync"
	"time"
)

// lruEntry is one Tier-1 cache record.
type lruEntry struct {
	key        string
	value      []byte
	size       int64
	insertedAt time.Time
	deadline   time.Time
	elem       *list.Element
}

// LRU is the Tier-1 in-memory cache: least-recently-used eviction bounded by
// item count and byte budget, with TTL as a hard ceiling. Recency tie-breaks
// fall back to insertion order, which keeps eviction deterministic.
type LRU struct {
	mu       sync.Mutex
	maxItems int
	maxBytes int64
	ttl      time.Duration
	entries  map[string]*lruEntry
	order    *list.List // front = most recently used
	bytes    int64

	hits      int64
	misses    int64
	evictions int64
}

// NewLRU builds a bounded cache. Zero bounds fall back to safe defaults.
func NewLRU(maxItems int, maxBytes int64, ttl time.Duration) *LRU {
	if maxItems <= 0 {
		maxItems = 256
	}
	if maxBytes <= 0 {
		maxBytes = 128 << 20
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &LRU{
		maxItems: maxItems,
		maxBytes: maxBytes,
		ttl:      ttl,
		entries:  make(map[string]*lruEntry),
		order:    list.New(),
	}
}

// Get returns the cached value and refreshes recency. Expired entries are
// removed and reported as a miss.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.deadline) {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	c.hits++
	return e.value, true
}

// Put inserts or replaces an entry, evicting least-recently-used entries
// until the item and byte budgets hold.
func (c *LRU) Put(key string, value []byte) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.bytes += int64(len(value)) - e.size
		e.value = value
		e.size = int64(len(value))
		e.insertedAt = now
		e.deadline = now.Add(c.ttl)
		c.order.MoveToFront(e.elem)
	} else {
		e = &lruEntry{
			key:        key,
			value:      value,
			size:       int64(len(value)),
			insertedAt: now,
			deadline:   now.Add(c.ttl),
		}
		e.elem = c.order.PushFront(e)
		c.entries[key] = e
		c.bytes += e.size
	}
	for (len(c.entries) > c.maxItems || c.bytes > c.maxBytes) && c.order.Len() > 0 {
		oldest := c.order.Back()
		c.removeLocked(oldest.Value.(*lruEntry))
		c.evictions++
	}
}

func (c *LRU) removeLocked(e *lruEntry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
	c.bytes -= e.size
}

// RemoveExpired sweeps TTL-expired entries and returns how many were removed.
func (c *LRU) RemoveExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var expired []*lruEntry
	for _, e := range c.entries {
		if now.After(e.deadline) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	return len(expired)
}

// Clear drops every entry and returns how many were dropped.
func (c *LRU) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*lruEntry)
	c.order.Init()
	c.bytes = 0
	return n
}

// Len reports the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes reports the current byte footprint.
func (c *LRU) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *LRU) counters() (hits, misses, evictions int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.evictions
}

package cache

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"
)

// Options tune the two-tier cache.
type Options struct {
	MaxItems           int
	MaxBytes           int64
	TTL                time.Duration
	SweepInterval      time.Duration // Tier-1 expiry sweep cadence
	Tier2Retention     time.Duration
	Tier2SweepInterval time.Duration
	PersistQueue       int // pending async Tier-2 writes
}

// Cache is the two-tier content cache. Tier-1 is a bounded in-memory LRU;
// Tier-2 is an optional durable blob store filled asynchronously and read
// through on a Tier-1 miss. Tier-2 failures are logged, never surfaced.
type Cache struct {
	tier1 *LRU
	tier2 BlobStore
	opts  Options

	persist    chan persistOp
	promotions atomic.Int64
	tier2Drops atomic.Int64
}

type persistOp struct {
	key   string
	value []byte
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	Tier1Items int   `json:"tier1_items"`
	Tier1Bytes int64 `json:"tier1_bytes"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Evictions  int64 `json:"evictions"`
	Promotions int64 `json:"promotions"`
	Tier2Drops int64 `json:"tier2_write_drops"`
}

// New builds the cache. tier2 may be nil, leaving the cache memory-only.
func New(tier2 BlobStore, opts Options) *Cache {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Tier2Retention <= 0 {
		opts.Tier2Retention = 24 * time.Hour
	}
	if opts.Tier2SweepInterval <= 0 {
		opts.Tier2SweepInterval = 10 * time.Minute
	}
	if opts.PersistQueue <= 0 {
		opts.PersistQueue = 64
	}
	return &Cache{
		tier1:   NewLRU(opts.MaxItems, opts.MaxBytes, opts.TTL),
		tier2:   tier2,
		opts:    opts,
		persist: make(chan persistOp, opts.PersistQueue),
	}
}

// Get checks Tier-1, then reads through Tier-2, promoting a durable hit into
// Tier-1 before returning it.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if data, ok := c.tier1.Get(key); ok {
		return data, true
	}
	if c.tier2 == nil {
		return nil, false
	}
	data, err := c.tier2.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("cache: tier-2 read %s: %v", key, err)
		}
		return nil, false
	}
	c.tier1.Put(key, data)
	c.promotions.Add(1)
	return data, true
}

// Put writes Tier-1 synchronously and queues the Tier-2 write. A full
// persistence queue drops the durable write rather than blocking the render
// path.
func (c *Cache) Put(_ context.Context, key string, value []byte) {
	c.tier1.Put(key, value)
	if c.tier2 == nil {
		return
	}
	select {
	case c.persist <- persistOp{key: key, value: value}:
	default:
		c.tier2Drops.Add(1)
		log.Printf("cache: tier-2 persist queue full, dropping write for %s", key)
	}
}

// InvalidateExpired sweeps TTL-expired Tier-1 entries. Runs off the request
// path.
func (c *Cache) InvalidateExpired() int {
	return c.tier1.RemoveExpired()
}

// Clear flushes Tier-1 only. Tier-2 is disk-bounded, not memory-bounded, and
// is left intact so cleared keys stay retrievable.
func (c *Cache) Clear() int {
	return c.tier1.Clear()
}

// Run drains the persistence queue and drives the periodic sweeps until ctx
// is cancelled.
func (c *Cache) Run(ctx context.Context) {
	tier1Tick := time.NewTicker(c.opts.SweepInterval)
	defer tier1Tick.Stop()
	tier2Tick := time.NewTicker(c.opts.Tier2SweepInterval)
	defer tier2Tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.persist:
			// Detached context: a cancelled request must not abort a durable
			// write that Tier-1 already accepted.
			wctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.tier2.Put(wctx, op.key, op.value); err != nil {
				log.Printf("cache: tier-2 write %s: %v", op.key, err)
			}
			cancel()
		case <-tier1Tick.C:
			c.InvalidateExpired()
		case <-tier2Tick.C:
			if c.tier2 == nil {
				continue
			}
			cutoff := time.Now().Add(-c.opts.Tier2Retention)
			if n, err := c.tier2.Sweep(ctx, cutoff); err != nil {
				log.Printf("cache: tier-2 sweep: %v", err)
			} else if n > 0 {
				log.Printf("cache: tier-2 sweep removed %d blobs", n)
			}
		}
	}
}

// FlushPersist synchronously drains pending Tier-2 writes. Intended for
// tests and shutdown.
func (c *Cache) FlushPersist(ctx context.Context) {
	if c.tier2 == nil {
		return
	}
	for {
		select {
		case op := <-c.persist:
			if err := c.tier2.Put(ctx, op.key, op.value); err != nil {
				log.Printf("cache: tier-2 write %s: %v", op.key, err)
			}
		default:
			return
		}
	}
}

// Stats reports cache counters.
func (c *Cache) Stats() Stats {
	hits, misses, evictions := c.tier1.counters()
	return Stats{
		Tier1Items: c.tier1.Len(),
		Tier1Bytes: c.tier1.Bytes(),
		Hits:       hits,
		Misses:     misses,
		Evictions:  evictions,
		Promotions: c.promotions.Load(),
		Tier2Drops: c.tier2Drops.Load(),
	}
}

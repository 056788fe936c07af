package memmon

import (
	"context"
	"log"
	"runtime"
	"time"

	"renderd/internal/telemetry"
)

// Sampler reports current process memory usage in bytes.
type Sampler func() int64

// HeapSampler reads the Go heap footprint. Rendered bytes and cache entries
// all live on the heap, so this tracks the state the monitor can actually
// shed.
func HeapSampler() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapAlloc)
}

// CacheShedder is the slice of the content cache the monitor needs.
type CacheShedder interface {
	Clear() int
}

// PoolShrinker is the slice of the resource pool the monitor needs.
type PoolShrinker interface {
	Shrink(n int)
	RecycleIdle(ctx context.Context, age time.Duration) int
}

// Config tunes the monitor.
type Config struct {
	Interval  time.Duration
	SoftLimit int64 // breach clears Tier-1
	HardLimit int64 // breach additionally shrinks and recycles the pool
	Cooldown  time.Duration
}

// Monitor is a coarse backpressure valve: it samples memory on an interval
// and sheds cached state, then pool resources, on threshold breach. False
// positives are acceptable; OOM is the supervisor's problem.
type Monitor struct {
	cfg    Config
	sample Sampler
	cache  CacheShedder
	pool   PoolShrinker

	lastSoft time.Time
	lastHard time.Time
}

// New builds a monitor. sample may be nil, defaulting to HeapSampler.
func New(cfg Config, sample Sampler, cache CacheShedder, pool PoolShrinker) *Monitor {
	if sample == nil {
		sample = HeapSampler
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	return &Monitor{cfg: cfg, sample: sample, cache: cache, pool: pool}
}

// Check samples once and applies at most one shedding action. Escalation to
// the pool only happens on a later sample still above the hard limit after
// the cooldown, so a single spike costs the cache, not the pool.
func (m *Monitor) Check(ctx context.Context) {
	usage := m.sample()
	now := time.Now()

	if m.cfg.HardLimit > 0 && usage >= m.cfg.HardLimit {
		if !m.lastSoft.IsZero() && now.Sub(m.lastSoft) >= m.cfg.Cooldown && now.Sub(m.lastHard) >= m.cfg.Cooldown {
			telemetry.MemoryPressure.Inc()
			m.pool.Shrink(1)
			recycled := m.pool.RecycleIdle(ctx, 0)
			m.lastHard = now
			log.Printf("memmon: hard limit breached (%d bytes), shrank pool and recycled %d idle handles", usage, recycled)
			return
		}
	}

	if m.cfg.SoftLimit > 0 && usage >= m.cfg.SoftLimit {
		if now.Sub(m.lastSoft) >= m.cfg.Cooldown {
			telemetry.MemoryPressure.Inc()
			cleared := m.cache.Clear()
			m.lastSoft = now
			log.Printf("memmon: soft limit breached (%d bytes), cleared %d cache entries", usage, cleared)
		}
	}
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

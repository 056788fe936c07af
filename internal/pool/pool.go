package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"renderd/internal/render"
)

var (
	// ErrExhausted is returned when no handle frees up within the acquire
	// timeout. Callers may retry.
	ErrExhausted = errors.New("pool exhausted")

	// ErrClosed is returned for any operation on a closed pool.
	ErrClosed = errors.New("pool closed")
)

// Config bounds the pool.
type Config struct {
	Size           int           // target size, created eagerly
	Min            int           // shrink floor
	Max            int           // lazy overflow ceiling
	AcquireTimeout time.Duration // how long Acquire blocks before ErrExhausted
	MaxHold        time.Duration // watchdog limit on a single acquisition
	IdleRecycleAge time.Duration // idle handles older than this are recycled
	SweepInterval  time.Duration // watchdog/idle sweep cadence
}

func (c Config) withDefaults() Config {
	if c.Size < 1 {
		c.Size = 1
	}
	if c.Min < 1 {
		c.Min = 1
	}
	if c.Min > c.Size {
		c.Min = c.Size
	}
	if c.Max < c.Size {
		c.Max = c.Size
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 10 * time.Second
	}
	if c.MaxHold == 0 {
		c.MaxHold = time.Minute
	}
	if c.IdleRecycleAge == 0 {
		c.IdleRecycleAge = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// Resource is one exclusively-held rendering handle plus its bookkeeping.
// Between Acquire and Release/Recycle the holder is the only user.
type Resource struct {
	id         int
	generation int
	handle     render.Handle
	busy       bool
	revoked    bool
	createdAt  time.Time
	lastUsedAt time.Time
	acquiredAt time.Time
}

// Handle exposes the underlying rendering handle to the holder.
func (r *Resource) Handle() render.Handle { return r.handle }

// ID identifies the pool slot across recycles.
func (r *Resource) ID() int { return r.id }

// Generation counts how many times this slot's handle was torn down and
// recreated. Only meaningful while the resource is held.
func (r *Resource) Generation() int { return r.generation }

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Size     int `json:"size"`
	Busy     int `json:"busy"`
	Idle     int `json:"idle"`
	Max      int `json:"max"`
	Recycles int `json:"recycles"`
	Revoked  int `json:"revoked"`
}

// Pool owns a bounded set of rendering handles. Size handles are created up
// front; demand beyond that lazily overflows up to Max. Acquire blocks until
// a handle frees up or the acquire timeout fires.
type Pool struct {
	engine render.Engine
	cfg    Config

	mu        sync.Mutex
	resources map[int]*Resource
	idle      []*Resource
	waiters   []chan *Resource
	nextID    int
	pending   int // overflow handles being created outside the lock
	targetSize int
	recycles  int
	revoked   int
	closed    bool
}

// New builds the pool and eagerly creates the configured number of handles.
// Handle pre-configuration happens inside Engine.NewHandle so it is paid once
// per generation, never per render.
func New(ctx context.Context, engine render.Engine, cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	p := &Pool{
		engine:     engine,
		cfg:        cfg,
		resources:  make(map[int]*Resource),
		targetSize: cfg.Size,
	}
	for i := 0; i < cfg.Size; i++ {
		r, err := p.newResource(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create pool resource: %w", err)
		}
		p.mu.Lock()
		p.resources[r.id] = r
		p.idle = append(p.idle, r)
		p.mu.Unlock()
	}
	return p, nil
}

func (p *Pool) newResource(ctx context.Context) (*Resource, error) {
	h, err := p.engine.NewHandle(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()
	now := time.Now()
	return &Resource{
		id:         id,
		generation: 1,
		handle:     h,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// Acquire hands out an idle handle, lazily overflowing up to Max, and blocks
// up to the acquire timeout when the pool is saturated.
func (p *Pool) Acquire(ctx context.Context) (*Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if r := p.popIdleLocked(); r != nil {
		p.markBusyLocked(r)
		p.mu.Unlock()
		return r, nil
	}

	if len(p.resources)+p.pending < p.cfg.Max {
		// Reserve the slot before unlocking so concurrent acquirers cannot
		// overflow past Max.
		p.pending++
		p.nextID++
		id := p.nextID
		p.mu.Unlock()
		h, err := p.engine.NewHandle(ctx)
		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("overflow handle: %w", err)
		}
		if p.closed {
			p.mu.Unlock()
			_ = h.Close()
			return nil, ErrClosed
		}
		now := time.Now()
		r := &Resource{id: id, generation: 1, handle: h, createdAt: now, lastUsedAt: now}
		p.resources[r.id] = r
		p.markBusyLocked(r)
		p.mu.Unlock()
		return r, nil
	}

	wait := make(chan *Resource, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case r := <-wait:
		if r == nil {
			return nil, ErrClosed
		}
		return r, nil
	case <-timer.C:
		p.dropWaiter(wait)
		return nil, ErrExhausted
	case <-ctx.Done():
		p.dropWaiter(wait)
		return nil, ctx.Err()
	}
}

// dropWaiter removes a timed-out waiter, re-homing a handle that was handed
// to it in the race window.
func (p *Pool) dropWaiter(wait chan *Resource) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	select {
	case r := <-wait:
		if r != nil {
			p.Release(r)
		}
	default:
	}
}

func (p *Pool) popIdleLocked() *Resource {
	if len(p.idle) == 0 {
		return nil
	}
	r := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return r
}

func (p *Pool) markBusyLocked(r *Resource) {
	r.busy = true
	r.acquiredAt = time.Now()
}

// Release returns a handle to the idle set. Releasing a revoked or untracked
// resource is a no-op, which makes double-release harmless.
func (p *Pool) Release(r *Resource) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if p.closed || r.revoked || !r.busy || p.resources[r.id] != r {
		p.mu.Unlock()
		return
	}
	r.busy = false
	r.lastUsedAt = time.Now()

	// Shed the slot instead of re-idling it when the pool is above target
	// (overflow drain or a pending Shrink).
	if len(p.resources) > p.targetSize {
		delete(p.resources, r.id)
		p.mu.Unlock()
		_ = r.handle.Close()
		return
	}
	p.handBackLocked(r)
	p.mu.Unlock()
}

// handBackLocked gives the resource to the oldest waiter or returns it to the
// idle set. Caller holds p.mu.
func (p *Pool) handBackLocked(r *Resource) {
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.markBusyLocked(r)
		select {
		case w <- r:
			return
		default:
			// Waiter already timed out and drained nothing; try the next.
			r.busy = false
		}
	}
	p.idle = append(p.idle, r)
}

// Recycle tears down and recreates the handle held by r, bumping its
// generation, then returns the slot to the pool. Mandatory after a failed or
// timed-out render, where handle state is undefined. If recreation fails the
// slot is dropped and the pool shrinks.
func (p *Pool) Recycle(ctx context.Context, r *Resource) {
	if r == nil {
		return
	}
	p.mu.Lock()
	if p.closed || r.revoked || p.resources[r.id] != r {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	_ = r.handle.Close()
	h, err := p.engine.NewHandle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		log.Printf("pool: recycle resource %d failed, dropping slot: %v", r.id, err)
		if p.resources[r.id] == r {
			delete(p.resources, r.id)
		}
		return
	}
	// The watchdog may have revoked the slot while the replacement handle was
	// being created. A revoked or untracked resource must not re-enter the
	// pool: it would become a ghost whose release no-ops.
	if p.closed || r.revoked || p.resources[r.id] != r {
		_ = h.Close()
		return
	}
	r.handle = h
	r.generation++
	r.busy = false
	r.lastUsedAt = time.Now()
	p.recycles++
	if len(p.resources) > p.targetSize {
		delete(p.resources, r.id)
		_ = h.Close()
		return
	}
	p.handBackLocked(r)
}

// Grow raises the target size by n, bounded by Max. New handles are created
// lazily by Acquire.
func (p *Pool) Grow(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetSize += n
	if p.targetSize > p.cfg.Max {
		p.targetSize = p.cfg.Max
	}
}

// Shrink lowers the target size by n, bounded by Min, closing idle handles
// immediately. Busy handles are shed as they are released.
func (p *Pool) Shrink(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.targetSize -= n
	if p.targetSize < p.cfg.Min {
		p.targetSize = p.cfg.Min
	}
	var victims []*Resource
	for len(p.resources) > p.targetSize && len(p.idle) > 0 {
		r := p.popIdleLocked()
		delete(p.resources, r.id)
		victims = append(victims, r)
	}
	p.mu.Unlock()
	for _, r := range victims {
		_ = r.handle.Close()
	}
}

// RecycleIdle recycles idle handles older than age. Invoked by the sweep loop
// and, with age zero, by the memory monitor for a bulk refresh.
func (p *Pool) RecycleIdle(ctx context.Context, age time.Duration) int {
	p.mu.Lock()
	cutoff := time.Now().Add(-age)
	var stale []*Resource
	var keep []*Resource
	for _, r := range p.idle {
		if !r.lastUsedAt.After(cutoff) {
			// Hold the slot while recycling off-lock. acquiredAt is refreshed
			// so the hold-time watchdog clocks the recycle itself, not the
			// idle time before it.
			r.busy = true
			r.acquiredAt = time.Now()
			stale = append(stale, r)
		} else {
			keep = append(keep, r)
		}
	}
	p.idle = keep
	p.mu.Unlock()

	for _, r := range stale {
		p.Recycle(ctx, r)
	}
	return len(stale)
}

// revokeOverheld forcibly reclaims handles held past MaxHold. The underlying
// handle is closed so the in-flight render errors out, the slot is dropped
// from accounting, and a replacement is created so capacity is restored. The
// eventual Release/Recycle from the stuck holder is a no-op.
func (p *Pool) revokeOverheld(ctx context.Context) int {
	p.mu.Lock()
	cutoff := time.Now().Add(-p.cfg.MaxHold)
	var overheld []*Resource
	for _, r := range p.resources {
		if r.busy && !r.revoked && r.acquiredAt.Before(cutoff) {
			r.revoked = true
			overheld = append(overheld, r)
		}
	}
	for _, r := range overheld {
		delete(p.resources, r.id)
		p.revoked++
	}
	p.mu.Unlock()

	for _, r := range overheld {
		log.Printf("pool: resource %d held past %s, revoking", r.id, p.cfg.MaxHold)
		_ = r.handle.Close()
		repl, err := p.newResource(ctx)
		if err != nil {
			log.Printf("pool: replace revoked resource %d: %v", r.id, err)
			continue
		}
		p.mu.Lock()
		if p.closed || len(p.resources) >= p.targetSize {
			p.mu.Unlock()
			_ = repl.handle.Close()
			continue
		}
		p.resources[repl.id] = repl
		p.handBackLocked(repl)
		p.mu.Unlock()
	}
	return len(overheld)
}

// Run drives the idle-age recycler and the hold-time watchdog until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.RecycleIdle(ctx, p.cfg.IdleRecycleAge)
			p.revokeOverheld(ctx)
		}
	}
}

// Stats reports pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	busy := 0
	for _, r := range p.resources {
		if r.busy {
			busy++
		}
	}
	return Stats{
		Size:     len(p.resources),
		Busy:     busy,
		Idle:     len(p.idle),
		Max:      p.cfg.Max,
		Recycles: p.recycles,
		Revoked:  p.revoked,
	}
}

// Close tears down every handle and fails pending waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	resources := make([]*Resource, 0, len(p.resources))
	for _, r := range p.resources {
		resources = append(resources, r)
	}
	p.resources = make(map[int]*Resource)
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, r := range resources {
		_ = r.handle.Close()
	}
}

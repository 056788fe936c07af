package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"renderd/internal/cache"
	"renderd/internal/models"
	"renderd/internal/pool"
	"renderd/internal/render"
	"renderd/internal/telemetry"
)

var (
	// ErrQueueFull is returned when the admission queue is at capacity.
	ErrQueueFull = errors.New("admission queue full")

	// ErrUnknownJob is returned by Poll/Wait for ids the scheduler does not
	// track (never submitted, or already garbage-collected).
	ErrUnknownJob = errors.New("unknown job")
)

// Recorder receives terminal jobs for best-effort history. Implementations
// must tolerate being called off the request path.
type Recorder interface {
	RecordJob(ctx context.Context, job models.Job, duration time.Duration) error
}

// Config tunes admission and retries.
type Config struct {
	Concurrency   int           // admission ceiling over the pool
	QueueMax      int           // queued jobs beyond the ceiling
	MaxRetries    int           // extra attempts for transient failures
	RenderTimeout time.Duration // hard per-render budget
	JobRetention  time.Duration // how long terminal jobs stay pollable
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.QueueMax < 1 {
		c.QueueMax = 128
	}
	if c.RenderTimeout == 0 {
		c.RenderTimeout = 30 * time.Second
	}
	if c.JobRetention == 0 {
		c.JobRetention = 10 * time.Minute
	}
	return c
}

type jobEntry struct {
	job  models.Job
	req  render.Request
	done chan struct{}
}

// Scheduler admits render jobs against the pool under a global concurrency
// ceiling. Identical requests are deduplicated twice: against the content
// cache and against in-flight jobs, so repeat requests never compete for the
// pool.
type Scheduler struct {
	cfg      Config
	pool     *pool.Pool
	cache    *cache.Cache
	recorder Recorder

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	inflight map[string]*jobEntry // fingerprint -> pending or running entry
	queue    []*jobEntry          // FIFO behind the ceiling
	running  int
	closed   bool
}

// New wires the scheduler. recorder may be nil.
func New(p *pool.Pool, c *cache.Cache, recorder Recorder, cfg Config) *Scheduler {
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		pool:     p,
		cache:    c,
		recorder: recorder,
		jobs:     make(map[string]*jobEntry),
		inflight: make(map[string]*jobEntry),
	}
}

// Submit registers a render request and returns its job. Cache hits come
// back already completed without touching the pool; a request identical to
// one already in flight shares that job instead of spawning a second render.
func (s *Scheduler) Submit(ctx context.Context, req render.Request) (models.Job, error) {
	fp := req.Fingerprint()

	if data, ok := s.cache.Get(ctx, fp); ok {
		telemetry.CacheHits.Inc()
		now := time.Now().UTC()
		job := models.Job{
			ID:          uuid.New().String(),
			Fingerprint: fp,
			State:       models.StateCompleted,
			CreatedAt:   now,
			CompletedAt: &now,
			Result:      data,
			ContentType: render.ContentTypeFor(req.Options.Format),
		}
		e := &jobEntry{job: job, req: req, done: make(chan struct{})}
		close(e.done)
		s.mu.Lock()
		if !s.closed {
			s.jobs[job.ID] = e
		}
		s.mu.Unlock()
		return job, nil
	}
	telemetry.CacheMisses.Inc()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.Job{}, errors.New("scheduler closed")
	}
	if existing, ok := s.inflight[fp]; ok {
		job := existing.job
		s.mu.Unlock()
		return job, nil
	}
	if len(s.queue) >= s.cfg.QueueMax {
		s.mu.Unlock()
		return models.Job{}, ErrQueueFull
	}

	e := &jobEntry{
		job: models.Job{
			ID:          uuid.New().String(),
			Fingerprint: fp,
			State:       models.StateQueued,
			CreatedAt:   time.Now().UTC(),
			ContentType: render.ContentTypeFor(req.Options.Format),
		},
		req:  req,
		done: make(chan struct{}),
	}
	s.jobs[e.job.ID] = e
	s.inflight[fp] = e
	s.queue = append(s.queue, e)
	s.dispatchLocked()
	job := e.job
	telemetry.QueueDepthGauge.Set(float64(len(s.queue)))
	s.mu.Unlock()
	return job, nil
}

// dispatchLocked starts queued jobs in FIFO order while the ceiling has
// room. Caller holds s.mu.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.cfg.Concurrency && len(s.queue) > 0 {
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.running++
		now := time.Now().UTC()
		e.job.State = models.StateRunning
		e.job.StartedAt = &now
		telemetry.JobsInFlight.Inc()
		go s.execute(e)
	}
	telemetry.QueueDepthGauge.Set(float64(len(s.queue)))
}

// execute runs one job to a terminal state, retrying transient failures.
// Jobs run detached from the submitting request: an abandoned client still
// gets its result cached.
func (s *Scheduler) execute(e *jobEntry) {
	start := time.Now()
	var out []byte
	var lastErr error
	var lastKind string

	attempts := 0
	for attempts <= s.cfg.MaxRetries {
		attempts++
		var retryable bool
		out, lastKind, retryable, lastErr = s.attempt(e.req)
		if lastErr == nil || !retryable {
			break
		}
		if attempts <= s.cfg.MaxRetries {
			telemetry.RenderRetries.Inc()
			log.Printf("scheduler: job %s attempt %d failed (%s), retrying: %v", e.job.ID, attempts, lastKind, lastErr)
		}
	}

	s.mu.Lock()
	e.job.Attempts = attempts
	now := time.Now().UTC()
	if lastErr == nil {
		// Cache before the state transition so a Completed job always
		// implies a visible cache entry.
		s.cache.Put(context.Background(), e.job.Fingerprint, out)
		e.job.Result = out
		e.job.State = models.StateCompleted
	} else {
		e.job.State = models.StateFailed
		e.job.Error = lastErr.Error()
		e.job.ErrorKind = lastKind
		telemetry.RenderFailures.WithLabelValues(lastKind).Inc()
	}
	e.job.CompletedAt = &now
	delete(s.inflight, e.job.Fingerprint)
	s.running--
	s.dispatchLocked()
	job := e.job
	s.mu.Unlock()

	telemetry.JobsInFlight.Dec()
	close(e.done)

	if s.recorder != nil {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.recorder.RecordJob(rctx, job, time.Since(start)); err != nil {
			log.Printf("scheduler: record job %s: %v", job.ID, err)
		}
		cancel()
	}
}

// attempt performs one acquire/render/release cycle. A failed or timed-out
// render leaves handle state undefined, so those paths recycle instead of
// releasing.
func (s *Scheduler) attempt(req render.Request) (out []byte, kind string, retryable bool, err error) {
	acquireCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, pool.ErrExhausted) {
			// Saturation is transient: capacity frees up as running renders
			// finish or the monitor's shrink drains, so retry acquisition.
			return nil, models.KindPoolExhausted, true, err
		}
		return nil, models.KindInternal, false, fmt.Errorf("acquire: %w", err)
	}
	telemetry.RendersTotal.Inc()

	failed := true
	defer func() {
		// Recycle on every non-success exit, including panics mid-render.
		if failed {
			s.pool.Recycle(context.Background(), res)
			telemetry.PoolRecycles.Inc()
		}
	}()

	renderCtx, cancelRender := context.WithTimeout(context.Background(), s.cfg.RenderTimeout)
	defer cancelRender()
	out, rerr := res.Handle().Render(renderCtx, req)
	if rerr == nil && renderCtx.Err() != nil {
		rerr = render.ErrTimeout
	}
	if rerr != nil {
		switch {
		case errors.Is(rerr, render.ErrTimeout) || errors.Is(rerr, context.DeadlineExceeded):
			return nil, models.KindRenderTimeout, true, render.ErrTimeout
		case errors.Is(rerr, render.ErrEngine):
			return nil, models.KindEngineError, true, rerr
		default:
			return nil, models.KindInternal, false, rerr
		}
	}

	failed = false
	s.pool.Release(res)
	return out, "", false, nil
}

// Poll returns a snapshot of the job without blocking.
func (s *Scheduler) Poll(id string) (models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return models.Job{}, ErrUnknownJob
	}
	return e.job, nil
}

// Wait blocks until the job reaches a terminal state or ctx fires, returning
// the latest snapshot either way.
func (s *Scheduler) Wait(ctx context.Context, id string) (models.Job, error) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return models.Job{}, ErrUnknownJob
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		job, _ := s.Poll(id)
		return job, ctx.Err()
	}
	return s.Poll(id)
}

// Stats summarizes scheduler occupancy.
type Stats struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
	Tracked int `json:"tracked_jobs"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Running: s.running, Queued: len(s.queue), Tracked: len(s.jobs)}
}

// Run garbage-collects terminal jobs past the retention window until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.gc()
		}
	}
}

func (s *Scheduler) gc() {
	cutoff := time.Now().Add(-s.cfg.JobRetention)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.jobs {
		if e.job.State.Terminal() && e.job.CompletedAt != nil && e.job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
		}
	}
}

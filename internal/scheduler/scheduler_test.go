package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"renderd/internal/cache"
	"renderd/internal/models"
	"renderd/internal/pool"
	"renderd/internal/render"
)

type stubEngine struct {
	mu       sync.Mutex
	renderFn func(ctx context.Context, req render.Request) ([]byte, error)
	renders  atomic.Int64
	closes   atomic.Int64
}

func (e *stubEngine) NewHandle(_ context.Context) (render.Handle, error) {
	return &stubHandle{eng: e}, nil
}

type stubHandle struct {
	eng *stubEngine
}

func (h *stubHandle) Render(ctx context.Context, req render.Request) ([]byte, error) {
	h.eng.renders.Add(1)
	h.eng.mu.Lock()
	fn := h.eng.renderFn
	h.eng.mu.Unlock()
	if fn == nil {
		return []byte("out:" + req.Fingerprint()[:8]), nil
	}
	return fn(ctx, req)
}

func (h *stubHandle) Close() error {
	h.eng.closes.Add(1)
	return nil
}

type fixture struct {
	eng   *stubEngine
	pool  *pool.Pool
	cache *cache.Cache
	sched *Scheduler
}

func newFixture(t *testing.T, poolSize int, cfg Config) *fixture {
	t.Helper()
	eng := &stubEngine{}
	p, err := pool.New(context.Background(), eng, pool.Config{
		Size: poolSize, Max: poolSize, AcquireTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Close)
	c := cache.New(nil, cache.Options{MaxItems: 64, MaxBytes: 1 << 20, TTL: time.Minute})
	return &fixture{eng: eng, pool: p, cache: c, sched: New(p, c, nil, cfg)}
}

func mustRequest(t *testing.T, content string) render.Request {
	t.Helper()
	req, err := render.NewRequest(content, render.Options{Width: 800, Height: 600, Format: render.FormatJPEG})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func waitForState(t *testing.T, s *Scheduler, id string, want models.JobState) models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.Poll(id)
		if err != nil {
			t.Fatalf("poll %s: %v", id, err)
		}
		if job.State == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	job, _ := s.Poll(id)
	t.Fatalf("job %s never reached %s (stuck at %s)", id, want, job.State)
	return models.Job{}
}

func TestCacheHitSkipsPool(t *testing.T) {
	f := newFixture(t, 2, Config{Concurrency: 2})
	req := mustRequest(t, "<p>cached</p>")
	f.cache.Put(context.Background(), req.Fingerprint(), []byte("bytes"))

	idleBefore := f.pool.Stats().Idle
	job, err := f.sched.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.State != models.StateCompleted {
		t.Fatalf("cache hit should synthesize a completed job, got %s", job.State)
	}
	if !bytes.Equal(job.Result, []byte("bytes")) {
		t.Fatalf("wrong result: %q", job.Result)
	}
	if f.eng.renders.Load() != 0 {
		t.Fatalf("cache hit must not render")
	}
	if idle := f.pool.Stats().Idle; idle != idleBefore {
		t.Fatalf("cache hit must not touch the pool: idle %d -> %d", idleBefore, idle)
	}
}

func TestConcurrentIdenticalRequestsRenderOnce(t *testing.T) {
	f := newFixture(t, 2, Config{Concurrency: 2})
	gate := make(chan struct{})
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		<-gate
		return []byte("rendered-once"), nil
	}

	req := mustRequest(t, "<p>hi</p>")
	job1, err := f.sched.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	job2, err := f.sched.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if job1.ID != job2.ID {
		t.Fatalf("identical in-flight requests should share one job: %s vs %s", job1.ID, job2.ID)
	}

	close(gate)
	done1, err := f.sched.Wait(context.Background(), job1.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	done2, err := f.sched.Wait(context.Background(), job2.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !bytes.Equal(done1.Result, done2.Result) || !bytes.Equal(done1.Result, []byte("rendered-once")) {
		t.Fatalf("callers must receive identical bytes")
	}
	if n := f.eng.renders.Load(); n != 1 {
		t.Fatalf("expected exactly one render, got %d", n)
	}
	if st := f.cache.Stats(); st.Tier1Items != 1 {
		t.Fatalf("expected exactly one cache entry, got %d", st.Tier1Items)
	}
}

func TestFIFOAdmissionUnderCeiling(t *testing.T) {
	f := newFixture(t, 2, Config{Concurrency: 2, QueueMax: 8})
	gate := make(chan struct{})
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		<-gate
		return []byte("ok"), nil
	}

	jobA, _ := f.sched.Submit(context.Background(), mustRequest(t, "<p>a</p>"))
	jobB, _ := f.sched.Submit(context.Background(), mustRequest(t, "<p>b</p>"))
	jobC, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>c</p>"))
	if err != nil {
		t.Fatalf("submit c: %v", err)
	}

	waitForState(t, f.sched, jobA.ID, models.StateRunning)
	waitForState(t, f.sched, jobB.ID, models.StateRunning)

	// Third submission stays queued while the first two hold the ceiling.
	time.Sleep(20 * time.Millisecond)
	if job, _ := f.sched.Poll(jobC.ID); job.State != models.StateQueued {
		t.Fatalf("expected job c queued behind ceiling, got %s", job.State)
	}

	// One slot frees; c must start.
	gate <- struct{}{}
	waitForState(t, f.sched, jobC.ID, models.StateRunning)

	close(gate)
	waitForState(t, f.sched, jobC.ID, models.StateCompleted)
}

func TestRenderTimeoutFailsAndRecycles(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1, MaxRetries: 0, RenderTimeout: 30 * time.Millisecond})
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	job, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>slow</p>"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForState(t, f.sched, job.ID, models.StateFailed)
	if done.ErrorKind != models.KindRenderTimeout {
		t.Fatalf("expected render_timeout kind, got %q", done.ErrorKind)
	}
	if st := f.pool.Stats(); st.Recycles < 1 {
		t.Fatalf("timed-out render must recycle its handle, got %+v", st)
	}
	if f.eng.closes.Load() < 1 {
		t.Fatalf("recycle must tear down the old handle")
	}
}

func TestTransientFailureRetried(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1, MaxRetries: 1})
	var calls atomic.Int64
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, render.ErrEngine
		}
		return []byte("second try"), nil
	}

	job, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>flaky</p>"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForState(t, f.sched, job.ID, models.StateCompleted)
	if done.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", done.Attempts)
	}
	if !bytes.Equal(done.Result, []byte("second try")) {
		t.Fatalf("wrong result after retry: %q", done.Result)
	}
}

func TestEngineFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1, MaxRetries: 1})
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		return nil, render.ErrEngine
	}

	job, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>broken</p>"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForState(t, f.sched, job.ID, models.StateFailed)
	if done.ErrorKind != models.KindEngineError {
		t.Fatalf("expected engine_error kind, got %q", done.ErrorKind)
	}
	if done.Attempts != 2 {
		t.Fatalf("expected retries exhausted at 2 attempts, got %d", done.Attempts)
	}
}

func TestPoolExhaustionRetriedBeforeFailing(t *testing.T) {
	// Ceiling above pool capacity, so an admitted job can starve on acquire.
	eng := &stubEngine{}
	p, err := pool.New(context.Background(), eng, pool.Config{
		Size: 1, Max: 1, AcquireTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(p.Close)
	c := cache.New(nil, cache.Options{MaxItems: 16, MaxBytes: 1 << 20, TTL: time.Minute})
	sched := New(p, c, nil, Config{Concurrency: 2, QueueMax: 8, MaxRetries: 1})

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		entered <- struct{}{}
		<-gate
		return []byte("held"), nil
	}

	holder, _ := sched.Submit(context.Background(), mustRequest(t, "<p>hold</p>"))
	waitForState(t, sched, holder.ID, models.StateRunning)

	// Running is set at dispatch, before the goroutine acquires; wait until
	// the holder is actually inside Render and owns the only handle.
	<-entered

	starved, err := sched.Submit(context.Background(), mustRequest(t, "<p>starved</p>"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitForState(t, sched, starved.ID, models.StateFailed)
	if done.ErrorKind != models.KindPoolExhausted {
		t.Fatalf("expected pool_exhausted kind, got %q", done.ErrorKind)
	}
	if done.Attempts != 2 {
		t.Fatalf("expected acquire retried before failing, got %d attempts", done.Attempts)
	}

	close(gate)
	waitForState(t, sched, holder.ID, models.StateCompleted)
}

func TestQueueFull(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1, QueueMax: 1})
	gate := make(chan struct{})
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		<-gate
		return []byte("ok"), nil
	}

	a, _ := f.sched.Submit(context.Background(), mustRequest(t, "<p>1</p>"))
	waitForState(t, f.sched, a.ID, models.StateRunning)
	if _, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>2</p>")); err != nil {
		t.Fatalf("second submit should queue: %v", err)
	}
	if _, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>3</p>")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(gate)
}

func TestPollUnknownJob(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1})
	if _, err := f.sched.Poll("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	if _, err := f.sched.Wait(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1})
	gate := make(chan struct{})
	f.eng.renderFn = func(ctx context.Context, req render.Request) ([]byte, error) {
		<-gate
		return []byte("ok"), nil
	}

	job, _ := f.sched.Submit(context.Background(), mustRequest(t, "<p>wait</p>"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	snap, err := f.sched.Wait(ctx, job.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if snap.State.Terminal() {
		t.Fatalf("job should still be in flight, got %s", snap.State)
	}

	// The job is not abandoned: it still completes and lands in the cache.
	close(gate)
	waitForState(t, f.sched, job.ID, models.StateCompleted)
	if _, ok := f.cache.Get(context.Background(), job.Fingerprint); !ok {
		t.Fatalf("abandoned client's result must still be cached")
	}
}

func TestTerminalJobsGarbageCollected(t *testing.T) {
	f := newFixture(t, 1, Config{Concurrency: 1, JobRetention: time.Millisecond})
	job, err := f.sched.Submit(context.Background(), mustRequest(t, "<p>gc</p>"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForState(t, f.sched, job.ID, models.StateCompleted)

	time.Sleep(10 * time.Millisecond)
	f.sched.gc()
	if _, err := f.sched.Poll(job.ID); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected job garbage-collected, got %v", err)
	}
}

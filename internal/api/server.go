package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"renderd/internal/cache"
	"renderd/internal/config"
	"renderd/internal/memmon"
	"renderd/internal/models"
	"renderd/internal/pool"
	"renderd/internal/ratelimit"
	"renderd/internal/render"
	"renderd/internal/scheduler"
	"renderd/internal/store"
	"renderd/internal/telemetry"
)

// Server wires the HTTP surface over the orchestration core.
type Server struct {
	cfg     config.Config
	sched   *scheduler.Scheduler
	cache   *cache.Cache
	pool    *pool.Pool
	limiter *ratelimit.TokenBucket // nil when rate limiting is disabled
	history *store.Store           // nil when the history store is disabled
}

// New constructs the API server.
func New(cfg config.Config, sched *scheduler.Scheduler, c *cache.Cache, p *pool.Pool, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, sched: sched, cache: c, pool: p, limiter: limiter}
}

// WithHistory attaches the optional render-history store, which adds recent
// outcome counts to /stats.
func (s *Server) WithHistory(h *store.Store) *Server {
	s.history = h
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/image", s.handleRenderPost)
	r.Get("/image", s.handleRenderGet)
	r.Get("/job/{id}", s.handleGetJob)
	r.Get("/stats", s.handleStats)
	r.Delete("/cache", s.handleClearCache)
	return r
}

type renderRequestBody struct {
	Content  string `json:"content"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Quality  int    `json:"quality"`
	Format   string `json:"format"`
	FullPage bool   `json:"full_page"`
	Async    bool   `json:"async"`
}

type jobResponse struct {
	ID          string          `json:"id"`
	State       models.JobState `json:"state"`
	Result      []byte          `json:"result,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
}

func (s *Server) handleRenderPost(w http.ResponseWriter, r *http.Request) {
	var body renderRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	s.render(w, r, body)
}

func (s *Server) handleRenderGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := renderRequestBody{
		Content:  q.Get("content"),
		Width:    atoiDefault(q.Get("width"), 0),
		Height:   atoiDefault(q.Get("height"), 0),
		Quality:  atoiDefault(q.Get("quality"), 0),
		Format:   q.Get("format"),
		FullPage: q.Get("full_page") == "true" || q.Get("full_page") == "1",
	}
	s.render(w, r, body)
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, body renderRequestBody) {
	start := time.Now()

	// Validation happens before the limiter, the cache, and the pool.
	req, err := render.NewRequest(body.Content, render.Options{
		Width:    body.Width,
		Height:   body.Height,
		Quality:  body.Quality,
		Format:   body.Format,
		FullPage: body.FullPage,
	})
	if err != nil {
		var verr *render.ValidationError
		if errors.As(err, &verr) {
			telemetry.RequestLatency.WithLabelValues("invalid").Observe(time.Since(start).Seconds())
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowN(r.Context(), clientFromRequest(r), renderCost(req.Options))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	job, err := s.sched.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			telemetry.RequestLatency.WithLabelValues("rejected").Observe(time.Since(start).Seconds())
			writeError(w, http.StatusServiceUnavailable, "render queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if body.Async {
		writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID, State: job.State})
		return
	}

	waitCtx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	job, err = s.sched.Wait(waitCtx, job.ID)
	if err != nil {
		// The job keeps running; hand back the id for polling.
		telemetry.RequestLatency.WithLabelValues("deadline").Observe(time.Since(start).Seconds())
		writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID, State: job.State})
		return
	}

	switch job.State {
	case models.StateCompleted:
		telemetry.RequestLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		w.Header().Set("Content-Type", job.ContentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Job-ID", job.ID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(job.Result)
	default:
		telemetry.RequestLatency.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		writeError(w, statusForKind(job.ErrorKind), job.Error)
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.sched.Poll(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	resp := jobResponse{
		ID:        job.ID,
		State:     job.State,
		Error:     job.Error,
		ErrorKind: job.ErrorKind,
	}
	if job.State == models.StateCompleted {
		resp.Result = job.Result
		resp.ContentType = job.ContentType
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"heap_bytes": memmon.HeapSampler(),
		"pool":       s.pool.Stats(),
		"cache":      s.cache.Stats(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	poolStats := s.pool.Stats()
	telemetry.PoolBusyGauge.Set(float64(poolStats.Busy))
	telemetry.PoolSizeGauge.Set(float64(poolStats.Size))
	payload := map[string]any{
		"pool":      poolStats,
		"cache":     s.cache.Stats(),
		"scheduler": s.sched.Stats(),
	}
	if s.history != nil {
		summary, err := s.history.Summary(r.Context(), time.Now().Add(-24*time.Hour))
		if err == nil {
			payload["history_24h"] = summary
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleClearCache(w http.ResponseWriter, _ *http.Request) {
	cleared := s.cache.Clear()
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func statusForKind(kind string) int {
	switch kind {
	case models.KindValidation:
		return http.StatusBadRequest
	case models.KindPoolExhausted, models.KindQueueFull:
		return http.StatusServiceUnavailable
	case models.KindRenderTimeout:
		return http.StatusGatewayTimeout
	case models.KindEngineError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// renderCost weighs a request by how long it is expected to hold a rendering
// handle. Full-page and PDF renders roughly double the work of a plain
// viewport capture.
func renderCost(opts render.Options) int {
	if opts.Format == render.FormatPDF || opts.FullPage {
		return 2
	}
	return 1
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return -1 // force validation failure on junk input
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

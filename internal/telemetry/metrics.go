package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "render_request_duration_seconds",
		Help:    "End-to-end render request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	CacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_cache_hits_total", Help: "Requests served from the content cache"})
	CacheMisses      = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_cache_misses_total", Help: "Requests that required a render"})
	RendersTotal     = prometheus.NewCounter(prometheus.CounterOpts{Name: "renders_total", Help: "Renders executed against the pool"})
	RenderFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "render_failures_total", Help: "Failed renders by kind"}, []string{"kind"})
	RenderRetries    = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_retries_total", Help: "Transient render failures retried"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_jobs_inflight", Help: "Jobs currently running"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_queue_depth", Help: "Jobs queued behind the admission ceiling"})
	PoolBusyGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_pool_busy", Help: "Pool handles currently held"})
	PoolSizeGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "render_pool_size", Help: "Pool handles currently live"})
	PoolRecycles     = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_pool_recycles_total", Help: "Handles torn down and recreated"})
	MemoryPressure   = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_memory_pressure_total", Help: "Memory monitor threshold breaches"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "render_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestLatency,
			CacheHits,
			CacheMisses,
			RendersTotal,
			RenderFailures,
			RenderRetries,
			JobsInFlight,
			QueueDepthGauge,
			PoolBusyGauge,
			PoolSizeGauge,
			PoolRecycles,
			MemoryPressure,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}

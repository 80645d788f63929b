// Package metrics exposes Prometheus instrumentation for calibration runs,
// the catalog cache, the color solver and the job queue.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithHistogramBuckets sets custom histogram buckets for latency metrics.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.histogramBuckets = buckets
		}
	}
}

// WithRegistry registers metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) {
		if reg != nil {
			m.registry = reg
		}
	}
}

// Manager owns all metrics of the process.
type Manager struct {
	namespace        string
	histogramBuckets []float64
	registry         *prometheus.Registry

	frames        *prometheus.CounterVec
	frameDuration prometheus.Histogram
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchErrors   *prometheus.CounterVec
	colorSolves   *prometheus.CounterVec
	colorDuration prometheus.Histogram
	jobsInFlight  prometheus.Gauge
	jobs          *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// NewManager creates and registers all metrics.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "reticulum",
		histogramBuckets: prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.frames = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "calibration",
		Name:      "frames_total",
		Help:      "Frames processed by outcome (calibrated, skipped, failed, misconfigured)",
	}, []string{"outcome"})
	m.frameDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "calibration",
		Name:      "frame_duration_seconds",
		Help:      "Wall time of one frame calibration",
		Buckets:   m.histogramBuckets,
	})
	m.cacheHits = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "catalog",
		Name:      "cache_hits_total",
		Help:      "Catalog queries served from the cache",
	}, []string{"catalog"})
	m.cacheMisses = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "catalog",
		Name:      "cache_misses_total",
		Help:      "Catalog queries that required a remote fetch",
	}, []string{"catalog"})
	m.fetchDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "catalog",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of remote catalog fetches",
		Buckets:   m.histogramBuckets,
	}, []string{"catalog"})
	m.fetchErrors = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "catalog",
		Name:      "fetch_errors_total",
		Help:      "Failed remote catalog fetches",
	}, []string{"catalog"})
	m.colorSolves = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "color",
		Name:      "solves_total",
		Help:      "Color index solves by result (converged, failed)",
	}, []string{"result"})
	m.colorDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "color",
		Name:      "solve_duration_seconds",
		Help:      "Latency of color index solves",
		Buckets:   m.histogramBuckets,
	})
	m.jobsInFlight = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "pipeline",
		Name:      "jobs_in_flight",
		Help:      "Jobs currently being processed",
	})
	m.jobs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Finished jobs by type and status",
	}, []string{"type", "status"})
	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})
	m.httpDurations = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   m.histogramBuckets,
	}, []string{"route"})
}

// Registry returns the registry holding the metrics.
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// FrameProcessed records a frame outcome.
func (m *Manager) FrameProcessed(outcome string, d time.Duration) {
	m.frames.WithLabelValues(outcome).Inc()
	m.frameDuration.Observe(d.Seconds())
}

// CatalogCacheHit counts a cache hit.
func (m *Manager) CatalogCacheHit(catalog string) { m.cacheHits.WithLabelValues(catalog).Inc() }

// CatalogCacheMiss counts a cache miss.
func (m *Manager) CatalogCacheMiss(catalog string) { m.cacheMisses.WithLabelValues(catalog).Inc() }

// CatalogFetched records a remote fetch.
func (m *Manager) CatalogFetched(catalog string, d time.Duration, _ int, err error) {
	m.fetchDuration.WithLabelValues(catalog).Observe(d.Seconds())
	if err != nil {
		m.fetchErrors.WithLabelValues(catalog).Inc()
	}
}

// ColorSolved records a color index solve.
func (m *Manager) ColorSolved(d time.Duration, err error) {
	result := "converged"
	if err != nil {
		result = "failed"
	}
	m.colorSolves.WithLabelValues(result).Inc()
	m.colorDuration.Observe(d.Seconds())
}

// JobStarted increments the in-flight gauge.
func (m *Manager) JobStarted() { m.jobsInFlight.Inc() }

// JobFinished decrements the in-flight gauge and counts the job.
func (m *Manager) JobFinished(jobType, status string) {
	m.jobsInFlight.Dec()
	m.jobs.WithLabelValues(jobType, status).Inc()
}

// HTTPRequest records one served request.
func (m *Manager) HTTPRequest(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDurations.WithLabelValues(route).Observe(d.Seconds())
}

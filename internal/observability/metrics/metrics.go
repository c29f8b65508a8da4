package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chapterhub"

// Recorder owns a Prometheus registry and the collectors for HTTP traffic,
// cache effectiveness, ingestion batches, and rate limiting. Each Recorder is
// independent so tests can assert on a fresh registry.
type Recorder struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	cacheErrors     *prometheus.CounterVec
	ingestStages    *prometheus.CounterVec
	ingestRecords   *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	rateLimited     prometheus.Counter
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with its own registry. Go runtime and process
// collectors are registered alongside the service metrics.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalized path, and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalized path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by key kind and result (hit, miss).",
		}, []string{"kind", "result"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Cache operations that failed, by operation.",
		}, []string{"operation"}),
		ingestStages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_stage_transitions_total",
			Help:      "Ingestion batches entering each pipeline stage.",
		}, []string{"stage"}),
		ingestRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Uploaded chapter records by outcome (inserted, invalid, rejected).",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_batch_duration_seconds",
			Help:      "Time spent processing one uploaded batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Requests rejected by the fixed-window rate limiter.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests,
		r.requestDuration,
		r.cacheLookups,
		r.cacheErrors,
		r.ingestStages,
		r.ingestRecords,
		r.ingestDuration,
		r.rateLimited,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder; nil restores a fresh one.
func SetDefault(r *Recorder) {
	if r == nil {
		r = New()
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRequest records one completed HTTP request.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

// CacheHit records a cache lookup served from the cache.
func (r *Recorder) CacheHit(kind string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeName(kind), "hit").Inc()
}

// CacheMiss records a cache lookup that fell through to the datastore.
func (r *Recorder) CacheMiss(kind string) {
	if r == nil {
		return
	}
	r.cacheLookups.WithLabelValues(normalizeName(kind), "miss").Inc()
}

// CacheError records a failed cache operation such as get, set, or invalidate.
func (r *Recorder) CacheError(operation string) {
	if r == nil {
		return
	}
	r.cacheErrors.WithLabelValues(normalizeName(operation)).Inc()
}

// IngestStage records a batch entering the named pipeline stage.
func (r *Recorder) IngestStage(stage string) {
	if r == nil {
		return
	}
	r.ingestStages.WithLabelValues(normalizeName(stage)).Inc()
}

// IngestRecords adds n records to the outcome counter.
func (r *Recorder) IngestRecords(outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.ingestRecords.WithLabelValues(normalizeName(outcome)).Add(float64(n))
}

// ObserveIngestBatch records the wall time of one ingestion batch.
func (r *Recorder) ObserveIngestBatch(duration time.Duration) {
	if r == nil {
		return
	}
	r.ingestDuration.Observe(duration.Seconds())
}

// RateLimited records a request rejected with 429.
func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveRequest records a request on the default Recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

func normalizeName(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath collapses identifier segments so label cardinality stays
// bounded: /api/v1/chapters/<id> becomes /api/v1/chapters/:id.
func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != "" && looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

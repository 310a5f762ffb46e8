package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOutcome captures the result of a cache engine operation.
type CacheOutcome string

const (
	// CacheHit indicates the lookup served a fresh or stale entry.
	CacheHit CacheOutcome = "hit"
	// CacheMiss indicates no usable entry was present.
	CacheMiss CacheOutcome = "miss"
	// CacheStored indicates a validated response was inserted.
	CacheStored CacheOutcome = "stored"
	// CacheRejected indicates validation vetoed the response.
	CacheRejected CacheOutcome = "rejected"
)

// FetchOutcome captures the result of an upstream fetch.
type FetchOutcome string

const (
	// FetchSuccess indicates the upstream answered with a cacheable status.
	FetchSuccess FetchOutcome = "success"
	// FetchFailure indicates a 5xx, transport error, or timeout.
	FetchFailure FetchOutcome = "failure"
	// FetchBackoff indicates the call was rejected while the URL sat in backoff.
	FetchBackoff FetchOutcome = "backoff"
)

// Recorder publishes Prometheus metrics for proxy, cache, and upstream activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	proxyRequests *prometheus.CounterVec
	proxyLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	upstreamFetches *prometheus.CounterVec
	upstreamLatency prometheus.Histogram

	queueDepth    prometheus.Gauge
	activeFetches prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	proxyRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cushion",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total proxied client requests.",
	}, []string{"method", "status_code", "cache_status"})

	proxyLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cushion",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed client requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"cache_status"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cushion",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache engine operations by path and outcome.",
	}, []string{"path", "outcome"})

	upstreamFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cushion",
		Subsystem: "upstream",
		Name:      "fetches_total",
		Help:      "Upstream fetches dispatched by the connection manager.",
	}, []string{"outcome"})

	upstreamLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cushion",
		Subsystem: "upstream",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for completed upstream calls.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cushion",
		Subsystem: "upstream",
		Name:      "queue_depth",
		Help:      "Requests waiting for an upstream dispatch slot.",
	})

	activeFetches := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cushion",
		Subsystem: "upstream",
		Name:      "active_fetches",
		Help:      "Upstream calls currently in flight.",
	})

	reg.MustRegister(proxyRequests, proxyLatency, cacheOperations, upstreamFetches, upstreamLatency, queueDepth, activeFetches)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		proxyRequests:   proxyRequests,
		proxyLatency:    proxyLatency,
		cacheOperations: cacheOperations,
		upstreamFetches: upstreamFetches,
		upstreamLatency: upstreamLatency,
		queueDepth:      queueDepth,
		activeFetches:   activeFetches,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveProxyRequest records the outcome and latency for a completed client request.
func (r *Recorder) ObserveProxyRequest(method string, statusCode int, cacheStatus string, duration time.Duration) {
	if r == nil {
		return
	}
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := normalizeLabel(cacheStatus)
	r.proxyRequests.WithLabelValues(normalizeLabel(method), statusLabel, cacheLabel).Inc()
	r.proxyLatency.WithLabelValues(cacheLabel).Observe(duration.Seconds())
}

// ObserveCache records a cache engine operation outcome for a path.
func (r *Recorder) ObserveCache(path string, outcome CacheOutcome) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(path), string(outcome)).Inc()
}

// ObserveFetch records the outcome and latency of an upstream call.
func (r *Recorder) ObserveFetch(outcome FetchOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.upstreamFetches.WithLabelValues(string(outcome)).Inc()
	if outcome != FetchBackoff {
		r.upstreamLatency.Observe(duration.Seconds())
	}
}

// SetQueueDepth reports the current upstream queue length.
func (r *Recorder) SetQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

// SetActiveFetches reports the number of upstream calls in flight.
func (r *Recorder) SetActiveFetches(n int) {
	if r == nil {
		return
	}
	r.activeFetches.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

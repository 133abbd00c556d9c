// Package metrics exposes feed, cache and HTTP instrumentation in the
// Prometheus text format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nearby_feeds"

// Metrics implements domain.Recorder and instruments HTTP handlers. A nil
// *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	cacheLookups      *prometheus.CounterVec
	recomputeDuration *prometheus.HistogramVec
	recomputeErrors   *prometheus.CounterVec
	changesReceived   *prometheus.CounterVec
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Ranked result cache lookups by feed and outcome.",
		}, []string{"feed", "result"}),
		recomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Histogram of ranked result computation durations by feed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feed"}),
		recomputeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_errors_total",
			Help:      "Ranked result computations that failed, by feed.",
		}, []string{"feed"}),
		changesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_received_total",
			Help:      "Change notifications received by table and operation.",
		}, []string{"table", "operation"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.cacheLookups,
		m.recomputeDuration,
		m.recomputeErrors,
		m.changesReceived,
	)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests to next under the given route label.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// CacheHit counts a result served from the cache for set.
func (m *Metrics) CacheHit(set string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(set, "hit").Inc()
}

// CacheMiss counts a lookup for set that had to join or start a computation.
func (m *Metrics) CacheMiss(set string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(set, "miss").Inc()
}

// Recompute records how long a computation for set took and counts failures.
func (m *Metrics) Recompute(set string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.recomputeDuration.WithLabelValues(set).Observe(duration.Seconds())
	if err != nil {
		m.recomputeErrors.WithLabelValues(set).Inc()
	}
}

// ChangeReceived counts a change event for table by operation.
func (m *Metrics) ChangeReceived(table string, op string) {
	if m == nil {
		return
	}
	m.changesReceived.WithLabelValues(table, op).Inc()
}

package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the API and the
// marks engine.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	markWrites      *prometheus.CounterVec
	staleConflicts  prometheus.Counter
	lockTransitions *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	markWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mark_writes_total",
		Help: "Total mark summary writes by kind",
	}, []string{"kind"})

	staleConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mark_write_stale_conflicts_total",
		Help: "Mark writes that exhausted their optimistic retries",
	})

	lockTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "summary_lock_transitions_total",
		Help: "Summary lock state transitions",
	}, []string{"to"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabulation_cache_hits_total",
		Help: "Tabulation sheet cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tabulation_cache_misses_total",
		Help: "Tabulation sheet cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, markWrites, staleConflicts, lockTransitions, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		markWrites:      markWrites,
		staleConflicts:  staleConflicts,
		lockTransitions: lockTransitions,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordMarkWrite counts a summary write by kind (detail, matrix, absent).
func (m *MetricsService) RecordMarkWrite(kind string) {
	if m == nil {
		return
	}
	m.markWrites.WithLabelValues(kind).Inc()
}

// RecordStaleConflict counts a write that ran out of optimistic retries.
func (m *MetricsService) RecordStaleConflict() {
	if m == nil {
		return
	}
	m.staleConflicts.Inc()
}

// RecordLockTransition counts a lock state transition.
func (m *MetricsService) RecordLockTransition(to string) {
	if m == nil {
		return
	}
	m.lockTransitions.WithLabelValues(to).Inc()
}

// RecordTabulationCache counts a tabulation cache lookup.
func (m *MetricsService) RecordTabulationCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

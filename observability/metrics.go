package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type escrowMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *escrowMetrics
)

// EscrowMetrics returns the lazily-initialised metrics registry used to
// record escrow RPC activity.
func EscrowMetrics() *escrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &escrowMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agri",
				Subsystem: "escrow",
				Name:      "requests_total",
				Help:      "Total JSON-RPC escrow requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agri",
				Subsystem: "escrow",
				Name:      "errors_total",
				Help:      "Total JSON-RPC escrow errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agri",
				Subsystem: "escrow",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC escrow handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agri",
				Subsystem: "escrow",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			escrowRegistry.requests,
			escrowRegistry.errors,
			escrowRegistry.latency,
			escrowRegistry.throttles,
		)
	})
	return escrowRegistry
}

// Observe records the outcome of an escrow RPC request. The status code should
// be the HTTP status that was ultimately written to the response writer.
func (m *escrowMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied reason.
// Reasons should be stable strings such as "rate_limit" so dashboards and
// alerts remain consistent.
func (m *escrowMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

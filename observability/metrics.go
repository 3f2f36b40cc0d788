package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type settlementMetrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	pending    prometheus.Gauge
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

type reconMetrics struct {
	scans    prometheus.Counter
	resolved *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *settlementMetrics

	httpOnce     sync.Once
	httpRegistry *httpMetrics

	reconOnce     sync.Once
	reconRegistry *reconMetrics
)

// SettlementMetrics returns the lazily-initialised settlement metrics
// registry used to record adapter activity per rail.
func SettlementMetrics() *settlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &settlementMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tolio",
				Subsystem: "settlement",
				Name:      "operations_total",
				Help:      "Settlement operations segmented by rail, operation, and outcome.",
			}, []string{"rail", "operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tolio",
				Subsystem: "settlement",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for settlement adapter calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"rail", "operation"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tolio",
				Subsystem: "settlement",
				Name:      "pending_confirmations",
				Help:      "Deals currently awaiting external transaction confirmation.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.operations,
			settlementRegistry.latency,
			settlementRegistry.pending,
		)
	})
	return settlementRegistry
}

// Observe records a completed adapter call. Outcome should be one of
// "success", "pending", or "failed".
func (m *settlementMetrics) Observe(rail, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if rail == "" {
		rail = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.operations.WithLabelValues(rail, operation, outcome).Inc()
	m.latency.WithLabelValues(rail, operation).Observe(duration.Seconds())
}

// SetPending tracks the number of deals parked on an unconfirmed transaction.
func (m *settlementMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

// HTTPMetrics returns the registry used by the gateway middleware.
func HTTPMetrics() *httpMetrics {
	httpOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tolio",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tolio",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records one served request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ReconMetrics returns the registry used by the reconciliation poller.
func ReconMetrics() *reconMetrics {
	reconOnce.Do(func() {
		reconRegistry = &reconMetrics{
			scans: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tolio",
				Subsystem: "recon",
				Name:      "scans_total",
				Help:      "Reconciliation scans executed.",
			}),
			resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tolio",
				Subsystem: "recon",
				Name:      "claims_resolved_total",
				Help:      "Stale claims resolved by the poller segmented by resolution.",
			}, []string{"resolution"}),
		}
		prometheus.MustRegister(reconRegistry.scans, reconRegistry.resolved)
	})
	return reconRegistry
}

// RecordScan increments the scan counter.
func (m *reconMetrics) RecordScan() {
	if m == nil {
		return
	}
	m.scans.Inc()
}

// RecordResolution records how a stale claim was settled: "committed",
// "released", or "deferred".
func (m *reconMetrics) RecordResolution(resolution string) {
	if m == nil {
		return
	}
	if resolution == "" {
		resolution = "unknown"
	}
	m.resolved.WithLabelValues(resolution).Inc()
}

// Package obs holds the document service's prometheus metrics.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RequestsTotal *prometheus.CounterVec   // op, code (problem code or "ok")
	OpLatencyMS   *prometheus.HistogramVec // op=view|checkout|checkin|discard|delete|credential
	ConflictTotal *prometheus.CounterVec   // op=checkout|delete
}

// NewMetrics registers the metrics with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doclock_requests_total",
				Help: "Document service requests by operation and result code",
			},
			[]string{"op", "code"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "doclock_op_latency_ms",
				Help:    "Latency of document operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1ms .. ~8s
			},
			[]string{"op"},
		),
		ConflictTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doclock_lock_conflict_total",
				Help: "Requests refused because another user holds the checkout",
			},
			[]string{"op"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.OpLatencyMS, m.ConflictTotal)
	}
	return m
}

// Observe records one finished request.
func (m *Metrics) Observe(op, code string, started time.Time) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.RequestsTotal.WithLabelValues(op, code).Inc()
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(time.Since(started).Milliseconds()))
	if code == "document_locked" {
		m.ConflictTotal.WithLabelValues(op).Inc()
	}
}

// Package metrics defines the Prometheus instruments shared by the HTTP
// layer and the services. All methods are safe on a nil *Metrics so that
// components can be constructed without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keyhub"

// Metrics holds all Prometheus metrics for keyhub.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AuthFailures    *prometheus.CounterVec
	TokenRenewals   prometheus.Counter
	KeyTransitions  *prometheus.CounterVec
	AuditWrites     *prometheus.CounterVec
	AuditQueueDepth prometheus.Gauge
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected session tokens by reason",
			},
			[]string{"reason"}, // missing, invalid, expired, forbidden
		),
		TokenRenewals: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_renewals_total",
				Help:      "Access tokens renewed by the sliding session",
			},
		),
		KeyTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_key_operations_total",
				Help:      "Auth key lifecycle operations by event and result",
			},
			[]string{"event", "result"},
		),
		AuditWrites: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_writes_total",
				Help:      "Audit events written, failed or dropped",
			},
			[]string{"outcome"}, // written, failed, dropped
		),
		AuditQueueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "audit_queue_depth",
				Help:      "Audit events waiting for the background writer",
			},
		),
	}
}

// AuthFailure counts a rejected token.
func (m *Metrics) AuthFailure(reason string) {
	if m == nil {
		return
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// TokenRenewed counts a sliding renewal.
func (m *Metrics) TokenRenewed() {
	if m == nil {
		return
	}
	m.TokenRenewals.Inc()
}

// KeyOperation counts one auth key lifecycle call.
func (m *Metrics) KeyOperation(event, result string) {
	if m == nil {
		return
	}
	m.KeyTransitions.WithLabelValues(event, result).Inc()
}

// AuditOutcome counts n audit events with the given outcome.
func (m *Metrics) AuditOutcome(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AuditWrites.WithLabelValues(outcome).Add(float64(n))
}

// SetAuditQueueDepth records the current writer backlog.
func (m *Metrics) SetAuditQueueDepth(n int) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Set(float64(n))
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(seconds)
}

// Package prommetrics implements windowquota.Metrics with Prometheus.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Metrics implements windowquota.Metrics using Prometheus.
type Metrics struct {
	incrementDuration          *prometheus.HistogramVec
	incrementErrors            *prometheus.CounterVec
	decisionsTotal             *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
	fallbackTotal              *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		incrementDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quota_increment_duration_seconds",
			Help:      "Latency of quota store increments.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),

		incrementErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_increment_errors_total",
			Help:      "Total number of failed quota store increments.",
		}, []string{"backend"}),

		decisionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_decisions_total",
			Help:      "Total number of quota enforcement decisions.",
		}, []string{"decision"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),

		fallbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_fallback_total",
			Help:      "Total number of increments served by a fallback store.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) RecordIncrement(backend string, duration time.Duration, err error) {
	m.incrementDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if err != nil {
		m.incrementErrors.WithLabelValues(backend).Inc()
	}
}

func (m *Metrics) RecordDecision(decision windowquota.Decision) {
	m.decisionsTotal.WithLabelValues(string(decision)).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordFallback(reason string) {
	m.fallbackTotal.WithLabelValues(reason).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

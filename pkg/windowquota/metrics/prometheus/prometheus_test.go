package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestMetrics_RecordIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordIncrement("redis", 5*time.Millisecond, nil)
	metrics.RecordIncrement("redis", 7*time.Millisecond, errors.New("boom"))

	hist := gather(t, reg, "test_quota_increment_duration_seconds")
	require.Len(t, hist.GetMetric(), 1)
	assert.Equal(t, "redis", labelValue(hist.GetMetric()[0], "backend"))
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())

	errs := gather(t, reg, "test_quota_increment_errors_total")
	assert.Equal(t, float64(1), errs.GetMetric()[0].GetCounter().GetValue())
}

func TestMetrics_RecordDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordDecision(windowquota.DecisionAllowed)
	metrics.RecordDecision(windowquota.DecisionAllowed)
	metrics.RecordDecision(windowquota.DecisionBlocked)

	mf := gather(t, reg, "test_quota_decisions_total")
	values := map[string]float64{}
	for _, m := range mf.GetMetric() {
		values[labelValue(m, "decision")] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"allowed": 2, "blocked": 1}, values)
}

func TestMetrics_CircuitBreakerAndFallback(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCircuitBreakerStateChange(string(windowquota.StateOpen))
	metrics.RecordFallback("circuit_open")

	cb := gather(t, reg, "test_circuit_breaker_state_changes_total")
	assert.Equal(t, "open", labelValue(cb.GetMetric()[0], "state"))

	fb := gather(t, reg, "test_quota_fallback_total")
	assert.Equal(t, "circuit_open", labelValue(fb.GetMetric()[0], "reason"))
}

func TestMetrics_ImplementsInterface(t *testing.T) {
	var _ windowquota.Metrics = NewMetrics(prometheus.NewRegistry(), "test")
}

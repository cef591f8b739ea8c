package metrics

import (
	"math"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/octoroute/internal/models"
)

func findFamily(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	families, err := m.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func counterValue(f *dto.MetricFamily) float64 {
	total := 0.0
	for _, metric := range f.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	return total
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest(models.TierFast, models.StrategyRule)
	m.RecordRequest(models.TierDeep, models.StrategyLLM)

	f := findFamily(t, m, "octoroute_requests_total")
	require.NotNil(t, f)
	assert.Equal(t, 2.0, counterValue(f))
}

func TestHybridStrategyIsNeverALabel(t *testing.T) {
	m := New()
	m.RecordRequest(models.TierFast, models.StrategyHybrid)
	m.RecordRoutingDuration(models.StrategyHybrid, 1.0)

	assert.Nil(t, findFamily(t, m, "octoroute_requests_total"))
	assert.Nil(t, findFamily(t, m, "octoroute_routing_duration_ms"))
	// A hybrid label is dropped silently, not counted as a recording failure.
	assert.Nil(t, findFamily(t, m, "octoroute_metrics_recording_failures_total"))
}

func TestRoutingDurationRejectsInvalidObservations(t *testing.T) {
	m := New()
	m.RecordRoutingDuration(models.StrategyRule, math.NaN())
	m.RecordRoutingDuration(models.StrategyRule, math.Inf(1))
	m.RecordRoutingDuration(models.StrategyRule, -1)

	assert.Nil(t, findFamily(t, m, "octoroute_routing_duration_ms"))

	failures := findFamily(t, m, "octoroute_metrics_recording_failures_total")
	require.NotNil(t, failures)
	assert.Equal(t, 3.0, counterValue(failures))
}

func TestRoutingDurationObservesValid(t *testing.T) {
	m := New()
	m.RecordRoutingDuration(models.StrategyLLM, 12.5)

	f := findFamily(t, m, "octoroute_routing_duration_ms")
	require.NotNil(t, f)
	require.Len(t, f.GetMetric(), 1)
	assert.Equal(t, uint64(1), f.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestHealthAndBackgroundCounters(t *testing.T) {
	m := New()
	m.RecordHealthTrackingFailure("fast-1", "mark_success")
	m.RecordBackgroundTaskFailure("prober_crash")
	m.RecordMidStreamFailure("deep-1")
	m.RecordModelInvocation(models.TierBalanced)
	m.ClockError()

	for _, name := range []string{
		"octoroute_health_tracking_failures_total",
		"octoroute_background_health_task_failures_total",
		"octoroute_mid_stream_failures_total",
		"octoroute_model_invocations_total",
		"octoroute_clock_errors_total",
	} {
		f := findFamily(t, m, name)
		require.NotNil(t, f, name)
		assert.Equal(t, 1.0, counterValue(f), name)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRequest(models.TierFast, models.StrategyRule)
	m.RecordRoutingDuration(models.StrategyRule, 1)
	m.RecordModelInvocation(models.TierFast)
	m.RecordHealthTrackingFailure("x", "y")
	m.RecordBackgroundTaskFailure("z")
	m.RecordMidStreamFailure("x")
	m.ClockError()

	families, err := m.Gather()
	assert.NoError(t, err)
	assert.Nil(t, families)
	assert.NotNil(t, m.Handler())
}

// Package metrics exposes the Prometheus instrumentation for routing,
// dispatch and health tracking.
package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/user/octoroute/internal/models"
)

// Metrics owns the registry and all collectors. A nil *Metrics is valid and
// records nothing, so callers never need to branch on metrics being enabled.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal          *prometheus.CounterVec
	routingDurationMs      *prometheus.HistogramVec
	modelInvocationsTotal  *prometheus.CounterVec
	healthFailuresTotal    *prometheus.CounterVec
	recordingFailuresTotal *prometheus.CounterVec
	backgroundTaskFailures *prometheus.CounterVec
	midStreamFailuresTotal *prometheus.CounterVec
	clockErrorsTotal       prometheus.Counter
}

// New builds a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoroute_requests_total",
			Help: "Routed requests by target tier and routing strategy.",
		}, []string{"tier", "strategy"}),
		routingDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "octoroute_routing_duration_ms",
			Help:    "Time spent making the routing decision, in milliseconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000},
		}, []string{"strategy"}),
		modelInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoroute_model_invocations_total",
			Help: "Successful upstream model invocations by tier.",
		}, []string{"tier"}),
		healthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoroute_health_tracking_failures_total",
			Help: "Failures recording health state transitions.",
		}, []string{"endpoint", "error_type"}),
		recordingFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoroute_metrics_recording_failures_total",
			Help: "Metric observations rejected as invalid.",
		}, []string{"operation"}),
		backgroundTaskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoroute_background_health_task_failures_total",
			Help: "Background health prober failures and restarts.",
		}, []string{"failure_type"}),
		midStreamFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "octoroute_mid_stream_failures_total",
			Help: "Streams that broke after successful connection, by endpoint.",
		}, []string{"endpoint"}),
		clockErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "octoroute_clock_errors_total",
			Help: "System clock reads that fell before the UNIX epoch.",
		}),
	}
	reg.MustRegister(
		m.requestsTotal,
		m.routingDurationMs,
		m.modelInvocationsTotal,
		m.healthFailuresTotal,
		m.recordingFailuresTotal,
		m.backgroundTaskFailures,
		m.midStreamFailuresTotal,
		m.clockErrorsTotal,
	)
	return m
}

// strategyLabel maps a strategy to its metric label. Hybrid has no label of
// its own: a hybrid decision is always recorded as the concrete path taken
// (rule or llm), so a literal Hybrid value is dropped rather than miscounted.
func strategyLabel(s models.RoutingStrategy) (string, bool) {
	switch s {
	case models.StrategyRule:
		return "rule", true
	case models.StrategyLLM:
		return "llm", true
	default:
		return "", false
	}
}

// RecordRequest counts one routed request.
func (m *Metrics) RecordRequest(tier models.Tier, strategy models.RoutingStrategy) {
	if m == nil {
		return
	}
	label, ok := strategyLabel(strategy)
	if !ok {
		return
	}
	m.requestsTotal.WithLabelValues(string(tier), label).Inc()
}

// RecordRoutingDuration observes the routing decision latency. Non-finite or
// negative observations are rejected and counted as recording failures.
func (m *Metrics) RecordRoutingDuration(strategy models.RoutingStrategy, ms float64) {
	if m == nil {
		return
	}
	label, ok := strategyLabel(strategy)
	if !ok {
		return
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		m.recordingFailuresTotal.WithLabelValues("routing_duration").Inc()
		return
	}
	m.routingDurationMs.WithLabelValues(label).Observe(ms)
}

// RecordModelInvocation counts one successful upstream call.
func (m *Metrics) RecordModelInvocation(tier models.Tier) {
	if m == nil {
		return
	}
	m.modelInvocationsTotal.WithLabelValues(string(tier)).Inc()
}

// RecordHealthTrackingFailure counts a failed health-state update.
func (m *Metrics) RecordHealthTrackingFailure(endpoint, errorType string) {
	if m == nil {
		return
	}
	m.healthFailuresTotal.WithLabelValues(endpoint, errorType).Inc()
}

// RecordBackgroundTaskFailure counts prober crashes and restarts.
func (m *Metrics) RecordBackgroundTaskFailure(failureType string) {
	if m == nil {
		return
	}
	m.backgroundTaskFailures.WithLabelValues(failureType).Inc()
}

// RecordMidStreamFailure counts a stream that broke after connecting.
func (m *Metrics) RecordMidStreamFailure(endpoint string) {
	if m == nil {
		return
	}
	m.midStreamFailuresTotal.WithLabelValues(endpoint).Inc()
}

// ClockError counts a pre-epoch clock reading.
func (m *Metrics) ClockError() {
	if m == nil {
		return
	}
	m.clockErrorsTotal.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the raw metric families, used by tests.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	if m == nil {
		return nil, nil
	}
	return m.registry.Gather()
}

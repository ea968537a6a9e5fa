// Package telemetry exposes Prometheus metrics for the validation
// pipeline: verdict counts by stage, stage latency, judge model usage and
// spend, and session overrides.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collector set for one gateway process.
type Metrics struct {
	registry *prometheus.Registry

	verdictsTotal   *prometheus.CounterVec
	verdictLatency  *prometheus.HistogramVec
	judgeCallsTotal *prometheus.CounterVec
	judgeCostUSD    *prometheus.CounterVec
	semanticHits    *prometheus.CounterVec
	overridesTotal  *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New builds and registers the collector set on a fresh registry, so tests
// can create as many instances as they like without collisions.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{registry: registry}

	m.verdictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Validation verdicts by pipeline stage and outcome",
		},
		[]string{"stage", "safe"},
	)

	m.verdictLatency = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verdict_latency_seconds",
			Help:      "End-to-end validation latency by final stage",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	m.judgeCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_calls_total",
			Help:      "AI judge calls by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	m.judgeCostUSD = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "judge_cost_usd_total",
			Help:      "Cumulative judge spend in USD by model",
		},
		[]string{"model"},
	)

	m.semanticHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "semantic_hits_total",
			Help:      "Semantic similarity threat signals by category",
		},
		[]string{"category"},
	)

	m.overridesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_overrides_total",
			Help:      "Session overrides by detected pattern",
		},
		[]string{"pattern"},
	)

	m.httpRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by path and status",
		},
		[]string{"path", "status"},
	)

	return m
}

// ObserveVerdict records one authoritative verdict.
func (m *Metrics) ObserveVerdict(stage string, safe bool, seconds float64) {
	if m == nil {
		return
	}
	m.verdictsTotal.WithLabelValues(stage, strconv.FormatBool(safe)).Inc()
	m.verdictLatency.WithLabelValues(stage).Observe(seconds)
}

// ObserveJudgeCall records one model call.
func (m *Metrics) ObserveJudgeCall(model, outcome string, costUSD float64) {
	if m == nil {
		return
	}
	m.judgeCallsTotal.WithLabelValues(model, outcome).Inc()
	if costUSD > 0 {
		m.judgeCostUSD.WithLabelValues(model).Add(costUSD)
	}
}

// ObserveSemanticHit records a similarity threat signal.
func (m *Metrics) ObserveSemanticHit(category string) {
	if m == nil {
		return
	}
	m.semanticHits.WithLabelValues(category).Inc()
}

// ObserveOverride records a session override.
func (m *Metrics) ObserveOverride(pattern string) {
	if m == nil {
		return
	}
	m.overridesTotal.WithLabelValues(pattern).Inc()
}

// ObserveHTTPRequest records one gateway request.
func (m *Metrics) ObserveHTTPRequest(path string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

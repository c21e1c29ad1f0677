// Package metrics exposes Prometheus metrics for tool calls and datasets.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leapgate"

// Outcome labels for tool calls.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Truncation kinds.
const (
	TruncDisplayRows    = "display_rows"
	TruncDisplayColumns = "display_columns"
	TruncDataset        = "dataset"
	TruncResultRows     = "result_rows"
	TruncPayload        = "payload"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	ToolCalls       *prometheus.CounterVec
	ToolErrors      *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	DatasetsCreated prometheus.Counter
	DatasetsEvicted prometheus.Counter
	Truncations     *prometheus.CounterVec
	Retries         prometheus.Counter

	registry *prometheus.Registry
}

// New creates the collectors on a fresh registry. liveDatasets, when not
// nil, backs the live dataset gauge.
func New(liveDatasets func() int) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome.",
	}, []string{"tool", "outcome"})

	m.ToolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_errors_total",
		Help:      "Failed tool invocations by tool and error code.",
	}, []string{"tool", "code"})

	m.ToolDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Tool invocation latency.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{"tool"})

	m.DatasetsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datasets_created_total",
		Help:      "Datasets created from engine tables and persisted results.",
	})

	m.DatasetsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "datasets_evicted_total",
		Help:      "Datasets removed by expiry or eviction.",
	})

	m.Truncations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "truncations_total",
		Help:      "Outputs cut to fit a limit, by kind.",
	}, []string{"kind"})

	m.Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "normalization_retries_total",
		Help:      "Executions retried with original parameter values.",
	})

	m.registry.MustRegister(
		m.ToolCalls,
		m.ToolErrors,
		m.ToolDuration,
		m.DatasetsCreated,
		m.DatasetsEvicted,
		m.Truncations,
		m.Retries,
		collectors.NewGoCollector(),
	)

	if liveDatasets != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "datasets_live",
			Help:      "Datasets currently held in memory.",
		}, func() float64 { return float64(liveDatasets()) }))
	}
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveTool records one tool call. code is empty on success.
func (m *Metrics) ObserveTool(tool, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if code != "" {
		outcome = OutcomeError
		m.ToolErrors.WithLabelValues(tool, code).Inc()
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// DatasetCreated counts one new dataset.
func (m *Metrics) DatasetCreated() {
	if m == nil {
		return
	}
	m.DatasetsCreated.Inc()
}

// DatasetEvicted counts one removed dataset.
func (m *Metrics) DatasetEvicted() {
	if m == nil {
		return
	}
	m.DatasetsEvicted.Inc()
}

// Truncated counts one truncation of the given kind.
func (m *Metrics) Truncated(kind string) {
	if m == nil {
		return
	}
	m.Truncations.WithLabelValues(kind).Inc()
}

// Retried counts one normalization retry.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

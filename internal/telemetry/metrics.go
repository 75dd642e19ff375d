package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters shared by the pipeline. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	generations      *prometheus.CounterVec
	llmRequests      *prometheus.CounterVec
	llmErrors        *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	retrievals       *prometheus.CounterVec
	safetyVerdicts   *prometheus.CounterVec
	persistFailures  prometheus.Counter
	discardedResults prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kotoba_generations_total",
			Help: "Generation runs by terminal outcome.",
		}, []string{"outcome"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kotoba_llm_requests_total",
			Help: "Streaming inference passes started.",
		}, []string{"model"}),
		llmErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kotoba_llm_errors_total",
			Help: "Streaming inference passes that failed, by error category.",
		}, []string{"model", "category"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kotoba_tool_calls_total",
			Help: "Tool calls by tool and resulting state.",
		}, []string{"tool", "state"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kotoba_tool_execution_duration_seconds",
			Help:    "Tool execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kotoba_retrievals_total",
			Help: "Knowledge retrievals by outcome.",
		}, []string{"outcome"}),
		safetyVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kotoba_safety_verdicts_total",
			Help: "Safety gate decisions.",
		}, []string{"action"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kotoba_history_persist_failures_total",
			Help: "History writes that failed and were dropped.",
		}),
		discardedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kotoba_tool_results_discarded_total",
			Help: "Tool results produced after the caller went away.",
		}),
	}

	m.registry.MustRegister(
		m.generations,
		m.llmRequests,
		m.llmErrors,
		m.toolCalls,
		m.toolDuration,
		m.retrievals,
		m.safetyVerdicts,
		m.persistFailures,
		m.discardedResults,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) Generation(outcome string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LLMRequest(model string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(model).Inc()
}

func (m *Metrics) LLMError(model, category string) {
	if m == nil {
		return
	}
	m.llmErrors.WithLabelValues(model, category).Inc()
}

func (m *Metrics) ToolCall(tool, state string, took time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, state).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(took.Seconds())
}

func (m *Metrics) Retrieval(outcome string) {
	if m == nil {
		return
	}
	m.retrievals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SafetyVerdict(action string) {
	if m == nil {
		return
	}
	m.safetyVerdicts.WithLabelValues(action).Inc()
}

func (m *Metrics) PersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) DiscardedToolResults(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discardedResults.Add(float64(n))
}

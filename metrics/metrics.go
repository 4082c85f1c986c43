// Package metrics holds the Prometheus instruments for claim evaluation.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	evaluationFailures *prometheus.CounterVec
	iterations         prometheus.Histogram
	toolCalls          *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	rerankFailures     *prometheus.CounterVec
	decisionRetries    prometheus.Counter
	searchCacheHits    prometheus.Counter
	policiesUploaded   prometheus.Counter
	chunksIndexed      prometheus.Counter
}

// New registers the instruments with reg. Passing a fresh registry keeps
// tests independent of the process-wide default.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimassist_evaluations_total",
			Help: "Completed claim evaluations by effective strategy and verdict",
		}, []string{"strategy", "status"}),
		evaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimassist_evaluation_duration_seconds",
			Help:    "Wall time of a claim evaluation",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"strategy"}),
		evaluationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimassist_evaluation_failures_total",
			Help: "Claim evaluations that ended in an error",
		}, []string{"reason"}),
		iterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimassist_agent_iterations",
			Help:    "Reasoning iterations per evaluation",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimassist_tool_calls_total",
			Help: "Agent tool invocations by tool and outcome",
		}, []string{"tool", "outcome"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimassist_strategy_fallbacks_total",
			Help: "Retriever constructions that degraded to a weaker strategy",
		}, []string{"requested", "effective"}),
		rerankFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "claimassist_rerank_failures_total",
			Help: "Rerank calls that failed and fell back to similarity order",
		}, []string{"strategy"}),
		decisionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimassist_decision_retries_total",
			Help: "Corrective re-prompts after a malformed decision",
		}),
		searchCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimassist_websearch_cache_hits_total",
			Help: "Web searches answered from the local cache",
		}),
		policiesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimassist_policies_uploaded_total",
			Help: "Policies indexed successfully",
		}),
		chunksIndexed: factory.NewCounter(prometheus.CounterOpts{
			Name: "claimassist_chunks_indexed_total",
			Help: "Policy chunks written to the vector index",
		}),
	}
}

func (m *Metrics) ObserveEvaluation(strategy, status string, iterations int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(strategy, status).Inc()
	m.evaluationDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
	m.iterations.Observe(float64(iterations))
}

func (m *Metrics) EvaluationFailed(reason string) {
	if m == nil {
		return
	}
	m.evaluationFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) StrategyFallback(requested, effective string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(requested, effective).Inc()
}

func (m *Metrics) RerankFailure(strategy string) {
	if m == nil {
		return
	}
	m.rerankFailures.WithLabelValues(strategy).Inc()
}

func (m *Metrics) DecisionRetry() {
	if m == nil {
		return
	}
	m.decisionRetries.Inc()
}

func (m *Metrics) SearchCacheHit() {
	if m == nil {
		return
	}
	m.searchCacheHits.Inc()
}

func (m *Metrics) PolicyUploaded(chunks int) {
	if m == nil {
		return
	}
	m.policiesUploaded.Inc()
	m.chunksIndexed.Add(float64(chunks))
}

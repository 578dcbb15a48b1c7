package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the server's Prometheus metrics.
//
// Tracked surfaces:
//   - JSON-RPC traffic per method and transport
//   - Tool executions and latency
//   - Memory retrieval fan-out latency per tier
//   - Embedding calls, cache hit rate, and fallbacks
//   - Memory tier sizes for capacity planning
//   - Dreaming pipeline runs and LLM usage
type Metrics struct {
	// RPCRequestCounter counts JSON-RPC requests.
	// Labels: method, transport (stdio|http|ws), status (ok|error)
	RPCRequestCounter *prometheus.CounterVec

	// RPCRequestDuration measures request handling latency in seconds.
	// Labels: method, transport
	RPCRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// RetrievalDuration measures per-tier retrieval latency in seconds.
	// Labels: tier (working|active|archival|knowledge)
	RetrievalDuration *prometheus.HistogramVec

	// RetrievalResults counts results returned per tier.
	// Labels: tier
	RetrievalResults *prometheus.CounterVec

	// EmbeddingDuration measures embedding call latency in seconds.
	// Labels: backend (local|local-http|remote-api|random)
	EmbeddingDuration *prometheus.HistogramVec

	// EmbeddingCacheCounter counts embedding cache lookups.
	// Labels: outcome (hit|miss)
	EmbeddingCacheCounter *prometheus.CounterVec

	// EmbeddingFallbacks counts silent falls back to the random backend.
	// Labels: backend (the backend that failed)
	EmbeddingFallbacks *prometheus.CounterVec

	// TierSize tracks current memory tier sizes.
	// Labels: tier (working_tokens|active_pages|archival_items|knowledge_docs)
	TierSize *prometheus.GaugeVec

	// DreamRunCounter counts dreaming pipeline runs.
	// Labels: status (succeeded|failed), quality
	DreamRunCounter *prometheus.CounterVec

	// LLMRequestCounter counts LLM calls made by the dreaming pipeline.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component, error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with reg.
// Pass nil to register with the default registry. Call once per registry:
// duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RPCRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_rpc_requests_total",
				Help: "Total number of JSON-RPC requests by method, transport, and status",
			},
			[]string{"method", "transport", "status"},
		),

		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_rpc_request_duration_seconds",
				Help:    "Duration of JSON-RPC request handling in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "transport"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		RetrievalDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_retrieval_duration_seconds",
				Help:    "Duration of per-tier retrieval sub-searches in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"tier"},
		),

		RetrievalResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_retrieval_results_total",
				Help: "Total number of retrieval results returned per tier",
			},
			[]string{"tier"},
		),

		EmbeddingDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_embedding_duration_seconds",
				Help:    "Duration of embedding calls in seconds",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"backend"},
		),

		EmbeddingCacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_embedding_cache_lookups_total",
				Help: "Total number of embedding cache lookups by outcome",
			},
			[]string{"outcome"},
		),

		EmbeddingFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_embedding_fallbacks_total",
				Help: "Total number of silent falls back to the random embedding backend",
			},
			[]string{"backend"},
		),

		TierSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engram_memory_tier_size",
				Help: "Current size of each memory tier",
			},
			[]string{"tier"},
		),

		DreamRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_dream_runs_total",
				Help: "Total number of dreaming pipeline runs by status and quality",
			},
			[]string{"status", "quality"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// RecordRPCRequest records one JSON-RPC request.
func (m *Metrics) RecordRPCRequest(method, transport, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RPCRequestCounter.WithLabelValues(method, transport, status).Inc()
	m.RPCRequestDuration.WithLabelValues(method, transport).Observe(durationSeconds)
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordRetrieval records one per-tier sub-search.
func (m *Metrics) RecordRetrieval(tier string, results int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RetrievalDuration.WithLabelValues(tier).Observe(durationSeconds)
	m.RetrievalResults.WithLabelValues(tier).Add(float64(results))
}

// RecordEmbedding records one embedding call against a backend.
func (m *Metrics) RecordEmbedding(backend string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.EmbeddingDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// EmbeddingCacheHit records a cache hit.
func (m *Metrics) EmbeddingCacheHit() {
	if m == nil {
		return
	}
	m.EmbeddingCacheCounter.WithLabelValues("hit").Inc()
}

// EmbeddingCacheMiss records a cache miss.
func (m *Metrics) EmbeddingCacheMiss() {
	if m == nil {
		return
	}
	m.EmbeddingCacheCounter.WithLabelValues("miss").Inc()
}

// RecordEmbeddingFallback records a silent fallback to the random backend.
func (m *Metrics) RecordEmbeddingFallback(failedBackend string) {
	if m == nil {
		return
	}
	m.EmbeddingFallbacks.WithLabelValues(failedBackend).Inc()
}

// SetTierSize updates a memory tier size gauge.
func (m *Metrics) SetTierSize(tier string, size int) {
	if m == nil {
		return
	}
	m.TierSize.WithLabelValues(tier).Set(float64(size))
}

// RecordDreamRun records one dreaming pipeline run.
func (m *Metrics) RecordDreamRun(status, quality string) {
	if m == nil {
		return
	}
	m.DreamRunCounter.WithLabelValues(status, quality).Inc()
}

// RecordLLMRequest records one LLM call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordError increments the error counter for a component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

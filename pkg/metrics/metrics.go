// Package metrics wires the core's Prometheus counters: request lifecycle
// outcomes, turn/tool execution latency, compaction and gate activity.
// Trimmed from the pack's full HTTP/DB/webhook metrics surface down to the
// pipeline this module actually runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/histogram/gauge the router, runner, turn
// engine, compaction, and relay packages touch. Each instance owns its own
// prometheus.Registry rather than registering against the global default
// registerer, so a process can construct one Metrics at startup and a test
// can construct as many as it needs without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// RequestsTotal counts requests by session mode and routing decision.
	// Labels: mode (active|mention), decision
	RequestsTotal *prometheus.CounterVec

	// RequestLifecycle counts terminal lifecycle transitions.
	// Labels: state (resolved|failed|cancelled)
	RequestLifecycle *prometheus.CounterVec

	// RequestDuration measures queued-to-terminal latency in seconds.
	RequestDuration prometheus.Histogram

	// TurnDuration measures one turn's model-call latency in seconds.
	// Labels: finish_reason
	TurnDuration *prometheus.HistogramVec

	// TurnTokens tracks token consumption per turn.
	// Labels: provider, model, kind (prompt|completion|cache_read|cache_create)
	TurnTokens *prometheus.CounterVec

	// ToolExecutions counts tool calls by name and outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool call latency in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// Interrupts counts interrupt-with-rewind events.
	Interrupts prometheus.Counter

	// CompactionsTotal counts compaction passes by outcome.
	// Labels: outcome (summarized|fallback_truncated|skipped)
	CompactionsTotal *prometheus.CounterVec

	// CompactionSummaryPasses histograms the number of hierarchical
	// summarization passes a single compaction needed.
	CompactionSummaryPasses prometheus.Histogram

	// GateDecisions counts gate checks by context and outcome.
	// Labels: context (active-batch|direct-reply-mention-disambiguation),
	// outcome (forward|suppress|error_fail_open|error_fail_closed)
	GateDecisions *prometheus.CounterVec

	// ActiveSessions gauges sessions currently running an agent.
	ActiveSessions prometheus.Gauge

	// QueueDepth gauges the Session-Queue Runner's per-session backlog,
	// summed across sessions.
	QueueDepth prometheus.Gauge

	// RelayIdleTimeouts counts relay instances aborted by the idle watchdog.
	RelayIdleTimeouts prometheus.Counter
}

// New creates a fresh registry and registers every metric against it. Call
// once at process startup and pass Registry() to whatever exposes /metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_requests_total",
				Help: "Total requests routed, by session mode and routing decision",
			},
			[]string{"mode", "decision"},
		),
		RequestLifecycle: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_request_lifecycle_total",
				Help: "Total requests reaching a terminal lifecycle state",
			},
			[]string{"state"},
		),
		RequestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lilac_request_duration_seconds",
				Help:    "Time from queued to terminal lifecycle state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lilac_turn_duration_seconds",
				Help:    "Duration of a single agent turn's model call",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"finish_reason"},
		),
		TurnTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_turn_tokens_total",
				Help: "Tokens consumed per turn by provider, model, and kind",
			},
			[]string{"provider", "model", "kind"},
		),
		ToolExecutions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_tool_executions_total",
				Help: "Tool executions by tool name and outcome",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lilac_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		Interrupts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lilac_interrupts_total",
				Help: "Total interrupt-with-rewind events",
			},
		),
		CompactionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_compactions_total",
				Help: "Auto-compaction passes by outcome",
			},
			[]string{"outcome"},
		),
		CompactionSummaryPasses: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lilac_compaction_summary_passes",
				Help:    "Number of hierarchical summarization passes per compaction",
				Buckets: []float64{1, 2, 3, 4, 5, 6},
			},
		),
		GateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lilac_gate_decisions_total",
				Help: "Gate checks by context and outcome",
			},
			[]string{"context", "outcome"},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "lilac_active_sessions",
				Help: "Sessions currently running an agent",
			},
		),
		QueueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "lilac_queue_depth",
				Help: "Total queued-behind-active requests across all sessions",
			},
		),
		RelayIdleTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "lilac_relay_idle_timeouts_total",
				Help: "Relay instances aborted by the idle watchdog",
			},
		),
	}
}

// Registry returns the prometheus.Registry this Metrics instance's
// collectors are registered against, for wiring into an HTTP exposition
// handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTurn records one agent turn's duration and token usage.
func (m *Metrics) RecordTurn(finishReason, provider, model string, duration time.Duration, promptTokens, completionTokens, cacheRead, cacheCreate int) {
	m.TurnDuration.WithLabelValues(finishReason).Observe(duration.Seconds())
	if promptTokens > 0 {
		m.TurnTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TurnTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
	if cacheRead > 0 {
		m.TurnTokens.WithLabelValues(provider, model, "cache_read").Add(float64(cacheRead))
	}
	if cacheCreate > 0 {
		m.TurnTokens.WithLabelValues(provider, model, "cache_create").Add(float64(cacheCreate))
	}
}

// RecordToolExecution records one tool call's outcome and duration.
func (m *Metrics) RecordToolExecution(toolName, status string, duration time.Duration) {
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordRequest records a routing decision.
func (m *Metrics) RecordRequest(mode, decision string) {
	m.RequestsTotal.WithLabelValues(mode, decision).Inc()
}

// RecordLifecycle records a terminal lifecycle transition and its total
// queued-to-terminal duration.
func (m *Metrics) RecordLifecycle(state string, duration time.Duration) {
	m.RequestLifecycle.WithLabelValues(state).Inc()
	m.RequestDuration.Observe(duration.Seconds())
}

// RecordCompaction records one Auto-Compaction pass.
func (m *Metrics) RecordCompaction(outcome string, summaryPasses int) {
	m.CompactionsTotal.WithLabelValues(outcome).Inc()
	if summaryPasses > 0 {
		m.CompactionSummaryPasses.Observe(float64(summaryPasses))
	}
}

// RecordGateDecision records one Gate check's outcome.
func (m *Metrics) RecordGateDecision(gateCtx, outcome string) {
	m.GateDecisions.WithLabelValues(gateCtx, outcome).Inc()
}

// RecordInterrupt records one interrupt-with-rewind.
func (m *Metrics) RecordInterrupt() {
	m.Interrupts.Inc()
}

// RecordRelayIdleTimeout records one relay instance aborted by its idle
// watchdog.
func (m *Metrics) RecordRelayIdleTimeout() {
	m.RelayIdleTimeouts.Inc()
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the Agent Runner's own operational counters: turns
// executed, tools dispatched, cost-guard vetoes, and provider failovers
// (spec §4 turn/tool/veto/failover counters). It is built on the same
// promauto/client_golang pattern as the rest of this package's
// observability surface.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTurn("anthropic")
//	metrics.RecordToolDispatch("web_search", true)
type Metrics struct {
	// TurnCounter counts completed turn-loop iterations.
	// Labels: provider
	TurnCounter *prometheus.CounterVec

	// ToolDispatchCounter counts tool invocations resolved by the
	// runner's tool registry.
	// Labels: tool, status (success|error)
	ToolDispatchCounter *prometheus.CounterVec

	// CostVetoCounter counts runs halted by the Cost Guard's precheck.
	// Labels: reason (the corerr.Code that triggered the veto)
	CostVetoCounter *prometheus.CounterVec

	// FailoverCounter counts provider substitutions made by a Failover
	// orchestrator.
	// Labels: from, to, reason
	FailoverCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption per turn.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated per-turn LLM spend.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec
}

// NewMetrics creates and registers the Agent Runner's Prometheus
// metrics. This should be called once at application startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_turns_total",
				Help: "Total number of agent runner turns executed, by provider",
			},
			[]string{"provider"},
		),

		ToolDispatchCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_tool_dispatches_total",
				Help: "Total number of tool calls dispatched by the tool registry",
			},
			[]string{"tool", "status"},
		),

		CostVetoCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_cost_vetoes_total",
				Help: "Total number of runs halted by the cost guard's precheck, by reason",
			},
			[]string{"reason"},
		),

		FailoverCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_provider_failovers_total",
				Help: "Total number of provider substitutions made by a failover orchestrator",
			},
			[]string{"from", "to", "reason"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_llm_cost_usd_total",
				Help: "Estimated LLM API cost in USD, by provider and model",
			},
			[]string{"provider", "model"},
		),
	}
}

// RecordTurn increments the turn counter for provider.
func (m *Metrics) RecordTurn(provider string) {
	m.TurnCounter.WithLabelValues(provider).Inc()
}

// RecordToolDispatch increments the tool dispatch counter for tool,
// labeled by whether the call succeeded.
func (m *Metrics) RecordToolDispatch(tool string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ToolDispatchCounter.WithLabelValues(tool, status).Inc()
}

// RecordCostVeto increments the cost veto counter for reason.
func (m *Metrics) RecordCostVeto(reason string) {
	m.CostVetoCounter.WithLabelValues(reason).Inc()
}

// RecordFailover increments the failover counter for a from->to
// substitution.
func (m *Metrics) RecordFailover(from, to, reason string) {
	m.FailoverCounter.WithLabelValues(from, to, reason).Inc()
}

// RecordLLMUsage records token and cost totals for one LLM response.
func (m *Metrics) RecordLLMUsage(provider, model string, inputTokens, outputTokens int64, costUSD float64) {
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
}

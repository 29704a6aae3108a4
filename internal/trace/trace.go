// Package trace implements the Execution Trace Recorder of spec §4.7:
// an append-only, in-RAM record of one agent run (llm_request/response,
// tool_call/result/blocked, memory hits, cost checks, failovers,
// approvals) that computes its summary invariants once at Flush and
// emits one OpenTelemetry span per recorded operation.
package trace

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/observability"
)

// ModelPricing is one model's per-million-token rate, used to derive
// totalCostUSD at flush.
type ModelPricing struct {
	InputPerMillionUSD  float64
	OutputPerMillionUSD float64
}

// PricingTable resolves a (provider, model) pair to its rate. Lookup
// misses cost nothing (spec does not require failing a run over an
// unrecognized pricing entry) and are recorded as zero cost.
type PricingTable map[string]map[string]ModelPricing

// Rate returns the pricing for provider/model, and whether an entry was
// found.
func (t PricingTable) Rate(provider, model string) (ModelPricing, bool) {
	models, ok := t[provider]
	if !ok {
		return ModelPricing{}, false
	}
	p, ok := models[model]
	return p, ok
}

// DefaultPricingTable is a starting set of published rates; callers may
// supply their own table built from a provider's current pricing page.
func DefaultPricingTable() PricingTable {
	return PricingTable{
		"anthropic": {
			"claude-sonnet-4-20250514":   {InputPerMillionUSD: 3.00, OutputPerMillionUSD: 15.00},
			"claude-opus-4-20250514":     {InputPerMillionUSD: 15.00, OutputPerMillionUSD: 75.00},
			"claude-3-5-sonnet-20241022": {InputPerMillionUSD: 3.00, OutputPerMillionUSD: 15.00},
			"claude-3-haiku-20240307":    {InputPerMillionUSD: 0.25, OutputPerMillionUSD: 1.25},
		},
		"openai": {
			"gpt-4o":        {InputPerMillionUSD: 2.50, OutputPerMillionUSD: 10.00},
			"gpt-4-turbo":   {InputPerMillionUSD: 10.00, OutputPerMillionUSD: 30.00},
			"gpt-3.5-turbo": {InputPerMillionUSD: 0.50, OutputPerMillionUSD: 1.50},
		},
	}
}

// Recorder accumulates one run's trace in RAM. It is safe for concurrent
// Append calls from the runner's relay/accumulator/tool-dispatch
// consumers (spec §5's concurrent-consumers-of-one-stream model).
type Recorder struct {
	mu      sync.Mutex
	trace   model.ExecutionTrace
	pricing PricingTable
	tracer  *observability.Tracer
	now     func() time.Time

	pendingToolCalls map[string]bool // toolCallId -> awaiting a result/blocked
}

// New starts a Recorder for one run. pricing may be nil to use
// DefaultPricingTable; tracer may be nil to skip span emission (e.g. in
// tests).
func New(projectID ids.ProjectId, sessionID ids.SessionId, snapshot model.PromptSnapshot, pricing PricingTable, tracer *observability.Tracer) *Recorder {
	if pricing == nil {
		pricing = DefaultPricingTable()
	}
	return &Recorder{
		trace: model.ExecutionTrace{
			ID:             ids.NewTraceId(),
			ProjectID:      projectID,
			SessionID:      sessionID,
			PromptSnapshot: snapshot,
			Status:         model.TraceRunning,
			CreatedAt:      time.Now(),
		},
		pricing:          pricing,
		tracer:           tracer,
		now:              time.Now,
		pendingToolCalls: make(map[string]bool),
	}
}

func (r *Recorder) TraceID() ids.TraceId { return r.trace.ID }

// Append records one event, stamping its timestamp from this recorder's
// single clock source. Any ctx passed through is used only for the
// accompanying OTel span, never stored.
func (r *Recorder) Append(ctx context.Context, event model.TraceEvent) {
	r.mu.Lock()
	event.Timestamp = r.now()
	if event.ID == "" {
		event.ID = string(ids.NewTraceId())
	}
	r.trace.Events = append(r.trace.Events, event)

	switch event.Type {
	case model.EventToolCall:
		if id, ok := event.Data["toolCallId"].(string); ok {
			r.pendingToolCalls[id] = true
		}
	case model.EventToolResult, model.EventToolBlocked:
		if id, ok := event.Data["toolCallId"].(string); ok {
			delete(r.pendingToolCalls, id)
		}
	}
	r.mu.Unlock()

	r.emitSpan(ctx, event)
}

func (r *Recorder) emitSpan(ctx context.Context, event model.TraceEvent) {
	if r.tracer == nil {
		return
	}
	_, span := r.tracer.Start(ctx, string(event.Type), observability.SpanOptions{
		Kind: oteltrace.SpanKindInternal,
		Attributes: []attribute.KeyValue{
			attribute.String("trace.id", string(r.trace.ID)),
			attribute.String("event.type", string(event.Type)),
		},
	})
	defer span.End()
	if event.Type == model.EventError {
		span.SetStatus(codes.Error, "trace recorded an error event")
	}
}

// Flush computes the spec §4.7 invariants over the accumulated events,
// sets Status and CompletedAt, and returns the finished, now-immutable
// trace. Calling Flush twice is a programmer error; callers own calling
// it exactly once per run.
func (r *Recorder) Flush(status model.TraceStatus) model.ExecutionTrace {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.trace.CompletedAt = &now
	r.trace.TotalDurationMs = now.Sub(r.trace.CreatedAt).Milliseconds()
	r.trace.Status = status

	var turns int
	var tokens int64
	var costUSD float64

	for _, e := range r.trace.Events {
		switch e.Type {
		case model.EventLLMRequest:
			turns++
		case model.EventLLMResponse:
			input, _ := asInt64(e.Data["inputTokens"])
			output, _ := asInt64(e.Data["outputTokens"])
			tokens += input + output

			provider, _ := e.Data["provider"].(string)
			modelName, _ := e.Data["model"].(string)
			if rate, ok := r.pricing.Rate(provider, modelName); ok {
				costUSD += float64(input) / 1_000_000 * rate.InputPerMillionUSD
				costUSD += float64(output) / 1_000_000 * rate.OutputPerMillionUSD
			}
		}
	}

	r.trace.TurnCount = turns
	r.trace.TotalTokensUsed = tokens
	r.trace.TotalCostUSD = costUSD

	return r.trace
}

// UnresolvedToolCalls reports tool_call events with no matching
// tool_result or tool_blocked yet — used by the runner to assert the
// pairing invariant before flushing a trace as Completed.
func (r *Recorder) UnresolvedToolCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pendingToolCalls))
	for id := range r.pendingToolCalls {
		out = append(out, id)
	}
	return out
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

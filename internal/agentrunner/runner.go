// Package agentrunner implements the Agent Runner of spec §4.6: the
// turn-loop state machine that drives {LLM call -> parse tool calls ->
// execute tools -> feed results back} until the model stops, the
// budget is exhausted, a turn cap is reached, or an approval gate
// blocks progress. It wires together every other component (Cost
// Guard, Prompt Resolver, Tool Registry, Memory Manager, LLM Provider,
// Execution Trace Recorder) around one explicit terminal-state
// machine and ChatEvent stream.
package agentrunner

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/core/internal/compaction"
	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/costguard"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/memory"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/observability"
	"github.com/nexuscore/core/internal/promptlayer"
	"github.com/nexuscore/core/internal/provider"
	"github.com/nexuscore/core/internal/toolregistry"
	"github.com/nexuscore/core/internal/trace"
)

// ClientEventType discriminates the client-facing stream relayed over
// the WebSocket boundary (spec §6).
type ClientEventType string

const (
	ClientAgentStart    ClientEventType = "agent_start"
	ClientContentDelta  ClientEventType = "content_delta"
	ClientToolUseStart  ClientEventType = "tool_use_start"
	ClientToolResult    ClientEventType = "tool_result"
	ClientTurnComplete  ClientEventType = "turn_complete"
	ClientAgentComplete ClientEventType = "agent_complete"
	ClientError         ClientEventType = "error"
)

// ClientEvent is one entry of the client-facing relay stream.
type ClientEvent struct {
	Type       ClientEventType
	Text       string
	ToolName   string
	ToolUseID  string
	Success    bool
	Output     map[string]any
	Terminal   model.TraceStatus
	Err        error
}

// ProviderResolver returns the primary (and optional failover-wrapped)
// Provider to use for a run, so the runner never constructs providers
// itself — callers own API-key resolution and failover wiring (spec
// §4.5's "provider factory resolves the API key from config").
type ProviderResolver func(spec model.ProviderSpec) (provider.Provider, error)

// RunInput is one turn-loop invocation: either an interactive message
// or a scheduled-task/proactive-message synthetic run.
type RunInput struct {
	ProjectID      ids.ProjectId
	SessionID      ids.SessionId
	Config         model.AgentConfig
	History        []model.Message
	UserMessage    string
	QueryEmbedding []float32 // nil if no embedding provider is configured
	Approvals      toolregistry.ApprovalChecker
	Emit           func(ClientEvent) // optional client relay sink
}

// RunOutput is what one Run call produces for the caller to persist.
type RunOutput struct {
	AssistantMessage *model.Message
	Trace            model.ExecutionTrace
	Terminal         model.TraceStatus
	CompactedSummary *model.MemoryEntry
}

// Runner ties every other component together behind one Run call.
type Runner struct {
	Tools    *toolregistry.Registry
	Prompts  *promptlayer.Store
	Memory   *memory.Store
	Cost     *costguard.Guard
	Pricing  trace.PricingTable
	Tracer   *observability.Tracer
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Resolve  ProviderResolver
}

// recordTurn increments the turn counter when Metrics is configured.
func (r *Runner) recordTurn(provider string) {
	if r.Metrics != nil {
		r.Metrics.RecordTurn(provider)
	}
}

// recordToolDispatch increments the tool dispatch counter when Metrics
// is configured.
func (r *Runner) recordToolDispatch(tool string, success bool) {
	if r.Metrics != nil {
		r.Metrics.RecordToolDispatch(tool, success)
	}
}

// recordCostVeto increments the cost veto counter when Metrics is
// configured.
func (r *Runner) recordCostVeto(reason string) {
	if r.Metrics != nil {
		r.Metrics.RecordCostVeto(reason)
	}
}

// New builds a Runner from its dependencies. Any of Tracer/Logger/
// Metrics/Pricing may be nil; Pricing defaults to
// trace.DefaultPricingTable.
func New(tools *toolregistry.Registry, prompts *promptlayer.Store, mem *memory.Store, cost *costguard.Guard, resolve ProviderResolver) *Runner {
	return &Runner{
		Tools:   tools,
		Prompts: prompts,
		Memory:  mem,
		Cost:    cost,
		Pricing: trace.DefaultPricingTable(),
		Resolve: resolve,
	}
}

func (r *Runner) emit(in RunInput, e ClientEvent) {
	if in.Emit != nil {
		in.Emit(e)
	}
}

// Run executes the turn loop described in spec §4.6 to completion or a
// terminal non-Completed state, returning the assistant message to
// persist (only the outermost user/assistant pair is ever persisted;
// intermediate tool messages live only in the conversation this
// function assembles).
func (r *Runner) Run(ctx context.Context, in RunInput) (RunOutput, error) {
	r.emit(in, ClientEvent{Type: ClientAgentStart})

	primary, err := r.Resolve(in.Config.Primary)
	if err != nil {
		return RunOutput{}, corerr.Wrap(corerr.CodeInternal, err)
	}

	toolDescs := r.toolDescriptors(in.Config.AllowedTools)
	memories, _ := r.Memory.Retrieve(in.ProjectID, in.QueryEmbedding, in.Config.Memory.TopK, 0, nil)

	assembled, err := r.Prompts.Resolve(in.ProjectID, toolDescs, hitsToEntries(memories), nil)
	if err != nil {
		return RunOutput{}, err
	}

	rec := trace.New(in.ProjectID, in.SessionID, assembled.Snapshot, r.Pricing, r.Tracer)
	r.bindFailoverTrace(primary, ctx, rec)
	systemPrompt := assembled.Prompt
	conversation := r.buildConversation(in, primary)

	turns := 0
	maxTurns := in.Config.Cost.MaxTurnsPerSession
	if maxTurns <= 0 {
		maxTurns = 50
	}

	var lastAssistantText string

	for {
		select {
		case <-ctx.Done():
			finished := rec.Flush(model.TraceAborted)
			r.emit(in, ClientEvent{Type: ClientAgentComplete, Terminal: model.TraceAborted})
			return RunOutput{Trace: finished, Terminal: model.TraceAborted}, nil
		default:
		}

		if turns >= maxTurns {
			finished := rec.Flush(model.TraceMaxTurns)
			r.emit(in, ClientEvent{Type: ClientAgentComplete, Terminal: model.TraceMaxTurns})
			return RunOutput{Trace: finished, Terminal: model.TraceMaxTurns}, nil
		}

		estimatedTokens := primary.CountTokens(conversation)
		if _, vetoErr := r.Cost.Precheck(in.ProjectID, in.Config.Cost, estimatedTokens); vetoErr != nil {
			rec.Append(ctx, model.TraceEvent{Type: model.EventCostCheck, Data: map[string]any{"vetoed": true, "reason": corerr.CodeOf(vetoErr)}})
			r.recordCostVeto(string(corerr.CodeOf(vetoErr)))
			terminal := terminalForVeto(vetoErr)
			finished := rec.Flush(terminal)
			r.emit(in, ClientEvent{Type: ClientAgentComplete, Terminal: terminal})
			return RunOutput{Trace: finished, Terminal: terminal}, nil
		}
		rec.Append(ctx, model.TraceEvent{Type: model.EventCostCheck, Data: map[string]any{"vetoed": false}})
		if fired, ratio := r.Cost.AlertIfAboveThreshold(in.ProjectID, in.Config.Cost); fired {
			rec.Append(ctx, model.TraceEvent{Type: model.EventCostAlert, Data: map[string]any{"ratio": ratio}})
		}

		rec.Append(ctx, model.TraceEvent{Type: model.EventLLMRequest, Data: map[string]any{"turn": turns}})

		outcome := r.runOneTurn(ctx, in, primary, systemPrompt, conversation, rec)
		turns++
		r.recordTurn(primary.Name())

		if outcome.terminalErr != nil {
			rec.Append(ctx, model.TraceEvent{Type: model.EventError, Data: map[string]any{"error": outcome.terminalErr.Error()}})
			finished := rec.Flush(model.TraceFailed)
			r.emit(in, ClientEvent{Type: ClientError, Err: outcome.terminalErr})
			r.emit(in, ClientEvent{Type: ClientAgentComplete, Terminal: model.TraceFailed})
			return RunOutput{Trace: finished, Terminal: model.TraceFailed}, outcome.terminalErr
		}

		lastAssistantText = outcome.text
		r.Cost.Record(model.UsageRecord{
			ID: ids.NewUsageRecordId(), ProjectID: in.ProjectID, SessionID: in.SessionID, TraceID: rec.TraceID(),
			Provider: primary.Name(), Model: in.Config.Primary.Model,
			InputTokens: outcome.usage.InputTokens, OutputTokens: outcome.usage.OutputTokens,
			CacheReadTokens: outcome.usage.CacheReadTokens, CacheWriteTokens: outcome.usage.CacheWriteTokens,
			Timestamp: time.Now(),
		})

		conversation = append(conversation, provider.ChatMessage{Role: provider.RoleAssistant, Content: outcome.text, ToolCalls: outcome.toolCalls})

		if outcome.stopReason != provider.StopToolUse {
			finished := rec.Flush(model.TraceCompleted)
			r.emit(in, ClientEvent{Type: ClientTurnComplete})
			r.emit(in, ClientEvent{Type: ClientAgentComplete, Terminal: model.TraceCompleted})
			out := r.finalize(in, rec, finished, lastAssistantText, turns)
			return out, nil
		}

		toolCallCount := 0
		maxToolCalls := in.Config.Cost.MaxToolCallsPerTurn
		pendingApproval := false

		for _, tc := range outcome.toolCalls {
			if maxToolCalls > 0 && toolCallCount >= maxToolCalls {
				conversation = append(conversation, provider.ChatMessage{
					Role: provider.RoleUser,
					ToolResults: []provider.ToolResultPart{{ToolUseID: tc.ID, Content: "tool call limit reached for this turn", IsError: true}},
				})
				break
			}
			toolCallCount++

			result, toolErr := r.dispatchTool(ctx, in, rec, tc)
			if toolErr != nil && corerr.HasCode(toolErr, corerr.CodeHumanApprovalPending) {
				pendingApproval = true
				break
			}

			content := resultToContent(result, toolErr)
			conversation = append(conversation, provider.ChatMessage{
				Role:        provider.RoleUser,
				ToolResults: []provider.ToolResultPart{{ToolUseID: tc.ID, Content: content, IsError: toolErr != nil}},
			})
			r.emit(in, ClientEvent{Type: ClientToolResult, ToolUseID: tc.ID, Success: toolErr == nil, Output: result.Output})
		}

		if pendingApproval {
			finished := rec.Flush(model.TraceHumanApprovalPending)
			r.emit(in, ClientEvent{Type: ClientAgentComplete, Terminal: model.TraceHumanApprovalPending})
			return RunOutput{Trace: finished, Terminal: model.TraceHumanApprovalPending}, nil
		}

		if in.Config.Memory.CompactionEnabled && turns >= in.Config.Memory.CompactionTurnThreshold && in.Config.Memory.CompactionTurnThreshold > 0 {
			r.compact(ctx, in, conversation, rec)
		}
	}
}

type turnOutcome struct {
	text        string
	toolCalls   []provider.ToolCallPart
	stopReason  provider.StopReason
	usage       provider.Usage
	terminalErr error
}

// runOneTurn opens the stream and fans it out to three concurrent
// consumers — a client relay, a tool-call/text accumulator, and the
// trace recorder — matching spec §5's concurrency model for one turn.
func (r *Runner) runOneTurn(ctx context.Context, in RunInput, p provider.Provider, systemPrompt string, conversation []provider.ChatMessage, rec *trace.Recorder) turnOutcome {
	events, err := p.Chat(ctx, provider.ChatParams{
		Model:     in.Config.Primary.Model,
		System:    systemPrompt,
		Messages:  conversation,
		Tools:     r.toolSpecs(in.Config.AllowedTools),
		MaxTokens: in.Config.Primary.MaxTokens,
	})
	if err != nil {
		return turnOutcome{terminalErr: err}
	}

	relayCh := make(chan provider.ChatEvent, 32)
	accumCh := make(chan provider.ChatEvent, 32)
	traceCh := make(chan provider.ChatEvent, 32)

	go func() {
		defer close(relayCh)
		defer close(accumCh)
		defer close(traceCh)
		for e := range events {
			relayCh <- e
			accumCh <- e
			traceCh <- e
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		for e := range relayCh {
			switch e.Type {
			case provider.EventContentDelta:
				r.emit(in, ClientEvent{Type: ClientContentDelta, Text: e.Text})
			case provider.EventToolUseStart:
				r.emit(in, ClientEvent{Type: ClientToolUseStart, ToolUseID: e.ToolUseID, ToolName: e.ToolName})
			case provider.EventError:
				r.emit(in, ClientEvent{Type: ClientError, Err: e.Err})
			}
		}
	}()

	var outcome turnOutcome
	var textBuf strings.Builder
	toolInputs := map[string]*strings.Builder{}
	toolNames := map[string]string{}
	var toolOrder []string

	go func() {
		defer wg.Done()
		for e := range accumCh {
			switch e.Type {
			case provider.EventContentDelta:
				textBuf.WriteString(e.Text)
			case provider.EventToolUseStart:
				toolInputs[e.ToolUseID] = &strings.Builder{}
				toolNames[e.ToolUseID] = e.ToolName
				toolOrder = append(toolOrder, e.ToolUseID)
			case provider.EventToolUseDelta:
				if b, ok := toolInputs[e.ToolUseID]; ok {
					b.WriteString(e.PartialJSON)
				}
			case provider.EventToolUseEnd:
				if b, ok := toolInputs[e.ToolUseID]; ok && len(e.ToolInput) > 0 {
					b.Reset()
					b.Write(e.ToolInput)
				}
			case provider.EventMessageEnd:
				outcome.stopReason = e.StopReason
				outcome.usage = e.Usage
			case provider.EventError:
				outcome.terminalErr = e.Err
			}
		}
	}()

	go func() {
		defer wg.Done()
		for e := range traceCh {
			switch e.Type {
			case provider.EventToolUseEnd:
				rec.Append(ctx, model.TraceEvent{Type: model.EventToolCall, Data: map[string]any{"toolCallId": e.ToolUseID, "tool": e.ToolName}})
			case provider.EventMessageEnd:
				rec.Append(ctx, model.TraceEvent{Type: model.EventLLMResponse, Data: map[string]any{
					"provider": p.Name(), "model": in.Config.Primary.Model,
					"inputTokens": e.Usage.InputTokens, "outputTokens": e.Usage.OutputTokens, "stopReason": string(e.StopReason),
				}})
			case provider.EventError:
				rec.Append(ctx, model.TraceEvent{Type: model.EventError, Data: map[string]any{"error": e.Err.Error()}})
			}
		}
	}()

	wg.Wait()

	outcome.text = textBuf.String()
	for _, id := range toolOrder {
		outcome.toolCalls = append(outcome.toolCalls, provider.ToolCallPart{
			ID: id, Name: toolNames[id], Input: []byte(toolInputs[id].String()),
		})
	}
	return outcome
}

func (r *Runner) dispatchTool(ctx context.Context, in RunInput, rec *trace.Recorder, tc provider.ToolCallPart) (toolregistry.ToolResult, error) {
	rc := toolregistry.ResolveContext{
		Context:     ctx,
		TraceID:     string(rec.TraceID()),
		Permissions: toolregistry.Permissions{AllowedTools: in.Config.AllowedTools},
		Approvals:   in.Approvals,
		OnApprovalRequested: func(toolID string, input map[string]any) {
			rec.Append(ctx, model.TraceEvent{Type: model.EventApprovalRequested, Data: map[string]any{"toolCallId": tc.ID, "tool": toolID}})
		},
		OnToolBlocked: func(toolID string, code corerr.Code, detail string) {
			eventType := model.EventToolBlocked
			if code == corerr.CodeToolNotFound {
				eventType = model.EventToolHallucination
			}
			rec.Append(ctx, model.TraceEvent{Type: eventType, Data: map[string]any{"toolCallId": tc.ID, "tool": toolID, "reason": string(code), "detail": detail}})
		},
	}

	input := tc.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	result, err := r.Tools.Resolve(tc.Name, input, rc)
	// OnToolBlocked already recorded a tool_blocked/tool_hallucination event
	// for errors raised before execute (not found/not allowed/validation/
	// approval pending); an execution failure past that point still needs
	// its own tool_result so the call is never left unresolved in the
	// trace's pairing invariant.
	if err == nil || corerr.HasCode(err, corerr.CodeToolExecutionError) {
		rec.Append(ctx, model.TraceEvent{Type: model.EventToolResult, Data: map[string]any{"toolCallId": tc.ID, "success": result.Success, "durationMs": result.DurationMs}})
		r.recordToolDispatch(tc.Name, err == nil)
	}
	return result, err
}

func resultToContent(result toolregistry.ToolResult, err error) string {
	if err != nil {
		return err.Error()
	}
	data, marshalErr := json.Marshal(result.Output)
	if marshalErr != nil {
		return result.Error
	}
	return string(data)
}

func (r *Runner) toolDescriptors(allowed []string) []promptlayer.ToolDescriptor {
	out := make([]promptlayer.ToolDescriptor, 0, len(allowed))
	for _, id := range allowed {
		tool, ok := r.Tools.Get(id)
		if !ok {
			continue
		}
		out = append(out, promptlayer.ToolDescriptor{Name: tool.Name(), Description: tool.Description()})
	}
	return out
}

// toolSpecs uses each tool's registry id as the wire name, not its
// display name, so a tool call the model echoes back resolves directly
// through Registry.Resolve without a separate name->id lookup table.
func (r *Runner) toolSpecs(allowed []string) []provider.ToolSpec {
	out := make([]provider.ToolSpec, 0, len(allowed))
	for _, id := range allowed {
		tool, ok := r.Tools.Get(id)
		if !ok {
			continue
		}
		out = append(out, provider.ToolSpec{Name: tool.ID(), Description: tool.Description()})
	}
	return out
}

func hitsToEntries(hits []memory.Hit) []model.MemoryEntry {
	out := make([]model.MemoryEntry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Entry)
	}
	return out
}

// bindFailoverTrace arms p's OnFailover hook (if p is a *provider.Failover)
// to append a failover TraceEvent to rec whenever it substitutes a
// fallback provider. r.Resolve builds a fresh Failover per call, so this
// must be rebound against each run's own Recorder rather than set once at
// construction.
func (r *Runner) bindFailoverTrace(p provider.Provider, ctx context.Context, rec *trace.Recorder) {
	fo, ok := p.(*provider.Failover)
	if !ok {
		return
	}
	fo.OnFailover = func(ev provider.FailoverEvent) {
		rec.Append(ctx, model.TraceEvent{Type: model.EventFailover, Data: map[string]any{
			"fromProvider": ev.FromProvider,
			"toProvider":   ev.ToProvider,
			"reason":       string(ev.Reason),
		}})
		if r.Metrics != nil {
			r.Metrics.RecordFailover(ev.FromProvider, ev.ToProvider, string(ev.Reason))
		}
	}
}

func terminalForVeto(err error) model.TraceStatus {
	switch corerr.CodeOf(err) {
	case corerr.CodeDailyBudgetExceeded, corerr.CodeMonthlyBudgetExceeded, corerr.CodeRPMExceeded, corerr.CodeRPHExceeded:
		return model.TraceBudgetExceeded
	default:
		return model.TraceFailed
	}
}

// buildConversation assembles the system prompt plus pruned history plus
// the new user message, applying the project's pruning strategy (spec
// §4.6 step 2).
func (r *Runner) buildConversation(in RunInput, p provider.Provider) []provider.ChatMessage {
	history := toCompactionMessages(in.History)

	switch in.Config.Memory.PruningStrategy {
	case model.PruningTokenBased:
		contextWindow := compaction.ResolveContextWindowTokens(p.GetContextWindow(), compaction.DefaultContextWindow)
		pruned := compaction.PruneHistoryForContextShare(history, contextWindow, compaction.BaseChunkRatio, compaction.DefaultParts)
		history = pruned.Messages
	default: // turn-based
		maxTurns := in.Config.Memory.MaxTurnsInContext
		if maxTurns > 0 && len(history) > maxTurns*2 {
			history = history[len(history)-maxTurns*2:]
		}
	}

	conversation := make([]provider.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		conversation = append(conversation, provider.ChatMessage{Role: roleFromCompaction(m.Role), Content: m.Content})
	}
	conversation = append(conversation, provider.ChatMessage{Role: provider.RoleUser, Content: in.UserMessage})

	return conversation
}

func toCompactionMessages(messages []model.Message) []*compaction.Message {
	out := make([]*compaction.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, &compaction.Message{
			Role:      string(m.Role),
			Content:   m.Content,
			Timestamp: m.CreatedAt.Unix(),
			ID:        string(m.ID),
		})
	}
	return out
}

func roleFromCompaction(role string) provider.Role {
	switch model.MessageRole(role) {
	case model.RoleAssistant:
		return provider.RoleAssistant
	case model.RoleTool:
		return provider.RoleTool
	case model.RoleSystem:
		return provider.RoleSystem
	default:
		return provider.RoleUser
	}
}

// runnerSummarizer adapts a Provider into compaction.Summarizer by
// draining a non-streaming-style Chat call into one string.
type runnerSummarizer struct {
	provider provider.Provider
	model    string
}

func (s *runnerSummarizer) GenerateSummary(ctx context.Context, messages []*compaction.Message, config *compaction.SummarizationConfig) (string, error) {
	var convo []provider.ChatMessage
	for _, m := range messages {
		convo = append(convo, provider.ChatMessage{Role: roleFromCompaction(m.Role), Content: m.Content})
	}
	convo = append(convo, provider.ChatMessage{Role: provider.RoleUser, Content: "Summarize the conversation above in a few sentences, preserving facts and decisions."})

	events, err := s.provider.Chat(ctx, provider.ChatParams{Model: s.model, Messages: convo, MaxTokens: 512})
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for e := range events {
		if e.Type == provider.EventContentDelta {
			text.WriteString(e.Text)
		}
		if e.Type == provider.EventError {
			return "", e.Err
		}
	}
	return text.String(), nil
}

// compact folds the run's history into one memory entry once the turn
// count crosses the project's compaction threshold (spec §4.6 step 7).
func (r *Runner) compact(ctx context.Context, in RunInput, conversation []provider.ChatMessage, rec *trace.Recorder) {
	p, err := r.Resolve(in.Config.Primary)
	if err != nil {
		return
	}
	r.bindFailoverTrace(p, ctx, rec)
	msgs := make([]*compaction.Message, 0, len(conversation))
	for _, m := range conversation {
		msgs = append(msgs, &compaction.Message{Role: string(m.Role), Content: m.Content})
	}

	summarizer := &runnerSummarizer{provider: p, model: in.Config.Primary.Model}
	summary, err := compaction.SummarizeWithFallback(ctx, msgs, summarizer, compaction.DefaultSummarizationConfig())
	if err != nil {
		return
	}

	entry := model.MemoryEntry{
		ID:         string(ids.NewTraceId()),
		ProjectID:  in.ProjectID,
		Category:   "conversation_summary",
		Content:    summary,
		Importance: 0.6,
		CreatedAt:  time.Now(),
	}
	r.Memory.StoreEntry(entry)
	rec.Append(ctx, model.TraceEvent{Type: model.EventCompaction, Data: map[string]any{"summaryLength": len(summary)}})
}

func (r *Runner) finalize(in RunInput, rec *trace.Recorder, finished model.ExecutionTrace, text string, turns int) RunOutput {
	traceID := finished.ID
	msg := &model.Message{
		ID:        ids.NewMessageId(),
		SessionID: in.SessionID,
		Role:      model.RoleAssistant,
		Content:   text,
		TraceID:   &traceID,
		CreatedAt: time.Now(),
	}
	return RunOutput{AssistantMessage: msg, Trace: finished, Terminal: model.TraceCompleted}
}

// Package provider implements the LLM Provider abstraction of spec
// §4.5: a uniform Chat/CountTokens/GetContextWindow/SupportsToolUse
// contract plus a ChatEvent tagged variant that every backend streams
// through, so the Agent Runner never branches on vendor SDK types.
// The per-backend adapters (Anthropic, OpenAI) and the failover
// orchestrator share this one ChatEvent variant rather than each
// exposing its own vendor-shaped completion type.
package provider

import (
	"context"
)

// Role mirrors model.MessageRole without importing internal/model, so
// this package stays a leaf the Agent Runner depends on, not the
// reverse.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolResultPart is one tool result attached to a message in the
// conversation being replayed to the model.
type ToolResultPart struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// ToolCallPart is one tool call the assistant previously made, replayed
// back into the conversation so the model has its own history.
type ToolCallPart struct {
	ID    string
	Name  string
	Input []byte // raw JSON
}

// ChatMessage is one turn of conversation handed to Chat.
type ChatMessage struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCallPart
	ToolResults []ToolResultPart
}

// ToolSpec is the provider-agnostic shape of a tool definition; callers
// build this from internal/toolregistry.ExecutableTool.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any // decoded JSON schema document
}

// ChatParams carries one Chat call's parameters.
type ChatParams struct {
	Model     string
	System    string
	Messages  []ChatMessage
	Tools     []ToolSpec
	MaxTokens int
}

// StopReason enumerates why a model stream ended, per spec §4.5.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Usage is the token accounting delivered with message_end.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// EventType discriminates ChatEvent's cases.
type EventType string

const (
	EventContentDelta EventType = "content_delta"
	EventToolUseStart EventType = "tool_use_start"
	EventToolUseDelta EventType = "tool_use_delta"
	EventToolUseEnd   EventType = "tool_use_end"
	EventMessageStart EventType = "message_start"
	EventMessageEnd   EventType = "message_end"
	EventError        EventType = "error"
)

// ChatEvent is the tagged variant every provider streams. Exactly one
// field group is meaningful per Type; the stream is finite,
// single-consumer, and emits exactly one message_end on success.
type ChatEvent struct {
	Type EventType

	// content_delta
	Text string

	// tool_use_start / tool_use_delta / tool_use_end
	ToolUseID    string
	ToolName     string
	PartialJSON  string // tool_use_delta
	ToolInput    []byte // tool_use_end, full accumulated JSON

	// message_start
	MessageID string

	// message_end
	StopReason StopReason
	Usage      Usage

	// error
	Err error
}

// Provider is the LLM Provider abstraction of spec §4.5.
type Provider interface {
	// Name identifies the provider for routing, logging, and failover
	// bookkeeping (e.g. "anthropic", "openai").
	Name() string

	// Chat streams a completion as a finite sequence of ChatEvent. The
	// returned channel is closed after the terminal event
	// (message_end or error) is sent.
	Chat(ctx context.Context, params ChatParams) (<-chan ChatEvent, error)

	// CountTokens estimates the token cost of messages, used by the
	// runner's pruning and cost-guard precheck.
	CountTokens(messages []ChatMessage) int

	// GetContextWindow returns the model's maximum context size in
	// tokens.
	GetContextWindow() int

	// SupportsToolUse reports whether this provider can be given
	// tools at all.
	SupportsToolUse() bool

	// FormatTools renders tools into this provider's wire shape, for
	// callers that need to inspect or log the exact payload sent.
	FormatTools(tools []ToolSpec) any

	// FormatToolResult renders one tool result into this provider's
	// wire shape for replay into the next Chat call.
	FormatToolResult(toolUseID string, content string, isError bool) any
}

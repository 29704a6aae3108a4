package model

import (
	"time"

	"github.com/nexuscore/core/internal/ids"
)

// PromptLayerType names one of the three layers a project must keep
// exactly one active version of.
type PromptLayerType string

const (
	LayerIdentity     PromptLayerType = "identity"
	LayerInstructions PromptLayerType = "instructions"
	LayerSafety       PromptLayerType = "safety"
)

// PromptLayer is one versioned row of project prompt content. Activating
// a new version atomically deactivates the previous one for the same
// (ProjectID, LayerType) — see internal/promptlayer for the swap.
type PromptLayer struct {
	ID           ids.PromptLayerId `json:"id"`
	ProjectID    ids.ProjectId     `json:"projectId"`
	LayerType    PromptLayerType   `json:"layerType"`
	Version      int               `json:"version"`
	Content      string            `json:"content"`
	IsActive     bool              `json:"isActive"`
	CreatedBy    string            `json:"createdBy"`
	ChangeReason string            `json:"changeReason,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// PromptSnapshot uniquely identifies the assembled prompt for a run: the
// three active layer ids/versions plus a digest of the runtime-generated
// sections, so two runs with identical snapshots assemble to the same
// system prompt string (spec §8 property 4).
type PromptSnapshot struct {
	IdentityLayerID     ids.PromptLayerId `json:"identityLayerId"`
	IdentityVersion     int               `json:"identityVersion"`
	InstructionsLayerID ids.PromptLayerId `json:"instructionsLayerId"`
	InstructionsVersion int               `json:"instructionsVersion"`
	SafetyLayerID       ids.PromptLayerId `json:"safetyLayerId"`
	SafetyVersion       int               `json:"safetyVersion"`
	ToolsSectionSHA256  string            `json:"toolsSectionSha256"`
	ContextSectionSHA256 string           `json:"contextSectionSha256"`
}

// TraceStatus is the terminal (or running) state of an ExecutionTrace.
// These map 1:1 to the Agent Runner's terminal states in spec §4.6.
type TraceStatus string

const (
	TraceRunning               TraceStatus = "running"
	TraceCompleted             TraceStatus = "completed"
	TraceFailed                TraceStatus = "failed"
	TraceBudgetExceeded        TraceStatus = "budget_exceeded"
	TraceMaxTurns              TraceStatus = "max_turns"
	TraceHumanApprovalPending  TraceStatus = "human_approval_pending"
	TraceAborted               TraceStatus = "aborted"
)

// TraceEventType enumerates the stable audit event kinds (spec §6: "new
// types backward compatible, renaming is not").
type TraceEventType string

const (
	EventLLMRequest        TraceEventType = "llm_request"
	EventLLMResponse       TraceEventType = "llm_response"
	EventToolCall          TraceEventType = "tool_call"
	EventToolResult        TraceEventType = "tool_result"
	EventToolBlocked       TraceEventType = "tool_blocked"
	EventToolHallucination TraceEventType = "tool_hallucination"
	EventApprovalRequested TraceEventType = "approval_requested"
	EventApprovalResolved  TraceEventType = "approval_resolved"
	EventMemoryRetrieval   TraceEventType = "memory_retrieval"
	EventMemoryStore       TraceEventType = "memory_store"
	EventCompaction        TraceEventType = "compaction"
	EventError             TraceEventType = "error"
	EventCostCheck         TraceEventType = "cost_check"
	EventCostAlert         TraceEventType = "cost_alert"
	EventFailover          TraceEventType = "failover"
)

// TraceEvent is one append-only entry in an ExecutionTrace.
type TraceEvent struct {
	ID            string         `json:"id"`
	TraceID       ids.TraceId    `json:"traceId"`
	Type          TraceEventType `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	DurationMs    *int64         `json:"durationMs,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	ParentEventID string         `json:"parentEventId,omitempty"`
}

// ExecutionTrace is the audit record of one agent run: append-only while
// Status == TraceRunning, immutable after Flush.
type ExecutionTrace struct {
	ID               ids.TraceId    `json:"id"`
	ProjectID        ids.ProjectId  `json:"projectId"`
	SessionID        ids.SessionId  `json:"sessionId"`
	PromptSnapshot   PromptSnapshot `json:"promptSnapshot"`
	Events           []TraceEvent   `json:"events"`
	TotalDurationMs  int64          `json:"totalDurationMs"`
	TotalTokensUsed  int64          `json:"totalTokensUsed"`
	TotalCostUSD     float64        `json:"totalCostUSD"`
	TurnCount        int            `json:"turnCount"`
	Status           TraceStatus    `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// UsageRecord is one billable LLM call, independent of the trace that
// produced it (usable for billing rollups even if a trace is pruned).
type UsageRecord struct {
	ID               ids.UsageRecordId `json:"id"`
	ProjectID        ids.ProjectId     `json:"projectId"`
	SessionID        ids.SessionId     `json:"sessionId"`
	TraceID          ids.TraceId       `json:"traceId"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	InputTokens      int64             `json:"inputTokens"`
	OutputTokens     int64             `json:"outputTokens"`
	CacheReadTokens  int64             `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64             `json:"cacheWriteTokens,omitempty"`
	CostUSD          float64           `json:"costUsd"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Secret is a per-project encrypted credential. Plaintext lives only in
// the caller's stack frame between Decrypt and use — never in this
// struct, a log, or an error (see internal/secrets).
type Secret struct {
	ID             ids.SecretId  `json:"id"`
	ProjectID      ids.ProjectId `json:"projectId"`
	Key            string        `json:"key"`
	EncryptedValue string        `json:"encryptedValue"` // hex
	IV             string        `json:"iv"`              // hex
	AuthTag        string        `json:"authTag"`          // hex
	Description    string        `json:"description,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// ApprovalStatus is the terminal (or pending) state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest gates a tool call requiring human sign-off.
type ApprovalRequest struct {
	ID          ids.ApprovalId `json:"id"`
	ProjectID   ids.ProjectId  `json:"projectId"`
	SessionID   ids.SessionId  `json:"sessionId"`
	TraceID     ids.TraceId    `json:"traceId"`
	ToolID      string         `json:"toolId"`
	Input       []byte         `json:"input"`
	Status      ApprovalStatus `json:"status"`
	RequestedAt time.Time      `json:"requestedAt"`
	ResolvedAt  *time.Time     `json:"resolvedAt,omitempty"`
	ResolvedBy  string         `json:"resolvedBy,omitempty"`
}

// AgentMessage is one inter-agent comms envelope.
type AgentMessage struct {
	ID         string         `json:"id"`
	FromAgentID ids.AgentId   `json:"fromAgentId"`
	ToAgentID  ids.AgentId    `json:"toAgentId"`
	Content    string         `json:"content"`
	Context    map[string]any `json:"context,omitempty"`
	ReplyToID  string         `json:"replyToId,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// MemoryEntry is one stored long-term-memory item, retrieved by cosine
// similarity against a live query embedding (spec §4.4). The embedding
// store itself is consumed through internal/memory's retrieval contract,
// not implemented here as a vector index (explicit Non-goal).
type MemoryEntry struct {
	ID             string         `json:"id"`
	ProjectID      ids.ProjectId  `json:"projectId"`
	Category       string         `json:"category"`
	Content        string         `json:"content"`
	Embedding      []float32      `json:"embedding"`
	Importance     float64        `json:"importance"` // 0..1
	AccessCount    int64          `json:"accessCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Package model holds the data model shared across Nexus Core: projects,
// sessions, messages, traces, usage, secrets, approvals, and memory
// entries. The SQL schema and object-relational layer that persists these
// types are external collaborators (see spec §1); this package only
// defines the shapes and the small amount of domain logic that travels
// with them (e.g. ownership invariants, terminal-state checks).
package model

import (
	"time"

	"github.com/nexuscore/core/internal/ids"
)

// ProjectStatus is the lifecycle state of a Project.
type ProjectStatus string

const (
	ProjectActive  ProjectStatus = "active"
	ProjectPaused  ProjectStatus = "paused"
	ProjectDeleted ProjectStatus = "deleted"
)

// PruningStrategy controls how the Agent Runner trims conversation
// history before a turn.
type PruningStrategy string

const (
	PruningTurnBased  PruningStrategy = "turn-based"
	PruningTokenBased PruningStrategy = "token-based"
)

// ProviderKind names a supported LLM backend.
type ProviderKind string

const (
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderOpenAI    ProviderKind = "openai"
)

// ProviderSpec configures one LLM backend (primary or fallback).
type ProviderSpec struct {
	Provider    ProviderKind `json:"provider" yaml:"provider"`
	Model       string       `json:"model" yaml:"model"`
	Temperature float64      `json:"temperature" yaml:"temperature"`
	MaxTokens   int          `json:"maxOutputTokens" yaml:"max_output_tokens"`
	APIKeyEnv   string       `json:"apiKeyEnv" yaml:"api_key_env"`
	BaseURL     string       `json:"baseUrl,omitempty" yaml:"base_url,omitempty"`
}

// FailoverPolicy controls when the Agent Runner substitutes the fallback
// provider for the primary.
type FailoverPolicy struct {
	OnRateLimit  bool          `json:"onRateLimit" yaml:"on_rate_limit"`
	OnServerErr  bool          `json:"onServerError" yaml:"on_server_error"`
	OnTimeout    bool          `json:"onTimeout" yaml:"on_timeout"`
	TimeoutMs    int           `json:"timeoutMs" yaml:"timeout_ms"`
	MaxRetries   int           `json:"maxRetries" yaml:"max_retries"`
}

// Timeout returns the configured per-call network timeout, defaulting to
// 30s when unset.
func (f FailoverPolicy) Timeout() time.Duration {
	if f.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(f.TimeoutMs) * time.Millisecond
}

// MemoryConfig controls the Memory Manager's behavior for a project.
type MemoryConfig struct {
	Enabled          bool            `json:"longTermEnabled" yaml:"long_term_enabled"`
	TopK             int             `json:"topK" yaml:"top_k"`
	DecayHalfLifeDays float64        `json:"decayHalfLifeDays" yaml:"decay_half_life_days"`
	PruningStrategy  PruningStrategy `json:"pruningStrategy" yaml:"pruning_strategy"`
	MaxTurnsInContext int            `json:"maxTurnsInContext" yaml:"max_turns_in_context"`
	CompactionEnabled bool           `json:"compactionEnabled" yaml:"compaction_enabled"`
	CompactionTurnThreshold int      `json:"compactionTurnThreshold" yaml:"compaction_turn_threshold"`
}

// CostConfig is the Cost Guard's per-project budget and rate-limit policy.
type CostConfig struct {
	DailyBudgetUSD      float64 `json:"dailyBudgetUSD" yaml:"daily_budget_usd"`
	MonthlyBudgetUSD    float64 `json:"monthlyBudgetUSD" yaml:"monthly_budget_usd"`
	MaxTokensPerTurn    int     `json:"maxTokensPerTurn" yaml:"max_tokens_per_turn"`
	MaxTurnsPerSession  int     `json:"maxTurnsPerSession" yaml:"max_turns_per_session"`
	MaxToolCallsPerTurn int     `json:"maxToolCallsPerTurn" yaml:"max_tool_calls_per_turn"`
	AlertThresholdPercent float64 `json:"alertThresholdPercent" yaml:"alert_threshold_percent"`
	HardLimitPercent    float64 `json:"hardLimitPercent" yaml:"hard_limit_percent"`
	MaxRequestsPerMinute int    `json:"maxRequestsPerMinute" yaml:"max_requests_per_minute"`
	MaxRequestsPerHour   int    `json:"maxRequestsPerHour" yaml:"max_requests_per_hour"`
}

// AgentConfig is embedded in Project; it is the full policy surface the
// Agent Runner, Cost Guard, and Memory Manager consult for a run.
type AgentConfig struct {
	Primary      ProviderSpec   `json:"primary" yaml:"primary"`
	Fallback     *ProviderSpec  `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Failover     FailoverPolicy `json:"failover" yaml:"failover"`
	Memory       MemoryConfig   `json:"memory" yaml:"memory"`
	Cost         CostConfig     `json:"cost" yaml:"cost"`
	AllowedTools []string       `json:"allowedTools" yaml:"allowed_tools"`
}

// Project is the multi-tenant root. It owns PromptLayers, Sessions,
// Secrets, MemoryEntries, and Agents (by reference, not embedding).
type Project struct {
	ID          ids.ProjectId `json:"id"`
	Name        string        `json:"name"`
	Environment string        `json:"environment"`
	Owner       string        `json:"owner"`
	Tags        []string      `json:"tags,omitempty"`
	Config      AgentConfig   `json:"config"`
	Status      ProjectStatus `json:"status"`
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
	SessionExpired   SessionStatus = "expired"
)

// SessionMetadata carries the channel context a session was opened from.
type SessionMetadata struct {
	Channel   string      `json:"channel,omitempty"`
	ContactID string      `json:"contactId,omitempty"`
	AgentID   ids.AgentId `json:"agentId,omitempty"`
}

// Session owns an ordered sequence of Messages.
type Session struct {
	ID        ids.SessionId   `json:"id"`
	ProjectID ids.ProjectId   `json:"projectId"`
	Status    SessionStatus   `json:"status"`
	Metadata  SessionMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// MessageRole is who produced a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
	RoleSystem    MessageRole = "system"
)

// ToolCall is one reconstructed tool invocation requested by the model.
type ToolCall struct {
	ID    ids.ToolCallId `json:"id"`
	Name  string         `json:"name"`
	Input []byte         `json:"input"` // raw JSON
}

// TurnUsage is the token/cost accounting for a single LLM response.
type TurnUsage struct {
	InputTokens      int64   `json:"inputTokens"`
	OutputTokens     int64   `json:"outputTokens"`
	CacheReadTokens  int64   `json:"cacheReadTokens,omitempty"`
	CacheWriteTokens int64   `json:"cacheWriteTokens,omitempty"`
	CostUSD          float64 `json:"costUsd"`
}

// Message is one entry in a Session's ordered history. Only the outermost
// user/assistant pair of a turn is persisted as a Message — intermediate
// tool-result messages live only in the in-memory conversation the Agent
// Runner assembles for the LLM (spec §4.6 step 5).
type Message struct {
	ID        ids.MessageId  `json:"id"`
	SessionID ids.SessionId  `json:"sessionId"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ToolCall     `json:"toolCalls,omitempty"`
	Usage     *TurnUsage     `json:"usage,omitempty"`
	TraceID   *ids.TraceId   `json:"traceId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

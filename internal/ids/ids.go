// Package ids defines branded identifier types for Nexus Core. Each kind
// is a distinct Go type over string so a ProjectId can never be passed
// where a SessionId is expected without an explicit conversion — the
// compiler enforces that the two are never confused.
package ids

import "github.com/google/uuid"

// ProjectId identifies a Project.
type ProjectId string

// SessionId identifies a Session.
type SessionId string

// TraceId identifies an ExecutionTrace.
type TraceId string

// MessageId identifies a Message.
type MessageId string

// ToolCallId identifies a single tool invocation within a turn.
type ToolCallId string

// ApprovalId identifies an ApprovalRequest.
type ApprovalId string

// PromptLayerId identifies a PromptLayer row.
type PromptLayerId string

// AgentId identifies an agent (for inter-agent comms and task ownership).
type AgentId string

// UsageRecordId identifies a UsageRecord.
type UsageRecordId string

// SecretId identifies a Secret row.
type SecretId string

// JobId identifies a proactive-message queue job.
type JobId string

// TaskId identifies a ScheduledTask.
type TaskId string

func newID() string { return uuid.NewString() }

// NewProjectId mints a fresh ProjectId.
func NewProjectId() ProjectId { return ProjectId(newID()) }

// NewSessionId mints a fresh SessionId.
func NewSessionId() SessionId { return SessionId(newID()) }

// NewTraceId mints a fresh TraceId.
func NewTraceId() TraceId { return TraceId(newID()) }

// NewMessageId mints a fresh MessageId.
func NewMessageId() MessageId { return MessageId(newID()) }

// NewToolCallId mints a fresh ToolCallId.
func NewToolCallId() ToolCallId { return ToolCallId(newID()) }

// NewApprovalId mints a fresh ApprovalId.
func NewApprovalId() ApprovalId { return ApprovalId(newID()) }

// NewPromptLayerId mints a fresh PromptLayerId.
func NewPromptLayerId() PromptLayerId { return PromptLayerId(newID()) }

// NewAgentId mints a fresh AgentId.
func NewAgentId() AgentId { return AgentId(newID()) }

// NewUsageRecordId mints a fresh UsageRecordId.
func NewUsageRecordId() UsageRecordId { return UsageRecordId(newID()) }

// NewSecretId mints a fresh SecretId.
func NewSecretId() SecretId { return SecretId(newID()) }

// NewJobId mints a fresh JobId.
func NewJobId() JobId { return JobId(newID()) }

// NewTaskId mints a fresh TaskId.
func NewTaskId() TaskId { return TaskId(newID()) }

package tasks

import (
	"context"
	"time"

	"github.com/nexuscore/core/internal/agentrunner"
	"github.com/nexuscore/core/internal/corerr"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/model"
)

// ConfigResolver looks up the project and agent policy a scheduled task
// runs under, keyed by ScheduledTask.AgentID.
type ConfigResolver func(agentID string) (ids.ProjectId, model.AgentConfig, error)

// MessagePersister is notified of the user/assistant message pair
// produced by one task execution, so a caller can append them to
// whatever session history store it keeps. May be nil.
type MessagePersister func(sessionID ids.SessionId, userMessage, assistantMessage model.Message)

// RunnerAdapter implements Executor by driving the Agent Runner — the
// Scheduled Task Executor of spec §4.9. It opens a synthetic session
// per execution unless the task pins one, runs exactly one turn loop
// through the same Agent Runner interactive sessions use, and turns
// the RunOutput back into the (response, error) shape Executor wants.
type RunnerAdapter struct {
	Runner  *agentrunner.Runner
	Configs ConfigResolver
	Persist MessagePersister
	now     func() time.Time
}

// NewRunnerAdapter builds a RunnerAdapter. persist may be nil when the
// caller has nowhere to store history (e.g. fire-and-forget tasks).
func NewRunnerAdapter(runner *agentrunner.Runner, configs ConfigResolver, persist MessagePersister) *RunnerAdapter {
	return &RunnerAdapter{Runner: runner, Configs: configs, Persist: persist, now: time.Now}
}

// Execute satisfies tasks.Executor. The scheduler already wraps ctx
// with task.Config.Timeout before calling this.
func (a *RunnerAdapter) Execute(ctx context.Context, task *ScheduledTask, exec *TaskExecution) (string, error) {
	project, cfg, err := a.Configs(task.AgentID)
	if err != nil {
		return "", corerr.Wrap(corerr.CodeNotFound, err)
	}

	if task.Config.Model != "" {
		cfg.Primary.Model = task.Config.Model
	}

	sessionID := ids.NewSessionId()
	if task.Config.SessionID != "" {
		sessionID = ids.SessionId(task.Config.SessionID)
	}
	exec.SessionID = string(sessionID)

	prompt := task.Prompt
	if prompt == "" {
		return "", corerr.New(corerr.CodeValidation, "scheduled task has no prompt: "+task.ID)
	}

	userMsg := model.Message{
		ID:        ids.NewMessageId(),
		SessionID: sessionID,
		Role:      model.RoleUser,
		Content:   prompt,
		CreatedAt: a.now(),
	}

	out, err := a.Runner.Run(ctx, agentrunner.RunInput{
		ProjectID:   project,
		SessionID:   sessionID,
		Config:      cfg,
		UserMessage: prompt,
	})
	if err != nil {
		return "", err
	}

	if out.Terminal != model.TraceCompleted {
		return "", corerr.Newf(corerr.CodeInternal,
			"task %s ended with status %s instead of completing", task.ID, out.Terminal)
	}
	if out.AssistantMessage == nil {
		return "", corerr.New(corerr.CodeInternal, "agent run completed without an assistant message")
	}

	if a.Persist != nil {
		a.Persist(sessionID, userMsg, *out.AssistantMessage)
	}

	return out.AssistantMessage.Content, nil
}

var _ Executor = (*RunnerAdapter)(nil)

// NewTaskRunFromExecution summarizes a finished TaskExecution into the
// spec §4.9 TaskRun shape for callers that persist a flatter run
// record than the scheduler's own TaskExecution.
func NewTaskRunFromExecution(exec *TaskExecution) TaskRun {
	run := TaskRun{
		TaskID:      exec.TaskID,
		ExecutionID: exec.ID,
		SessionID:   exec.SessionID,
		Success:     exec.Status == ExecutionStatusSucceeded,
	}
	if exec.Error != "" {
		run.ErrorMessage = &exec.Error
	}
	return run
}

// TaskRun is the compact execution summary named in spec §4.9:
// success, the trace it produced (if any), tokens/cost used, and an
// error message when it failed.
type TaskRun struct {
	TaskID       string
	ExecutionID  string
	SessionID    string
	TraceID      *string
	TokensUsed   int
	CostUSD      float64
	Success      bool
	ErrorMessage *string
}

package tasks

import (
	"context"
	"testing"

	"github.com/nexuscore/core/internal/agentrunner"
	"github.com/nexuscore/core/internal/costguard"
	"github.com/nexuscore/core/internal/ids"
	"github.com/nexuscore/core/internal/memory"
	"github.com/nexuscore/core/internal/model"
	"github.com/nexuscore/core/internal/promptlayer"
	"github.com/nexuscore/core/internal/provider"
	"github.com/nexuscore/core/internal/toolregistry"
	"github.com/nexuscore/core/internal/usage"
)

// fakeTaskProvider replays a single end_turn batch, enough to drive the
// Agent Runner to completion without a real model.
type fakeTaskProvider struct{ calls int }

func (f *fakeTaskProvider) Chat(ctx context.Context, params provider.ChatParams) (<-chan provider.ChatEvent, error) {
	f.calls++
	ch := make(chan provider.ChatEvent, 2)
	ch <- provider.ChatEvent{Type: provider.EventContentDelta, Text: "task done"}
	ch <- provider.ChatEvent{Type: provider.EventMessageEnd, StopReason: provider.StopEndTurn, Usage: provider.Usage{InputTokens: 5, OutputTokens: 3}}
	close(ch)
	return ch, nil
}

func (f *fakeTaskProvider) Name() string                                     { return "anthropic" }
func (f *fakeTaskProvider) CountTokens(messages []provider.ChatMessage) int   { return len(messages) * 10 }
func (f *fakeTaskProvider) GetContextWindow() int                            { return 100000 }
func (f *fakeTaskProvider) SupportsToolUse() bool                            { return true }
func (f *fakeTaskProvider) FormatTools(tools []provider.ToolSpec) any        { return tools }
func (f *fakeTaskProvider) FormatToolResult(id, content string, isError bool) any { return content }

func newTestRunnerAdapter(t *testing.T) (*RunnerAdapter, ids.ProjectId, *fakeTaskProvider) {
	t.Helper()
	p := &fakeTaskProvider{}
	tools := toolregistry.New()
	prompts := promptlayer.New()
	mem := memory.New(false, memory.DecayConfig{})
	cost := costguard.New(usage.NewSpendStore(), nil)

	project := ids.NewProjectId()
	prompts.Activate(&model.PromptLayer{ID: "identity-v1", ProjectID: project, LayerType: model.LayerIdentity, Version: 1, Content: "You are a helper."})

	runner := agentrunner.New(tools, prompts, mem, cost, func(spec model.ProviderSpec) (provider.Provider, error) {
		return p, nil
	})

	configs := func(agentID string) (ids.ProjectId, model.AgentConfig, error) {
		return project, model.AgentConfig{
			Primary: model.ProviderSpec{Provider: model.ProviderAnthropic, Model: "claude-3-haiku-20240307"},
			Cost:    model.CostConfig{MaxTurnsPerSession: 10},
		}, nil
	}

	return NewRunnerAdapter(runner, configs, nil), project, p
}

func TestRunnerAdapterExecuteReturnsAssistantContent(t *testing.T) {
	adapter, _, p := newTestRunnerAdapter(t)

	task := &ScheduledTask{ID: "task-1", AgentID: "agent-1", Prompt: "run the daily report"}
	exec := &TaskExecution{ID: "exec-1", TaskID: task.ID}

	response, err := adapter.Execute(context.Background(), task, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response != "task done" {
		t.Errorf("expected %q, got %q", "task done", response)
	}
	if p.calls != 1 {
		t.Errorf("expected provider to be called once, got %d", p.calls)
	}
	if exec.SessionID == "" {
		t.Error("expected exec.SessionID to be populated")
	}
}

func TestRunnerAdapterExecuteFailsWithEmptyPrompt(t *testing.T) {
	adapter, _, _ := newTestRunnerAdapter(t)

	task := &ScheduledTask{ID: "task-1", AgentID: "agent-1", Prompt: ""}
	exec := &TaskExecution{ID: "exec-1", TaskID: task.ID}

	_, err := adapter.Execute(context.Background(), task, exec)
	if err == nil {
		t.Fatal("expected an error for an empty prompt")
	}
}

func TestRunnerAdapterExecutePersistsMessagesWhenConfigured(t *testing.T) {
	p := &fakeTaskProvider{}
	tools := toolregistry.New()
	prompts := promptlayer.New()
	mem := memory.New(false, memory.DecayConfig{})
	cost := costguard.New(usage.NewSpendStore(), nil)
	project := ids.NewProjectId()
	prompts.Activate(&model.PromptLayer{ID: "identity-v1", ProjectID: project, LayerType: model.LayerIdentity, Version: 1, Content: "You are a helper."})

	runner := agentrunner.New(tools, prompts, mem, cost, func(spec model.ProviderSpec) (provider.Provider, error) {
		return p, nil
	})

	var persistedSession ids.SessionId
	var persistedAssistant model.Message
	persist := func(sessionID ids.SessionId, userMessage, assistantMessage model.Message) {
		persistedSession = sessionID
		persistedAssistant = assistantMessage
	}

	configs := func(agentID string) (ids.ProjectId, model.AgentConfig, error) {
		return project, model.AgentConfig{
			Primary: model.ProviderSpec{Provider: model.ProviderAnthropic, Model: "claude-3-haiku-20240307"},
			Cost:    model.CostConfig{MaxTurnsPerSession: 10},
		}, nil
	}

	adapter := NewRunnerAdapter(runner, configs, persist)

	task := &ScheduledTask{ID: "task-1", AgentID: "agent-1", Prompt: "do the thing"}
	exec := &TaskExecution{ID: "exec-1", TaskID: task.ID}

	if _, err := adapter.Execute(context.Background(), task, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if persistedSession == "" {
		t.Error("expected persist callback to receive a session id")
	}
	if persistedAssistant.Content != "task done" {
		t.Errorf("expected persisted assistant content %q, got %q", "task done", persistedAssistant.Content)
	}
}

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

var knownOpenAIContextWindows = map[string]int{
	"gpt-4o":        128000,
	"gpt-4-turbo":   128000,
	"gpt-4":         8192,
	"gpt-3.5-turbo": 16385,
}

// OpenAIConfig configures an OpenAI-backed Provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// OpenAI implements Provider against OpenAI's chat completions API,
// accumulating streamed tool calls by index and mapping them onto the
// shared ChatEvent variant used across every Provider implementation.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAI builds an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "gpt-4o"
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(clientCfg), defaultModel: model}, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) SupportsToolUse() bool { return true }

func (p *OpenAI) GetContextWindow() int {
	if w, ok := knownOpenAIContextWindows[p.defaultModel]; ok {
		return w
	}
	return 128000
}

// CountTokens is a character-based estimate, matching the approximation
// used by the Anthropic adapter; an exact tiktoken count would require
// bundling the encoder tables for every model this provider might
// serve.
func (p *OpenAI) CountTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		for _, tc := range m.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / 4
		}
		for _, tr := range m.ToolResults {
			total += len(tr.Content) / 4
		}
	}
	return total
}

func (p *OpenAI) FormatTools(tools []ToolSpec) any {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func (p *OpenAI) FormatToolResult(toolUseID string, content string, isError bool) any {
	text := content
	if isError {
		text = "error: " + content
	}
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    text,
		ToolCallID: toolUseID,
	}
}

func (p *OpenAI) modelOrDefault(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func roleToOpenAI(r Role) string {
	switch r {
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case RoleTool:
		return openai.ChatMessageRoleTool
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func (p *OpenAI) convertMessages(messages []ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		for _, tr := range m.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.ToolUseID,
			})
			continue
		}
		msg := openai.ChatCompletionMessage{Role: roleToOpenAI(m.Role), Content: m.Content}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				msg.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}
		result = append(result, msg)
	}
	return result
}

func (p *OpenAI) Chat(ctx context.Context, params ChatParams) (<-chan ChatEvent, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.modelOrDefault(params.Model),
		Messages: p.convertMessages(params.Messages, params.System),
		Stream:   true,
	}
	if params.MaxTokens > 0 {
		req.MaxTokens = params.MaxTokens
	}
	if len(params.Tools) > 0 {
		req.Tools = p.FormatTools(params.Tools).([]openai.Tool)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	events := make(chan ChatEvent)
	go p.relay(stream, events)
	return events, nil
}

type pendingToolCall struct {
	id, name string
	input    string
}

func (p *OpenAI) relay(stream *openai.ChatCompletionStream, events chan<- ChatEvent) {
	defer close(events)
	defer stream.Close()

	toolCalls := make(map[int]*pendingToolCall)
	started := make(map[int]bool)
	var outputTokens int64

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.flushToolCalls(toolCalls, started, events)
				events <- ChatEvent{Type: EventMessageEnd, StopReason: StopEndTurn, Usage: Usage{OutputTokens: outputTokens}}
				return
			}
			events <- ChatEvent{Type: EventError, Err: err}
			return
		}

		if resp.ID != "" && outputTokens == 0 {
			events <- ChatEvent{Type: EventMessageStart, MessageID: resp.ID}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			outputTokens++
			events <- ChatEvent{Type: EventContentDelta, Text: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			entry, ok := toolCalls[index]
			if !ok {
				entry = &pendingToolCall{}
				toolCalls[index] = entry
			}
			if tc.ID != "" {
				entry.id = tc.ID
			}
			if tc.Function.Name != "" {
				entry.name = tc.Function.Name
			}
			if !started[index] && entry.id != "" && entry.name != "" {
				started[index] = true
				events <- ChatEvent{Type: EventToolUseStart, ToolUseID: entry.id, ToolName: entry.name}
			}
			if tc.Function.Arguments != "" {
				entry.input += tc.Function.Arguments
				events <- ChatEvent{Type: EventToolUseDelta, ToolUseID: entry.id, PartialJSON: tc.Function.Arguments}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			p.flushToolCalls(toolCalls, started, events)
			toolCalls = make(map[int]*pendingToolCall)
			started = make(map[int]bool)
			events <- ChatEvent{Type: EventMessageEnd, StopReason: StopToolUse, Usage: Usage{OutputTokens: outputTokens}}
			return
		}
		if choice.FinishReason == openai.FinishReasonLength {
			events <- ChatEvent{Type: EventMessageEnd, StopReason: StopMaxTokens, Usage: Usage{OutputTokens: outputTokens}}
			return
		}
	}
}

func (p *OpenAI) flushToolCalls(toolCalls map[int]*pendingToolCall, started map[int]bool, events chan<- ChatEvent) {
	for idx, tc := range toolCalls {
		if tc.id == "" || tc.name == "" {
			continue
		}
		raw := json.RawMessage(tc.input)
		events <- ChatEvent{Type: EventToolUseEnd, ToolUseID: tc.id, ToolName: tc.name, ToolInput: []byte(raw)}
		delete(started, idx)
	}
}

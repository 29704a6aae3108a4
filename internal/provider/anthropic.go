package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// knownAnthropicContextWindows covers the models this repo ships with;
// an unrecognized model falls back to defaultContextWindow.
var knownAnthropicContextWindows = map[string]int{
	"claude-sonnet-4-20250514":   200000,
	"claude-opus-4-20250514":     200000,
	"claude-3-5-sonnet-20241022": 200000,
	"claude-3-haiku-20240307":    200000,
}

const defaultContextWindow = 200000

// AnthropicConfig configures an Anthropic-backed Provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// Anthropic implements Provider against Anthropic's Messages API,
// mapping the SDK's streaming events onto the shared ChatEvent
// variant used across every Provider implementation.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropic builds an Anthropic provider. The API key is read once
// from cfg.APIKey (resolved by the caller from an environment variable
// named in config, per spec §4.5) and never stored in any persistent
// record by this type.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), defaultModel: model}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) SupportsToolUse() bool { return true }

func (p *Anthropic) GetContextWindow() int {
	if w, ok := knownAnthropicContextWindows[p.defaultModel]; ok {
		return w
	}
	return defaultContextWindow
}

// CountTokens is a character-based estimate (~4 chars/token) rather
// than an exact tokenizer call, which would require a network round
// trip per estimate.
func (p *Anthropic) CountTokens(messages []ChatMessage) int {
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

func (p *Anthropic) FormatTools(tools []ToolSpec) any {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{Properties: t.InputSchema["properties"]},
			t.Name,
		))
	}
	return out
}

func (p *Anthropic) FormatToolResult(toolUseID string, content string, isError bool) any {
	return anthropic.NewToolResultBlock(toolUseID, content, isError)
}

func (p *Anthropic) modelOrDefault(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *Anthropic) convertMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: invalid tool call input: %w", err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if msg.Role == RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *Anthropic) Chat(ctx context.Context, params ChatParams) (<-chan ChatEvent, error) {
	messages, err := p.convertMessages(params.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.modelOrDefault(params.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if params.System != "" {
		req.System = []anthropic.TextBlockParam{{Type: "text", Text: params.System}}
	}
	if len(params.Tools) > 0 {
		req.Tools = p.FormatTools(params.Tools).([]anthropic.ToolUnionParam)
	}

	stream := p.client.Messages.NewStreaming(ctx, req)
	events := make(chan ChatEvent)
	go p.relay(stream, events)
	return events, nil
}

func (p *Anthropic) relay(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- ChatEvent) {
	defer close(events)

	var toolUseID, toolUseName string
	var toolInput strings.Builder
	inToolUse := false
	var inputTokens, outputTokens int64

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			inputTokens = ms.Message.Usage.InputTokens
			events <- ChatEvent{Type: EventMessageStart, MessageID: ms.Message.ID}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				tu := block.AsToolUse()
				toolUseID, toolUseName = tu.ID, tu.Name
				toolInput.Reset()
				inToolUse = true
				events <- ChatEvent{Type: EventToolUseStart, ToolUseID: toolUseID, ToolName: toolUseName}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- ChatEvent{Type: EventContentDelta, Text: delta.Text}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					events <- ChatEvent{Type: EventToolUseDelta, ToolUseID: toolUseID, PartialJSON: delta.PartialJSON}
				}
			}

		case "content_block_stop":
			if inToolUse {
				events <- ChatEvent{Type: EventToolUseEnd, ToolUseID: toolUseID, ToolName: toolUseName, ToolInput: []byte(toolInput.String())}
				inToolUse = false
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = md.Usage.OutputTokens
			}

		case "message_stop":
			events <- ChatEvent{
				Type:       EventMessageEnd,
				StopReason: mapStopReason(string(event.AsMessageStop().StopReason)),
				Usage:      Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
			}
			return

		case "error":
			// Anthropic's SSE error event always signals a server-side
			// condition (overloaded, rate limited, or an api_error),
			// never a client fault, so this text is worded to classify
			// as a server error in internal/provider.classify.
			events <- ChatEvent{Type: EventError, Err: fmt.Errorf("anthropic: server error during stream")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- ChatEvent{Type: EventError, Err: err}
	}
}

func mapStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

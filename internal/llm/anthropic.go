package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens bounds a single generation step. The API
// requires an explicit limit.
const defaultAnthropicMaxTokens = 8192

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. An empty baseURL
// uses the public endpoint.
func NewAnthropicClient(apiKey, baseURL string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(streamingHTTPClient()),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: defaultAnthropicMaxTokens,
		logger:    logger.With("provider", "anthropic"),
	}
}

// Chat sends a non-streaming chat request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return collect(ctx, c, model, messages, tools)
}

// ChatStream streams a response. Text deltas are forwarded as they
// arrive; tool calls are emitted once their input is complete.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()
	system, rest := systemPrompt(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertToAnthropic(rest),
		MaxTokens: c.maxTokens,
		Tools:     convertToolsToAnthropic(tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	c.logger.Debug("anthropic request",
		"model", model, "messages", len(params.Messages), "tools", len(params.Tools))

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	msg := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate anthropic stream: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				callback.emit(StreamEvent{Kind: KindToken, Token: delta.Text})
			}
		case anthropic.ContentBlockStopEvent:
			if int(ev.Index) < len(msg.Content) {
				if tc, ok := anthropicToolCall(msg.Content[ev.Index]); ok {
					callback.emit(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp := convertFromAnthropic(&msg)
	resp.TotalDuration = time.Since(start)
	c.logger.Log(ctx, LevelTrace, "anthropic response",
		"model", resp.Model, "tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)

	callback.emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping checks that the API key is accepted.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// convertToAnthropic converts internal messages to Anthropic format.
// Consecutive tool responses are folded into one user turn, which the
// API requires after an assistant turn with several tool calls.
func convertToAnthropic(messages []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pending) > 0 {
			result = append(result, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))

		case "assistant":
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for i, tc := range msg.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Function.Name))
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.NewAssistantMessage(blocks...))
			}

		default:
			flush()
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	flush()
	return result
}

// convertToolsToAnthropic converts function-calling tool definitions to
// Anthropic tool params.
func convertToolsToAnthropic(tools []map[string]any) []anthropic.ToolUnionParam {
	defs := toolDefs(tools)
	if len(defs) == 0 {
		return nil
	}

	result := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Properties: def.Parameters["properties"],
			Required:   required(def.Parameters),
		}
		if d, ok := def.Parameters["$defs"]; ok {
			schema.ExtraFields = map[string]any{"$defs": d}
		}
		result[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			result[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return result
}

// anthropicToolCall extracts a tool call from a content block.
func anthropicToolCall(block anthropic.ContentBlockUnion) (ToolCall, bool) {
	toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
	if !ok {
		return ToolCall{}, false
	}
	args := map[string]any{}
	if len(toolUse.Input) > 0 {
		if err := json.Unmarshal(toolUse.Input, &args); err != nil {
			args = map[string]any{}
		}
	}
	return NewToolCall(toolUse.ID, toolUse.Name, args), true
}

// convertFromAnthropic converts an accumulated Anthropic message to our
// internal format.
func convertFromAnthropic(msg *anthropic.Message) *ChatResponse {
	var content string
	var toolCalls []ToolCall

	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content += text.Text
			continue
		}
		if tc, ok := anthropicToolCall(block); ok {
			toolCalls = append(toolCalls, tc)
		}
	}

	return &ChatResponse{
		Model:     string(msg.Model),
		CreatedAt: time.Now(),
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:         true,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIClient talks to the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. An empty baseURL uses the public
// OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
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
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		logger: logger.With("provider", "openai"),
	}
}

// Chat sends a non-streaming chat request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return collect(ctx, c, model, messages, tools)
}

// ChatStream streams a completion, forwarding content deltas and each
// tool call as soon as its arguments finish.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()
	params := openai.ChatCompletionNewParams{
		Messages: convertToOpenAI(messages),
		Model:    openai.ChatModel(model),
		Tools:    convertToolsToOpenAI(tools),
	}

	c.logger.Debug("openai request",
		"model", model, "messages", len(params.Messages), "tools", len(params.Tools))

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	var toolCalls []ToolCall
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			tc := NewToolCall(tool.ID, tool.Name, parseArguments(tool.Arguments))
			toolCalls = append(toolCalls, tc)
			callback.emit(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback.emit(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	var content string
	if len(acc.Choices) > 0 {
		content = acc.Choices[0].Message.Content
		// Some compatible servers end the stream without the chunk that
		// marks the last call finished.
		if calls := acc.Choices[0].Message.ToolCalls; len(calls) > len(toolCalls) {
			for _, call := range calls[len(toolCalls):] {
				tc := NewToolCall(call.ID, call.Function.Name, parseArguments(call.Function.Arguments))
				toolCalls = append(toolCalls, tc)
				callback.emit(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
			}
		}
	}
	resp := &ChatResponse{
		Model:     acc.Model,
		CreatedAt: time.Unix(acc.Created, 0),
		Message: Message{
			Role:      "assistant",
			Content:   content,
			ToolCalls: toolCalls,
		},
		Done:          true,
		InputTokens:   int(acc.Usage.PromptTokens),
		OutputTokens:  int(acc.Usage.CompletionTokens),
		TotalDuration: time.Since(start),
	}
	c.logger.Log(ctx, LevelTrace, "openai response",
		"model", resp.Model, "tool_calls", len(toolCalls), "content_len", len(content))

	callback.emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping lists models to check that the endpoint and key are usable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

// convertToOpenAI converts internal messages to chat completion params.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "assistant":
			param := openai.AssistantMessage(msg.Content)
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Function.Arguments)
				if err != nil || tc.Function.Arguments == nil {
					args = []byte("{}")
				}
				param.OfAssistant.ToolCalls = append(param.OfAssistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: string(args),
						},
					},
				})
			}
			result = append(result, param)
		case "tool":
			result = append(result, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

// convertToolsToOpenAI converts tool maps to function tool params.
func convertToolsToOpenAI(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	defs := toolDefs(tools)
	if len(defs) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolUnionParam, len(defs))
	for i, def := range defs {
		result[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        def.Name,
			Description: openai.String(def.Description),
			Parameters:  openai.FunctionParameters(def.Parameters),
		})
	}
	return result
}

// parseArguments decodes a JSON argument string. Malformed arguments
// decode to an empty object; input validation reports the problem.
func parseArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

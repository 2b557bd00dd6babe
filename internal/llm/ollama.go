package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaClient is a client for a local or remote Ollama server.
type OllamaClient struct {
	client *api.Client
	logger *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	return &OllamaClient{
		client: api.NewClient(u, streamingHTTPClient()),
		logger: logger.With("provider", "ollama"),
	}, nil
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return collect(ctx, c, model, messages, tools)
}

// ChatStream streams a response. Ollama delivers each tool call whole,
// so calls are forwarded as they appear.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := true
	req := &api.ChatRequest{
		Model:    model,
		Messages: convertToOllama(messages),
		Tools:    convertToolsToOllama(tools),
		Stream:   &stream,
	}

	c.logger.Debug("ollama request",
		"model", model, "messages", len(req.Messages), "tools", len(req.Tools))

	var content strings.Builder
	var toolCalls []ToolCall
	var final api.ChatResponse

	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			content.WriteString(resp.Message.Content)
			callback.emit(StreamEvent{Kind: KindToken, Token: resp.Message.Content})
		}
		for _, call := range resp.Message.ToolCalls {
			args := map[string]any(call.Function.Arguments)
			if args == nil {
				args = map[string]any{}
			}
			tc := NewToolCall(fmt.Sprintf("call_%s_%d", call.Function.Name, len(toolCalls)), call.Function.Name, args)
			toolCalls = append(toolCalls, tc)
			callback.emit(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
		}
		if resp.Done {
			final = resp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}

	resp := &ChatResponse{
		Model:     final.Model,
		CreatedAt: final.CreatedAt,
		Message: Message{
			Role:      "assistant",
			Content:   content.String(),
			ToolCalls: toolCalls,
		},
		Done:          true,
		InputTokens:   final.PromptEvalCount,
		OutputTokens:  final.EvalCount,
		TotalDuration: final.TotalDuration,
		LoadDuration:  final.LoadDuration,
		EvalDuration:  final.EvalDuration,
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}
	c.logger.Log(ctx, LevelTrace, "ollama response",
		"model", resp.Model, "tool_calls", len(toolCalls), "eval_count", resp.OutputTokens)

	callback.emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping checks that the Ollama server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	if err := c.client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	return nil
}

// convertToOllama converts internal messages to Ollama format.
func convertToOllama(messages []Message) []api.Message {
	result := make([]api.Message, 0, len(messages))
	for _, msg := range messages {
		m := api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "tool" {
			m.ToolName = msg.ToolName
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, api.ToolCall{
				Function: api.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: api.ToolCallFunctionArguments(tc.Function.Arguments),
				},
			})
		}
		result = append(result, m)
	}
	return result
}

// convertToolsToOllama converts tool maps to Ollama tools.
func convertToolsToOllama(tools []map[string]any) []api.Tool {
	defs := toolDefs(tools)
	if len(defs) == 0 {
		return nil
	}
	result := make([]api.Tool, 0, len(defs))
	for _, def := range defs {
		params := api.ToolFunctionParameters{
			Type:       "object",
			Required:   required(def.Parameters),
			Properties: make(map[string]api.ToolProperty),
		}
		if props, ok := def.Parameters["properties"].(map[string]any); ok {
			for name, prop := range props {
				params.Properties[name] = ollamaProperty(prop)
			}
		}
		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

// ollamaProperty converts one JSON schema property.
func ollamaProperty(v any) api.ToolProperty {
	prop := api.ToolProperty{}
	m, ok := v.(map[string]any)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil || json.Unmarshal(raw, &m) != nil {
			return prop
		}
	}

	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	case []string:
		prop.Type = api.PropertyType(t)
	case []any:
		types := make([]string, 0, len(t))
		for _, s := range t {
			if str, ok := s.(string); ok {
				types = append(types, str)
			}
		}
		prop.Type = api.PropertyType(types)
	}
	if desc, ok := m["description"].(string); ok {
		prop.Description = desc
	}
	switch e := m["enum"].(type) {
	case []any:
		prop.Enum = e
	case []string:
		for _, s := range e {
			prop.Enum = append(prop.Enum, s)
		}
	}
	if items, ok := m["items"]; ok {
		prop.Items = items
	}
	return prop
}

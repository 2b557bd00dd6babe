package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiClient is a client for the Gemini API.
type GeminiClient struct {
	client *genai.Client
	logger *slog.Logger
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, apiKey string, logger *slog.Logger) (*GeminiClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: streamingHTTPClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		client: client,
		logger: logger.With("provider", "gemini"),
	}, nil
}

// Chat sends a non-streaming chat request.
func (c *GeminiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return collect(ctx, c, model, messages, tools)
}

// ChatStream streams a response. Gemini delivers each function call
// whole, so calls are forwarded as they appear.
func (c *GeminiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()
	system, rest := systemPrompt(messages)

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if decls := convertToolsToGemini(tools); len(decls) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	contents := convertToGemini(rest)

	c.logger.Debug("gemini request",
		"model", model, "contents", len(contents), "tools", len(tools))

	var content strings.Builder
	var toolCalls []ToolCall
	resp := &ChatResponse{Model: model, CreatedAt: time.Now(), Done: true}

	for chunk, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if text := chunk.Text(); text != "" {
			content.WriteString(text)
			callback.emit(StreamEvent{Kind: KindToken, Token: text})
		}
		for _, fc := range chunk.FunctionCalls() {
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", fc.Name, len(toolCalls))
			}
			args := fc.Args
			if args == nil {
				args = map[string]any{}
			}
			tc := NewToolCall(id, fc.Name, args)
			toolCalls = append(toolCalls, tc)
			callback.emit(StreamEvent{Kind: KindToolCall, ToolCall: &tc})
		}
		if u := chunk.UsageMetadata; u != nil {
			resp.InputTokens = int(u.PromptTokenCount)
			resp.OutputTokens = int(u.CandidatesTokenCount)
		}
	}

	resp.Message = Message{Role: "assistant", Content: content.String(), ToolCalls: toolCalls}
	resp.TotalDuration = time.Since(start)
	c.logger.Log(ctx, LevelTrace, "gemini response",
		"model", model, "tool_calls", len(toolCalls), "output_tokens", resp.OutputTokens)

	callback.emit(StreamEvent{Kind: KindDone, Response: resp})
	return resp, nil
}

// Ping lists models to check that the key is usable.
func (c *GeminiClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini ping: %w", err)
	}
	return nil
}

// convertToGemini converts internal messages to Gemini contents.
// Consecutive tool responses share one user turn.
func convertToGemini(messages []Message) []*genai.Content {
	var result []*genai.Content
	var pending []*genai.Part

	flush := func() {
		if len(pending) > 0 {
			result = append(result, &genai.Content{Role: genai.RoleUser, Parts: pending})
			pending = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			key := "output"
			if msg.IsError {
				key = "error"
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{key: msg.Content})
			part.FunctionResponse.ID = msg.ToolCallID
			pending = append(pending, part)

		case "assistant":
			flush()
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: tc.Function.Arguments,
				}})
			}
			if len(parts) > 0 {
				result = append(result, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		default:
			flush()
			result = append(result, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	flush()
	return result
}

// convertToolsToGemini converts tool maps to function declarations. The
// JSON schema is passed through unchanged.
func convertToolsToGemini(tools []map[string]any) []*genai.FunctionDeclaration {
	defs := toolDefs(tools)
	result := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		result = append(result, &genai.FunctionDeclaration{
			Name:                 def.Name,
			Description:          def.Description,
			ParametersJsonSchema: def.Parameters,
		})
	}
	return result
}

package agent

import (
	"github.com/nugget/vektra-agent/internal/llm"
	"github.com/nugget/vektra-agent/internal/message"
)

// toProvider converts a reconciled history into provider messages,
// preceded by the system prompt.
//
// An assistant message interleaving text and tool parts becomes one
// provider step per run of tool calls: an assistant message carrying the
// text and calls, then one tool message per result. Tool parts that are
// not terminal are left out; providers reject calls without results.
func toProvider(system string, history []message.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	if system != "" {
		out = append(out, llm.Message{Role: "system", Content: system})
	}

	for _, m := range history {
		switch m.Role {
		case message.RoleAssistant:
			out = append(out, assistantSteps(m)...)
		default:
			if text := m.Text(); text != "" {
				out = append(out, llm.Message{Role: "user", Content: text})
			}
		}
	}
	return out
}

func assistantSteps(m message.Message) []llm.Message {
	var out []llm.Message
	var step llm.Message
	var results []llm.Message

	flush := func() {
		if step.Content == "" && len(step.ToolCalls) == 0 {
			return
		}
		step.Role = "assistant"
		out = append(out, step)
		out = append(out, results...)
		step, results = llm.Message{}, nil
	}

	for _, p := range m.Parts {
		switch {
		case p.Type == message.PartText:
			if len(step.ToolCalls) > 0 {
				flush()
			}
			step.Content += p.Text

		case p.IsTool() && p.State.Terminal():
			step.ToolCalls = append(step.ToolCalls, llm.NewToolCall(p.ToolCallID, p.ToolName, p.Input))
			results = append(results, llm.Message{
				Role:       "tool",
				Content:    p.OutputText(),
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
				IsError:    p.State == message.StateOutputError,
			})
		}
	}
	flush()
	return out
}

package agent

import (
	"testing"

	"github.com/nugget/vektra-agent/internal/message"
)

func TestToProvider(t *testing.T) {
	done := message.ToolPart("getLocalTime", "t1", message.StateOutputAvailable, map[string]any{"location": "Oslo"})
	done.Output = "10am"
	failed := message.ToolPart("getWeatherInformation", "w1", message.StateOutputError, map[string]any{"city": "Oslo"})
	failed.Output = "Error: User denied access to tool execution"
	waiting := message.ToolPart("getWeatherInformation", "w2", message.StateInputAvailable, map[string]any{"city": "Rome"})

	history := []message.Message{
		{ID: "u1", Role: message.RoleUser, Parts: []message.Part{message.TextPart("what time is it in Oslo?")}},
		{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
			message.TextPart("Checking."),
			done,
			failed,
			message.TextPart("It is 10am."),
			waiting,
		}},
	}

	got := toProvider("SYSTEM", history)

	wantRoles := []string{"system", "user", "assistant", "tool", "tool", "assistant"}
	if len(got) != len(wantRoles) {
		t.Fatalf("got %d messages: %+v", len(got), got)
	}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, got[i].Role, role)
		}
	}

	step := got[2]
	if step.Content != "Checking." || len(step.ToolCalls) != 2 {
		t.Errorf("first step = %+v", step)
	}
	if got[3].Content != "10am" || got[3].IsError {
		t.Errorf("time result = %+v", got[3])
	}
	if !got[4].IsError || got[4].ToolCallID != "w1" || got[4].ToolName != "getWeatherInformation" {
		t.Errorf("denied result = %+v", got[4])
	}
	if got[5].Content != "It is 10am." || len(got[5].ToolCalls) != 0 {
		t.Errorf("trailing step = %+v", got[5])
	}
}

func TestToProviderNoSystem(t *testing.T) {
	got := toProvider("", []message.Message{
		{Role: message.RoleUser, Parts: []message.Part{message.TextPart("hi")}},
		{Role: message.RoleAssistant},
	})
	if len(got) != 1 || got[0].Role != "user" {
		t.Errorf("got %+v", got)
	}
}

func TestAppendText(t *testing.T) {
	var m message.Message
	appendText(&m, "Hel")
	appendText(&m, "lo")
	m.Parts = append(m.Parts, message.ToolPart("getLocalTime", "t1", message.StateInputAvailable, nil))
	appendText(&m, "after")

	if len(m.Parts) != 3 {
		t.Fatalf("parts = %+v", m.Parts)
	}
	if m.Parts[0].Text != "Hello" || m.Parts[2].Text != "after" {
		t.Errorf("parts = %+v", m.Parts)
	}
}

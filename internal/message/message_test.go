package message

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestAdvanceForwardOnly(t *testing.T) {
	states := []ToolState{
		StateInputStreaming,
		StateInputAvailable,
		StateExecuting,
		StateOutputAvailable,
		StateOutputError,
	}

	for _, from := range states {
		for _, to := range states {
			p := ToolPart("t", "c1", from, nil)
			err := p.Advance(to, "x")

			wantOK := !from.Terminal() && to.rank() > from.rank()
			if wantOK && err != nil {
				t.Errorf("%s -> %s: unexpected error %v", from, to, err)
			}
			if !wantOK {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s -> %s: err = %v, want ErrInvalidTransition", from, to, err)
				}
				if p.State != from {
					t.Errorf("%s -> %s: state changed to %s on rejected move", from, to, p.State)
				}
			}
		}
	}
}

func TestAdvanceTerminalOnce(t *testing.T) {
	p := ToolPart("t", "c1", StateInputAvailable, nil)
	if err := p.Advance(StateOutputAvailable, "first"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := p.Advance(StateOutputError, "second"); err == nil {
		t.Fatal("second terminal transition should fail")
	}
	if p.Output != "first" {
		t.Errorf("Output = %v, want first", p.Output)
	}
}

func TestAdvanceTextPart(t *testing.T) {
	p := TextPart("hello")
	if err := p.Advance(StateExecuting, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestOutputText(t *testing.T) {
	tests := []struct {
		name   string
		output any
		want   string
	}{
		{"nil", nil, ""},
		{"string", "sunny", "sunny"},
		{"object", map[string]any{"ok": true}, `{"ok":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Part{Type: PartTool, Output: tt.output}
			if got := p.OutputText(); got != tt.want {
				t.Errorf("OutputText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCloneIsolatesInput(t *testing.T) {
	orig := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Parts: []Part{
			ToolPart("getWeatherInformation", "c1", StateInputAvailable, map[string]any{"city": "Paris"}),
		},
	}

	cp := orig.Clone()
	cp.Parts[0].Input["city"] = "Berlin"
	cp.Parts[0].State = StateOutputAvailable

	if orig.Parts[0].Input["city"] != "Paris" {
		t.Error("clone shares input map with original")
	}
	if orig.Parts[0].State != StateInputAvailable {
		t.Error("clone shares parts slice with original")
	}
}

func TestPartJSONShape(t *testing.T) {
	m := NewUser("hi", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m.Parts = append(m.Parts, ToolPart("getLocalTime", "c9", StateInputAvailable, map[string]any{"location": "Oslo"}))

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	parts := raw["parts"].([]any)
	tool := parts[1].(map[string]any)
	if tool["type"] != "tool" || tool["toolCallId"] != "c9" || tool["state"] != "input-available" {
		t.Errorf("unexpected tool part JSON: %v", tool)
	}
	if _, ok := parts[0].(map[string]any)["toolCallId"]; ok {
		t.Error("text part should omit toolCallId")
	}
}

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/vektra-agent/internal/agent"
	"github.com/nugget/vektra-agent/internal/confirm"
	"github.com/nugget/vektra-agent/internal/message"
	"github.com/nugget/vektra-agent/internal/stream"
)

// sequenceRunner returns one canned result per call.
type sequenceRunner struct {
	reqs    []agent.Request
	results []*agent.Result
	err     error
}

func (s *sequenceRunner) Run(_ context.Context, req agent.Request, sink stream.Sink) (*agent.Result, error) {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	res := s.results[len(s.reqs)-1]
	sink.Emit(stream.Chunk{Type: stream.TypeTool, ToolName: "runCommand", State: message.StateOutputAvailable})
	return res, nil
}

func gatedCall(id string) confirm.PendingCall {
	return confirm.PendingCall{
		MessageID: "msg-1",
		Part: message.Part{
			Type:       message.PartTool,
			ToolName:   "getWeatherInformation",
			ToolCallID: id,
			State:      message.StateInputAvailable,
			Input:      map[string]any{"city": "Paris"},
		},
	}
}

func TestAskLoop_ResumesWithDecisions(t *testing.T) {
	runner := &sequenceRunner{results: []*agent.Result{
		{FinishReason: stream.ReasonAwaitingConfirmation, Pending: []confirm.PendingCall{gatedCall("w1"), gatedCall("w2")}},
		{FinishReason: stream.ReasonStop, Text: "It is sunny in Paris."},
	}}
	var out bytes.Buffer

	reply, err := askLoop(context.Background(), runner, bufio.NewReader(strings.NewReader("y\nno\n")), &out, "weather in paris?")
	if err != nil {
		t.Fatalf("askLoop: %v", err)
	}
	if reply != "It is sunny in Paris." {
		t.Errorf("reply = %q", reply)
	}
	if len(runner.reqs) != 2 {
		t.Fatalf("Run called %d times, want 2", len(runner.reqs))
	}
	if runner.reqs[0].Message != "weather in paris?" {
		t.Errorf("first message = %q", runner.reqs[0].Message)
	}

	second := runner.reqs[1]
	if second.Message != "" {
		t.Errorf("resume carried a message: %q", second.Message)
	}
	want := []confirm.Resolution{
		{ToolCallID: "w1", Decision: confirm.Approve},
		{ToolCallID: "w2", Decision: confirm.Deny},
	}
	if len(second.Resolutions) != len(want) {
		t.Fatalf("resolutions = %+v", second.Resolutions)
	}
	for i, r := range want {
		if second.Resolutions[i] != r {
			t.Errorf("resolution %d = %+v, want %+v", i, second.Resolutions[i], r)
		}
	}

	if got := strings.Count(out.String(), "Allow getWeatherInformation"); got != 2 {
		t.Errorf("prompted %d times, want 2: %q", got, out.String())
	}
	if !strings.Contains(out.String(), "✓ runCommand") {
		t.Errorf("tool progress missing: %q", out.String())
	}
}

func TestAskLoop_RunError(t *testing.T) {
	runner := &sequenceRunner{err: agent.ErrBusy}
	_, err := askLoop(context.Background(), runner, bufio.NewReader(strings.NewReader("")), &bytes.Buffer{}, "hi")
	if !errors.Is(err, agent.ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestPromptDecision(t *testing.T) {
	tests := []struct {
		input string
		want  confirm.Decision
	}{
		{"y\n", confirm.Approve},
		{"YES\n", confirm.Approve},
		{"  yes  \n", confirm.Approve},
		{"n\n", confirm.Deny},
		{"\n", confirm.Deny},
		{"sure\n", confirm.Deny},
		{"y", confirm.Approve},
		{"", confirm.Deny},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer
			got, err := promptDecision(bufio.NewReader(strings.NewReader(tt.input)), &out, gatedCall("w1").Part)
			if err != nil {
				t.Fatalf("promptDecision: %v", err)
			}
			if got != tt.want {
				t.Errorf("decision = %q, want %q", got, tt.want)
			}
			if !strings.Contains(out.String(), `{"city":"Paris"}`) {
				t.Errorf("prompt missing input: %q", out.String())
			}
		})
	}
}

func TestRenderReply_NotTerminal(t *testing.T) {
	text := "# Done\n\n- built `todo-app`"
	if got := renderReply(&bytes.Buffer{}, text); got != text {
		t.Errorf("renderReply = %q, want passthrough", got)
	}
}

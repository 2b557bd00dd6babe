package confirm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nugget/vektra-agent/internal/message"
)

func gated(name string) bool { return name == "getWeatherInformation" }

func weatherCall(id string, state message.ToolState) message.Part {
	return message.ToolPart("getWeatherInformation", id, state, map[string]any{"city": "Paris"})
}

func TestPending(t *testing.T) {
	tests := []struct {
		name    string
		history []message.Message
		want    bool
	}{
		{
			name: "gated input-available",
			history: []message.Message{
				{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{weatherCall("c1", message.StateInputAvailable)}},
			},
			want: true,
		},
		{
			name: "auto tool is never pending",
			history: []message.Message{
				{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
					message.ToolPart("getLocalTime", "c1", message.StateInputAvailable, nil),
				}},
			},
			want: false,
		},
		{
			name: "later terminal part resolves it",
			history: []message.Message{
				{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
					weatherCall("c1", message.StateInputAvailable),
					weatherCall("c1", message.StateOutputAvailable),
				}},
			},
			want: false,
		},
		{
			name: "earlier terminal part does not resolve it",
			history: []message.Message{
				{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{weatherCall("c1", message.StateOutputError)}},
				{ID: "a2", Role: message.RoleAssistant, Parts: []message.Part{weatherCall("c1", message.StateInputAvailable)}},
			},
			want: true,
		},
		{
			name: "still streaming",
			history: []message.Message{
				{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{weatherCall("c1", message.StateInputStreaming)}},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Pending(tt.history, gated); got != tt.want {
				t.Errorf("Pending() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnresolved(t *testing.T) {
	calls := PendingCalls([]message.Message{
		{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
			weatherCall("c1", message.StateInputAvailable),
			weatherCall("c2", message.StateInputAvailable),
			weatherCall("c3", message.StateInputAvailable),
		}},
	}, gated)

	ledger := NewLedger()
	ledger.Record(Resolution{ToolCallID: "c1", Decision: Approve})
	incoming := []Resolution{
		{ToolCallID: "c2", Result: ApprovalNo},
		{ToolCallID: "c3", Decision: "maybe"},
	}

	got := Unresolved(calls, ledger, incoming)
	if len(got) != 1 || got[0].Part.ToolCallID != "c3" {
		t.Errorf("Unresolved = %+v, want only c3", got)
	}
	if incoming[1].Decision != "maybe" || incoming[0].Decision != "" {
		t.Error("Unresolved modified the incoming resolutions")
	}
	if got := Unresolved(calls, nil, nil); len(got) != 3 {
		t.Errorf("Unresolved with no decisions = %d calls, want 3", len(got))
	}
}

func TestApplyApproveLiteralThenDuplicateDeny(t *testing.T) {
	ledger := NewLedger()
	part := weatherCall("c1", message.StateInputAvailable)

	approve := Resolution{ToolCallID: "c1", Decision: Approve, Result: "sunny"}
	if !ledger.Record(approve) {
		t.Fatal("first resolution refused")
	}
	part = Apply(context.Background(), part, approve, nil)

	if part.State != message.StateOutputAvailable || part.Output != "sunny" {
		t.Fatalf("after approve: state=%s output=%v", part.State, part.Output)
	}

	deny := Resolution{ToolCallID: "c1", Decision: Deny}
	if ledger.Record(deny) {
		t.Error("duplicate resolution accepted")
	}
	// Even if a caller ignored the ledger, a terminal part stays put.
	part = Apply(context.Background(), part, deny, nil)
	if part.State != message.StateOutputAvailable || part.Output != "sunny" {
		t.Errorf("duplicate deny changed part: state=%s output=%v", part.State, part.Output)
	}
}

func TestApplyApproveRunsExecution(t *testing.T) {
	called := 0
	exec := func(_ context.Context, args map[string]any) (string, error) {
		called++
		return "The weather in " + args["city"].(string) + " is sunny", nil
	}

	part := Apply(context.Background(), weatherCall("c1", message.StateInputAvailable),
		Resolution{ToolCallID: "c1", Decision: Approve}, exec)

	if called != 1 {
		t.Errorf("execution called %d times, want 1", called)
	}
	if part.Output != "The weather in Paris is sunny" {
		t.Errorf("Output = %v", part.Output)
	}
}

func TestApplyDenyHasNoSideEffect(t *testing.T) {
	exec := func(context.Context, map[string]any) (string, error) {
		t.Fatal("execution ran on deny")
		return "", nil
	}

	part := Apply(context.Background(), weatherCall("c1", message.StateInputAvailable),
		Resolution{ToolCallID: "c1", Decision: Deny}, exec)

	if part.State != message.StateOutputError || part.Output != DeniedOutput {
		t.Errorf("state=%s output=%v", part.State, part.Output)
	}
}

func TestApplyApproveExecutionError(t *testing.T) {
	exec := func(context.Context, map[string]any) (string, error) {
		return "", errors.New("weather service down")
	}
	part := Apply(context.Background(), weatherCall("c1", message.StateInputAvailable),
		Resolution{ToolCallID: "c1", Decision: Approve}, exec)

	if part.State != message.StateOutputError || part.Output != "weather service down" {
		t.Errorf("state=%s output=%v", part.State, part.Output)
	}
}

func TestApplyApproveWithoutExecution(t *testing.T) {
	part := Apply(context.Background(), weatherCall("c1", message.StateInputAvailable),
		Resolution{ToolCallID: "c1", Decision: Approve}, nil)
	if part.State != message.StateOutputError {
		t.Errorf("state = %s, want output-error", part.State)
	}
}

func TestResolutionValidate(t *testing.T) {
	tests := []struct {
		name     string
		in       Resolution
		wantErr  bool
		decision Decision
	}{
		{"approve", Resolution{ToolCallID: "c", Decision: Approve}, false, Approve},
		{"missing id", Resolution{Decision: Approve}, true, Approve},
		{"bad decision", Resolution{ToolCallID: "c", Decision: "maybe"}, true, "maybe"},
		{"wire yes", Resolution{ToolCallID: "c", Result: ApprovalYes}, false, Approve},
		{"wire no", Resolution{ToolCallID: "c", Result: ApprovalNo}, false, Deny},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.in
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if r.Decision != tt.decision {
				t.Errorf("Decision = %q, want %q", r.Decision, tt.decision)
			}
		})
	}
}

func TestLedgerConcurrentFirstWins(t *testing.T) {
	ledger := NewLedger()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Approve
			if i%2 == 1 {
				d = Deny
			}
			if ledger.Record(Resolution{ToolCallID: "c1", Decision: d}) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("accepted %d resolutions, want 1", accepted)
	}
	if _, ok := ledger.Lookup("c1"); !ok {
		t.Error("Lookup found nothing")
	}
}

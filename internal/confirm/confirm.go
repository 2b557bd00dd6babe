// Package confirm implements the human confirmation gate for tools whose
// side effects need explicit approval.
//
// Confirmation is a two-phase protocol. The model proposes a call, which
// sits in input-available until a Resolution arrives as plain data; the
// resolution is then applied exactly once.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nugget/vektra-agent/internal/message"
)

// Decision is the human verdict on a gated call.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// Wire strings sent by chat clients in place of a structured decision.
const (
	ApprovalYes = "Yes, confirmed."
	ApprovalNo  = "No, denied."
)

// DeniedOutput is the payload recorded for a denied call.
const DeniedOutput = "Error: User denied access to tool execution"

// Resolution is a human decision for one tool call. Result is required on
// approve when the tool has no registered execution.
type Resolution struct {
	ToolCallID string   `json:"toolCallId"`
	Decision   Decision `json:"decision"`
	Result     any      `json:"result,omitempty"`
}

// Validate checks the resolution's shape. A Result carrying one of the
// wire approval strings is folded into the decision.
func (r *Resolution) Validate() error {
	if r.ToolCallID == "" {
		return errors.New("toolCallId is required")
	}
	if s, ok := r.Result.(string); ok {
		switch s {
		case ApprovalYes:
			r.Decision, r.Result = Approve, nil
		case ApprovalNo:
			r.Decision, r.Result = Deny, nil
		}
	}
	switch r.Decision {
	case Approve, Deny:
		return nil
	default:
		return fmt.Errorf("decision must be %q or %q, got %q", Approve, Deny, r.Decision)
	}
}

// Requirer reports whether a tool needs confirmation.
type Requirer func(toolName string) bool

// PendingCall locates a gated call awaiting a decision.
type PendingCall struct {
	MessageID string       `json:"messageId"`
	Part      message.Part `json:"part"`
}

// Pending reports whether history holds at least one gated call that has
// no terminal result yet.
func Pending(history []message.Message, requires Requirer) bool {
	return len(PendingCalls(history, requires)) > 0
}

// PendingCalls lists gated calls in input-available with no later terminal
// part carrying the same toolCallId.
func PendingCalls(history []message.Message, requires Requirer) []PendingCall {
	type pos struct{ msg, part int }

	lastTerminal := make(map[string]pos)
	for mi, m := range history {
		for pi, p := range m.Parts {
			if p.IsTool() && p.State.Terminal() {
				lastTerminal[p.ToolCallID] = pos{mi, pi}
			}
		}
	}

	var out []PendingCall
	for mi, m := range history {
		for pi, p := range m.Parts {
			if !p.IsTool() || p.State != message.StateInputAvailable || !requires(p.ToolName) {
				continue
			}
			if t, ok := lastTerminal[p.ToolCallID]; ok {
				if t.msg > mi || (t.msg == mi && t.part > pi) {
					continue
				}
			}
			out = append(out, PendingCall{MessageID: m.ID, Part: p})
		}
	}
	return out
}

// Unresolved filters calls down to those with no decision, either
// recorded in ledger or among the valid incoming resolutions. ledger may
// be nil.
func Unresolved(calls []PendingCall, ledger *Ledger, incoming []Resolution) []PendingCall {
	decided := make(map[string]bool, len(incoming))
	for _, r := range incoming {
		if r.Validate() == nil {
			decided[r.ToolCallID] = true
		}
	}

	var out []PendingCall
	for _, c := range calls {
		id := c.Part.ToolCallID
		if decided[id] {
			continue
		}
		if ledger != nil {
			if _, ok := ledger.Lookup(id); ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// Ledger remembers the first resolution seen for each toolCallId. Later
// resolutions for the same call are refused.
type Ledger struct {
	mu   sync.Mutex
	seen map[string]Resolution
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{seen: make(map[string]Resolution)}
}

// Record stores r if it is the first for its call. It returns false for
// duplicates.
func (l *Ledger) Record(r Resolution) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[r.ToolCallID]; dup {
		return false
	}
	l.seen[r.ToolCallID] = r
	return true
}

// Lookup returns the authoritative resolution for a call.
func (l *Ledger) Lookup(toolCallID string) (Resolution, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.seen[toolCallID]
	return r, ok
}

// Apply resolves a gated part. Approve runs exec, or uses the literal
// result when one was supplied; deny records DeniedOutput as an error
// without running anything. A part already terminal is returned as is.
func Apply(ctx context.Context, part message.Part, res Resolution, exec func(ctx context.Context, args map[string]any) (string, error)) message.Part {
	if part.State.Terminal() {
		return part
	}

	next := part
	switch res.Decision {
	case Deny:
		_ = next.Advance(message.StateOutputError, DeniedOutput)

	case Approve:
		switch {
		case res.Result != nil:
			_ = next.Advance(message.StateOutputAvailable, res.Result)
		case exec != nil:
			out, err := exec(ctx, part.Input)
			if err != nil {
				_ = next.Advance(message.StateOutputError, err.Error())
			} else {
				_ = next.Advance(message.StateOutputAvailable, out)
			}
		default:
			_ = next.Advance(message.StateOutputError,
				fmt.Sprintf("no execution available for tool %s", part.ToolName))
		}

	default:
		_ = next.Advance(message.StateOutputError,
			fmt.Sprintf("unknown decision %q", strings.TrimSpace(string(res.Decision))))
	}
	return next
}

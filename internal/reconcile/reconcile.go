// Package reconcile normalizes a raw conversation history into one that is
// safe to resend to a language model.
//
// Model APIs reject a transcript containing a tool call without a matching
// result. Such calls appear when the process restarts mid-stream or the
// client disconnects before confirming a gated tool. Clean drops those
// dangling invocations from every message except the in-flight turn.
package reconcile

import (
	"github.com/nugget/vektra-agent/internal/message"
)

// Report counts what Clean removed.
type Report struct {
	RemovedParts    int
	RemovedMessages int
}

// InFlight returns the ID of the turn still allowed to hold unresolved
// tool parts: the last message, when it was authored by the assistant.
func InFlight(history []message.Message) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]
	if last.Role != message.RoleAssistant {
		return ""
	}
	return last.ID
}

// Clean returns a copy of history without non-terminal tool parts outside
// the in-flight message. A message emptied by those removals is dropped;
// terminal parts are never touched, even when an unresolved part shares
// their toolCallId. The input is not modified.
func Clean(history []message.Message, inFlightID string) ([]message.Message, Report) {
	var rep Report
	out := make([]message.Message, 0, len(history))

	for _, m := range history {
		if inFlightID != "" && m.ID == inFlightID {
			out = append(out, m.Clone())
			continue
		}

		kept := make([]message.Part, 0, len(m.Parts))
		removed := 0
		for _, p := range m.Parts {
			if p.IsTool() && !p.State.Terminal() {
				removed++
				continue
			}
			kept = append(kept, p)
		}

		if removed > 0 && len(kept) == 0 {
			rep.RemovedParts += removed
			rep.RemovedMessages++
			continue
		}
		rep.RemovedParts += removed

		c := m
		c.Parts = kept
		out = append(out, c.Clone())
	}

	return out, rep
}

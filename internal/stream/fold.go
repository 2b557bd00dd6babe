package stream

import "github.com/nugget/vektra-agent/internal/message"

// Fold rebuilds messages from a chunk sequence. Messages appear in the
// order they were first mentioned; a tool chunk replaces the state of
// the part sharing its toolCallId within the same message.
func Fold(chunks []Chunk) []message.Message {
	var msgs []message.Message
	index := make(map[string]int)

	get := func(id string, role message.Role) *message.Message {
		if i, ok := index[id]; ok {
			return &msgs[i]
		}
		if role == "" {
			role = message.RoleAssistant
		}
		msgs = append(msgs, message.Message{ID: id, Role: role})
		index[id] = len(msgs) - 1
		return &msgs[len(msgs)-1]
	}

	for _, c := range chunks {
		switch c.Type {
		case TypeStart:
			get(c.MessageID, c.Role)

		case TypeTextDelta:
			m := get(c.MessageID, "")
			if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == message.PartText {
				m.Parts[n-1].Text += c.Delta
			} else {
				m.Parts = append(m.Parts, message.TextPart(c.Delta))
			}

		case TypeTool:
			m := get(c.MessageID, "")
			found := false
			for i := range m.Parts {
				p := &m.Parts[i]
				if p.IsTool() && p.ToolCallID == c.ToolCallID {
					p.State = c.State
					if c.Input != nil {
						p.Input = c.Input
					}
					if c.State.Terminal() {
						p.Output = c.Output
					}
					found = true
					break
				}
			}
			if !found {
				p := message.ToolPart(c.ToolName, c.ToolCallID, c.State, c.Input)
				if c.State.Terminal() {
					p.Output = c.Output
				}
				m.Parts = append(m.Parts, p)
			}
		}
	}
	return msgs
}

// Package message defines the conversation data model shared by the
// orchestration pipeline: messages, their parts, and the tool invocation
// state machine carried by tool parts.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType tags a Part variant.
type PartType string

const (
	PartText PartType = "text"
	PartTool PartType = "tool"
)

// ToolState is the lifecycle of a single tool invocation.
type ToolState string

const (
	StateInputStreaming  ToolState = "input-streaming"
	StateInputAvailable  ToolState = "input-available"
	StateExecuting       ToolState = "executing"
	StateOutputAvailable ToolState = "output-available"
	StateOutputError     ToolState = "output-error"
)

// ErrInvalidTransition is returned when a tool part is asked to move
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid tool state transition")

// rank orders states; both terminal states share the highest rank.
func (s ToolState) rank() int {
	switch s {
	case StateInputStreaming:
		return 0
	case StateInputAvailable:
		return 1
	case StateExecuting:
		return 2
	case StateOutputAvailable, StateOutputError:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known state.
func (s ToolState) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether s is output-available or output-error.
func (s ToolState) Terminal() bool {
	return s == StateOutputAvailable || s == StateOutputError
}

// Metadata carries per-message bookkeeping.
type Metadata struct {
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one conversation turn.
type Message struct {
	ID       string   `json:"id"`
	Role     Role     `json:"role"`
	Parts    []Part   `json:"parts"`
	Metadata Metadata `json:"metadata"`
}

// Part is a tagged variant: a text part or a tool part. Only the fields
// belonging to Type are meaningful.
type Part struct {
	Type PartType `json:"type"`

	// Text parts.
	Text string `json:"text,omitempty"`

	// Tool parts.
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	State      ToolState      `json:"state,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
}

// NewID returns a time-ordered identifier, falling back to a random one.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewUser builds a user message holding a single text part.
func NewUser(text string, now time.Time) Message {
	return Message{
		ID:       NewID(),
		Role:     RoleUser,
		Parts:    []Part{TextPart(text)},
		Metadata: Metadata{CreatedAt: now},
	}
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolPart builds a tool part in the given state.
func ToolPart(name, callID string, state ToolState, input map[string]any) Part {
	return Part{
		Type:       PartTool,
		ToolName:   name,
		ToolCallID: callID,
		State:      state,
		Input:      input,
	}
}

// IsTool reports whether p is a tool part.
func (p Part) IsTool() bool { return p.Type == PartTool }

// Advance moves a tool part to next. Moves must be strictly forward and a
// terminal part never changes again.
func (p *Part) Advance(next ToolState, output any) error {
	if !p.IsTool() {
		return fmt.Errorf("advance %s part: %w", p.Type, ErrInvalidTransition)
	}
	if !next.Valid() || p.State.Terminal() || next.rank() <= p.State.rank() {
		return fmt.Errorf("%s -> %s: %w", p.State, next, ErrInvalidTransition)
	}
	p.State = next
	if next.Terminal() {
		p.Output = output
	}
	return nil
}

// OutputText renders the output payload as text. String outputs are
// returned verbatim, anything else as JSON.
func (p Part) OutputText() string {
	switch v := p.Output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

// Text concatenates the message's text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}

// ToolParts returns the indexes of m's tool parts.
func (m Message) ToolParts() []int {
	var idx []int
	for i, p := range m.Parts {
		if p.IsTool() {
			idx = append(idx, i)
		}
	}
	return idx
}

// Clone returns a deep copy of m. Tool inputs are copied one level deep;
// outputs are treated as immutable values.
func (m Message) Clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		if p.Input != nil {
			in := make(map[string]any, len(p.Input))
			for k, v := range p.Input {
				in[k] = v
			}
			p.Input = in
		}
		out.Parts[i] = p
	}
	return out
}

// CloneAll deep-copies a history.
func CloneAll(history []Message) []Message {
	if history == nil {
		return nil
	}
	out := make([]Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}
	return out
}

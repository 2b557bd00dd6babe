// Package stream carries a run's output to the client as one ordered
// sequence of chunks. Text deltas and tool events interleave in the
// order they were emitted; folding the sequence rebuilds the messages.
package stream

import "github.com/nugget/vektra-agent/internal/message"

// ChunkType tags a chunk.
type ChunkType string

const (
	TypeStart     ChunkType = "start"
	TypeTextDelta ChunkType = "text-delta"
	TypeTool      ChunkType = "tool"
	TypeFinish    ChunkType = "finish"
)

// Finish reasons.
const (
	ReasonStop                 = "stop"
	ReasonAwaitingConfirmation = "awaiting-confirmation"
	ReasonMaxTurns             = "max-turns"
	ReasonError                = "error"
	ReasonCancelled            = "cancelled"
)

// Chunk is one element of the output stream.
type Chunk struct {
	Seq       int64        `json:"seq"`
	Type      ChunkType    `json:"type"`
	MessageID string       `json:"messageId,omitempty"`
	Role      message.Role `json:"role,omitempty"`
	Delta     string       `json:"delta,omitempty"`

	ToolCallID string            `json:"toolCallId,omitempty"`
	ToolName   string            `json:"toolName,omitempty"`
	State      message.ToolState `json:"state,omitempty"`
	Input      map[string]any    `json:"input,omitempty"`
	Output     any               `json:"output,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Start announces a new message.
func Start(messageID string, role message.Role) Chunk {
	return Chunk{Type: TypeStart, MessageID: messageID, Role: role}
}

// TextDelta carries text appended to a message.
func TextDelta(messageID, delta string) Chunk {
	return Chunk{Type: TypeTextDelta, MessageID: messageID, Delta: delta}
}

// ToolEvent carries the current state of a tool part.
func ToolEvent(messageID string, p message.Part) Chunk {
	c := Chunk{
		Type:       TypeTool,
		MessageID:  messageID,
		ToolCallID: p.ToolCallID,
		ToolName:   p.ToolName,
		State:      p.State,
		Input:      p.Input,
	}
	if p.State.Terminal() {
		c.Output = p.Output
	}
	return c
}

// Finish ends a run.
func Finish(reason string) Chunk {
	return Chunk{Type: TypeFinish, Reason: reason}
}

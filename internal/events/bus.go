// Package events provides a publish/subscribe bus for operational
// events. Components (tool processor, generation driver, scheduler,
// version materializer) publish; the WebSocket feed and the MQTT
// forwarder subscribe. Publishing on a nil *Bus is a no-op, so
// components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceAgent     = "agent"
	SourceTools     = "tools"
	SourceProject   = "project"
	SourceScheduler = "scheduler"
	SourceMCP       = "mcp"
	SourceConnwatch = "connwatch"
)

// Kinds describe the event within its source.
const (
	// KindRunStart marks the start of a driver run.
	// Data: conversation_id, model, resolutions.
	KindRunStart = "run_start"
	// KindTurn marks one model turn.
	// Data: conversation_id, turn.
	KindTurn = "turn"
	// KindRunFinish marks the end of a run.
	// Data: conversation_id, model, reason, turns, input_tokens,
	// output_tokens, duration_ms.
	KindRunFinish = "run_finish"

	// KindResult is a tool call reaching a terminal state.
	// Data: conversation_id, tool, tool_call_id, state, duration_ms.
	KindResult = "result"

	// KindVersionCreated is a new project version.
	// Data: project_id, version_id, files.
	KindVersionCreated = "version_created"

	// KindTaskFired marks a scheduled task beginning execution.
	// Data: task_id, conversation_id, description.
	KindTaskFired = "task_fired"
	// KindTaskComplete marks a scheduled task finishing.
	// Data: task_id, conversation_id, and either reason and turns or error.
	KindTaskComplete = "task_complete"

	// KindServerConnected marks an MCP server becoming available.
	// Data: server, tools.
	KindServerConnected = "server_connected"

	// KindServiceReady and KindServiceDown are watched dependencies
	// changing reachability. Data: service, and error when down.
	KindServiceReady = "service_ready"
	KindServiceDown  = "service_down"
)

// Event is a single published event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Topic is the "<source>/<kind>" form used by external forwarders.
func (e Event) Topic() string { return e.Source + "/" + e.Kind }

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to callers back to the
	// channel stored in subs.
	recv map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer. A zero
// Timestamp is stamped with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events buffered to bufSize.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

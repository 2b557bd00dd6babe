// Package processor advances the tool parts of a conversation history:
// it runs automatic tools, applies human resolutions to gated ones, and
// reports every state transition in order.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/vektra-agent/internal/confirm"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/message"
	"github.com/nugget/vektra-agent/internal/tools"
)

// Tools is the slice of the tool registry the processor needs.
type Tools interface {
	Get(name string) *tools.Tool
	Validate(name string, args map[string]any) error
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
	Execution(name string) (tools.Handler, bool)
	Suggest(name string) []string
}

// Resolutions looks up the authoritative human decision for a call.
// *confirm.Ledger satisfies it.
type Resolutions interface {
	Lookup(toolCallID string) (confirm.Resolution, bool)
}

// EmitFunc receives each part transition, in order, with the ID of the
// message holding the part.
type EmitFunc func(messageID string, part message.Part)

// Processor executes tool parts found in a history.
type Processor struct {
	tools  Tools
	bus    *events.Bus
	logger *slog.Logger
}

// New creates a processor. bus may be nil.
func New(t Tools, bus *events.Bus, logger *slog.Logger) *Processor {
	return &Processor{
		tools:  t,
		bus:    bus,
		logger: logger.With("component", "processor"),
	}
}

// Process walks every tool part of history in array order and returns the
// advanced copy. Parts naming unknown tools are dropped, and so is a
// message left empty by those drops. Gated parts move only when
// resolutions holds a decision for them. Within a message, nothing after
// an undecided gated call runs until that call is decided.
//
// Once ctx is done no further tool is dispatched and ctx.Err() is
// returned along with the history processed so far. A tool already
// running finishes on a context detached from cancellation.
func (p *Processor) Process(ctx context.Context, history []message.Message, resolutions Resolutions, emit EmitFunc) ([]message.Message, error) {
	if emit == nil {
		emit = func(string, message.Part) {}
	}
	out := message.CloneAll(history)

	for mi := range out {
		msg := &out[mi]
		kept := make([]message.Part, 0, len(msg.Parts))
		held := false

		for pi, part := range msg.Parts {
			if !part.IsTool() || part.State != message.StateInputAvailable {
				kept = append(kept, part)
				continue
			}

			tool := p.tools.Get(part.ToolName)
			if tool == nil {
				p.logger.Warn("dropping call to unknown tool",
					"tool", part.ToolName,
					"tool_call_id", part.ToolCallID,
					"suggestions", p.tools.Suggest(part.ToolName),
				)
				continue
			}

			if held || ctx.Err() != nil {
				kept = append(kept, part)
				continue
			}

			if tool.RequiresConfirmation {
				if resolvedLater(out, mi, pi, part.ToolCallID) {
					kept = append(kept, part)
					continue
				}
				res, ok := lookup(resolutions, part.ToolCallID)
				if !ok {
					held = true
					kept = append(kept, part)
					continue
				}
				part = p.resolve(ctx, part, res)
				emit(msg.ID, part)
				kept = append(kept, part)
				continue
			}

			part = p.run(ctx, msg.ID, part, emit)
			kept = append(kept, part)
		}
		msg.Parts = kept
	}

	return dropEmptied(history, out), ctx.Err()
}

// dropEmptied removes messages that had parts in before and have none in
// after. The two slices are index-aligned.
func dropEmptied(before, after []message.Message) []message.Message {
	kept := after[:0]
	for i, m := range after {
		if len(m.Parts) == 0 && len(before[i].Parts) > 0 {
			continue
		}
		kept = append(kept, m)
	}
	return kept
}

// run executes an automatic tool: validation, executing, then a terminal
// state.
func (p *Processor) run(ctx context.Context, msgID string, part message.Part, emit EmitFunc) message.Part {
	if err := p.tools.Validate(part.ToolName, part.Input); err != nil {
		_ = part.Advance(message.StateOutputError, err.Error())
		p.logger.Debug("tool input rejected", "tool", part.ToolName, "error", err)
		emit(msgID, part)
		p.publish(ctx, part, 0)
		return part
	}

	_ = part.Advance(message.StateExecuting, nil)
	emit(msgID, part)

	start := time.Now()
	output, err := invoke(ctx, func(ctx context.Context, args map[string]any) (string, error) {
		return p.tools.Execute(ctx, part.ToolName, args)
	}, part)
	if err != nil {
		_ = part.Advance(message.StateOutputError, err.Error())
		p.logger.Info("tool failed", "tool", part.ToolName, "tool_call_id", part.ToolCallID, "error", err)
	} else {
		_ = part.Advance(message.StateOutputAvailable, output)
		p.logger.Debug("tool completed", "tool", part.ToolName, "tool_call_id", part.ToolCallID,
			"duration", time.Since(start).Round(time.Millisecond))
	}
	emit(msgID, part)
	p.publish(ctx, part, time.Since(start))
	return part
}

// resolve applies a human decision to a gated part.
func (p *Processor) resolve(ctx context.Context, part message.Part, res confirm.Resolution) message.Part {
	var exec tools.Handler
	if h, ok := p.tools.Execution(part.ToolName); ok {
		exec = func(ctx context.Context, args map[string]any) (string, error) {
			if err := p.tools.Validate(part.ToolName, args); err != nil {
				return "", err
			}
			return invoke(ctx, h, part)
		}
	}

	start := time.Now()
	part = confirm.Apply(context.WithoutCancel(ctx), part, res, exec)
	p.logger.Info("confirmation applied",
		"tool", part.ToolName,
		"tool_call_id", part.ToolCallID,
		"decision", res.Decision,
		"state", part.State,
	)
	p.publish(ctx, part, time.Since(start))
	return part
}

func (p *Processor) publish(ctx context.Context, part message.Part, elapsed time.Duration) {
	p.bus.Emit(events.SourceTools, events.KindResult, map[string]any{
		"conversation_id": tools.ConversationIDFromContext(ctx),
		"tool":            part.ToolName,
		"tool_call_id":    part.ToolCallID,
		"state":           string(part.State),
		"duration_ms":     elapsed.Milliseconds(),
	})
}

// invoke runs h detached from cancellation and turns a panic into an
// error.
func invoke(ctx context.Context, h tools.Handler, part message.Part) (out string, err error) {
	if h == nil {
		return "", fmt.Errorf("tool %s has no handler", part.ToolName)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", part.ToolName, r)
		}
	}()

	ctx = tools.WithToolCallID(context.WithoutCancel(ctx), part.ToolCallID)
	args := part.Input
	if args == nil {
		args = map[string]any{}
	}
	return h(ctx, args)
}

func lookup(r Resolutions, id string) (confirm.Resolution, bool) {
	if r == nil {
		return confirm.Resolution{}, false
	}
	return r.Lookup(id)
}

// resolvedLater reports whether a terminal part with the same call ID
// follows position (mi, pi).
func resolvedLater(history []message.Message, mi, pi int, callID string) bool {
	for i := mi; i < len(history); i++ {
		start := 0
		if i == mi {
			start = pi + 1
		}
		parts := history[i].Parts
		for j := start; j < len(parts); j++ {
			if parts[j].IsTool() && parts[j].ToolCallID == callID && parts[j].State.Terminal() {
				return true
			}
		}
	}
	return false
}

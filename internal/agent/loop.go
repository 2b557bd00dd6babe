// Package agent implements the generation driver: the bounded turn loop
// that alternates model turns with tool processing for one conversation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/vektra-agent/internal/confirm"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/llm"
	"github.com/nugget/vektra-agent/internal/memory"
	"github.com/nugget/vektra-agent/internal/message"
	"github.com/nugget/vektra-agent/internal/processor"
	"github.com/nugget/vektra-agent/internal/project"
	"github.com/nugget/vektra-agent/internal/prompts"
	"github.com/nugget/vektra-agent/internal/reconcile"
	"github.com/nugget/vektra-agent/internal/stream"
	"github.com/nugget/vektra-agent/internal/tools"
)

// DefaultMaxTurns bounds the model turns in one run.
const DefaultMaxTurns = 10

var (
	// ErrBusy is returned when a conversation already has an active run.
	ErrBusy = errors.New("conversation has an active run")
	// ErrAwaitingConfirmation is returned for a new message while a gated
	// call in the conversation still waits on a decision. The message is
	// not stored.
	ErrAwaitingConfirmation = errors.New("conversation is waiting for a tool confirmation")
)

// Request starts or resumes a run.
type Request struct {
	ConversationID string               `json:"conversationId"`
	Message        string               `json:"message,omitempty"`
	Resolutions    []confirm.Resolution `json:"resolutions,omitempty"`
	Model          string               `json:"model,omitempty"`
}

// Result summarizes a finished run.
type Result struct {
	ConversationID string                `json:"conversationId"`
	FinishReason   string                `json:"finishReason"`
	Turns          int                   `json:"turns"`
	Text           string                `json:"text,omitempty"` // last assistant text
	Pending        []confirm.PendingCall `json:"pending,omitempty"`
	InputTokens    int                   `json:"inputTokens"`
	OutputTokens   int                   `json:"outputTokens"`
}

// Observer sees every tool part that reaches a terminal state.
type Observer interface {
	Observe(ctx context.Context, conversationID string, part message.Part) (*project.Version, error)
}

// Config holds the loop's tunables.
type Config struct {
	Model    string
	MaxTurns int
}

// Loop is the generation driver. It allows one active run per
// conversation.
type Loop struct {
	base     *slog.Logger // unscoped, for collaborators
	logger   *slog.Logger
	store    memory.Store
	llm      llm.Client
	tools    *tools.Registry
	proc     *processor.Processor
	observer Observer
	bus      *events.Bus
	model    string
	maxTurns int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	ledgers  map[string]*confirm.Ledger
}

type session struct {
	cancel context.CancelFunc
	sink   stream.Sink
}

// NewLoop creates a driver.
func NewLoop(logger *slog.Logger, store memory.Store, client llm.Client, reg *tools.Registry, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	return &Loop{
		base:     logger,
		logger:   logger.With("component", "agent"),
		store:    store,
		llm:      client,
		tools:    reg,
		proc:     processor.New(reg, nil, logger),
		model:    cfg.Model,
		maxTurns: cfg.MaxTurns,
		now:      time.Now,
		sessions: make(map[string]*session),
		ledgers:  make(map[string]*confirm.Ledger),
	}
}

// SetObserver installs the terminal-result observer, normally the
// project materializer.
func (l *Loop) SetObserver(o Observer) { l.observer = o }

// SetEventBus publishes run lifecycle and tool results on bus.
func (l *Loop) SetEventBus(bus *events.Bus) {
	l.bus = bus
	l.proc = processor.New(l.tools, bus, l.base)
}

// Active reports whether a conversation has a run in progress.
func (l *Loop) Active(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[conversationID]
	return ok
}

// Stop cancels the conversation's active run. Tools already dispatched
// finish and are persisted; chunks emitted afterwards are discarded and
// no new turn starts. It reports whether a run was active.
func (l *Loop) Stop(conversationID string) bool {
	l.mu.Lock()
	s, ok := l.sessions[conversationID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	if st, ok := s.sink.(interface{ Stop() }); ok {
		st.Stop()
	}
	s.cancel()
	l.logger.Info("run stop requested", "conversation", conversationID)
	return true
}

// PendingConfirmations lists the conversation's gated calls awaiting a
// decision.
func (l *Loop) PendingConfirmations(ctx context.Context, conversationID string) ([]confirm.PendingCall, error) {
	history, err := l.store.Messages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	cleaned, _ := reconcile.Clean(history, reconcile.InFlight(history))
	return confirm.PendingCalls(cleaned, l.tools.RequiresConfirmation), nil
}

// Holding lists the gated calls that keep a new message out of the
// conversation: pending calls with no decision in the conversation's
// ledger or in resolutions.
func (l *Loop) Holding(ctx context.Context, conversationID string, resolutions []confirm.Resolution) ([]confirm.PendingCall, error) {
	pending, err := l.PendingConfirmations(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return confirm.Unresolved(pending, l.ledger(conversationID), resolutions), nil
}

func (l *Loop) acquire(conversationID string, s *session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.sessions[conversationID]; busy {
		return false
	}
	l.sessions[conversationID] = s
	return true
}

func (l *Loop) release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, conversationID)
}

func (l *Loop) ledger(conversationID string) *confirm.Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	lg, ok := l.ledgers[conversationID]
	if !ok {
		lg = confirm.NewLedger()
		l.ledgers[conversationID] = lg
	}
	return lg
}

// Run drives one conversation until the model stops calling tools, a
// gated call needs a human, the turn bound is hit, or the run is
// stopped. Output goes to sink in order; sink may be nil.
//
// Model failures end the run with a "Generation failed" message and a
// nil error. Only message store failures are returned, besides ErrBusy
// and ErrAwaitingConfirmation for a message that has to wait.
func (l *Loop) Run(ctx context.Context, req Request, sink stream.Sink) (*Result, error) {
	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}
	if sink == nil {
		sink = discard{}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !l.acquire(convID, &session{cancel: cancel, sink: sink}) {
		return nil, ErrBusy
	}
	defer l.release(convID)
	ctx = tools.WithConversationID(ctx, convID)

	if req.Message != "" {
		held, err := l.Holding(ctx, convID, req.Resolutions)
		if err != nil {
			return nil, err
		}
		if len(held) > 0 {
			l.logger.Info("message held back by pending confirmation",
				"conversation", convID,
				"pending", len(held),
				"tool_call_id", held[0].Part.ToolCallID,
			)
			return nil, ErrAwaitingConfirmation
		}
	}

	model := req.Model
	if model == "" {
		model = l.model
	}

	r := &run{
		loop:   l,
		convID: convID,
		model:  model,
		sink:   sink,
		ledger: l.ledger(convID),
		result: &Result{ConversationID: convID},
		logger: l.logger.With("conversation", convID),
	}

	l.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{
		"conversation_id": convID,
		"model":           model,
		"resolutions":     len(req.Resolutions),
	})
	start := time.Now()

	err := r.execute(ctx, req)

	l.bus.Emit(events.SourceAgent, events.KindRunFinish, map[string]any{
		"conversation_id": convID,
		"model":           model,
		"reason":          r.result.FinishReason,
		"turns":           r.result.Turns,
		"input_tokens":    r.result.InputTokens,
		"output_tokens":   r.result.OutputTokens,
		"duration_ms":     time.Since(start).Milliseconds(),
	})
	if err != nil {
		r.logger.Error("run failed", "error", err)
		return nil, err
	}
	r.logger.Info("run finished",
		"reason", r.result.FinishReason,
		"turns", r.result.Turns,
		"input_tokens", r.result.InputTokens,
		"output_tokens", r.result.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return r.result, nil
}

// run is the state of one Run call.
type run struct {
	loop    *Loop
	convID  string
	model   string
	sink    stream.Sink
	ledger  *confirm.Ledger
	result  *Result
	logger  *slog.Logger
	history []message.Message
}

func (r *run) execute(ctx context.Context, req Request) error {
	l := r.loop

	for _, res := range req.Resolutions {
		if err := res.Validate(); err != nil {
			r.logger.Warn("ignoring invalid resolution", "tool_call_id", res.ToolCallID, "error", err)
			continue
		}
		if !r.ledger.Record(res) {
			r.logger.Warn("ignoring duplicate resolution",
				"tool_call_id", res.ToolCallID, "decision", res.Decision)
		}
	}

	if req.Message != "" {
		if err := l.store.Append(ctx, r.convID, message.NewUser(req.Message, l.now())); err != nil {
			return fmt.Errorf("append user message: %w", err)
		}
	}

	history, err := l.store.Messages(ctx, r.convID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	// A new message only gets here once every pending call is decided;
	// the calls it follows stay in flight so the decisions apply.
	inFlight := reconcile.InFlight(history)
	if req.Message != "" && len(history) > 0 {
		inFlight = reconcile.InFlight(history[:len(history)-1])
	}
	cleaned, rep := reconcile.Clean(history, inFlight)
	if rep.RemovedParts > 0 {
		r.logger.Debug("reconciled history",
			"removed_parts", rep.RemovedParts, "removed_messages", rep.RemovedMessages)
	}
	r.history = cleaned

	// Nothing can move while every pending call still waits on a human.
	pending := confirm.PendingCalls(r.history, l.tools.RequiresConfirmation)
	if len(pending) > 0 && len(confirm.Unresolved(pending, r.ledger, nil)) == len(pending) {
		r.result.Pending = pending
		r.finish(stream.ReasonAwaitingConfirmation)
		return nil
	}

	if err := r.process(ctx); err != nil {
		return err
	}
	if r.awaiting() {
		return nil
	}

	for turn := 0; ; turn++ {
		if ctx.Err() != nil {
			r.finish(stream.ReasonCancelled)
			return nil
		}
		if turn >= l.maxTurns {
			return r.maxTurns(ctx)
		}

		called, err := r.turn(ctx)
		if err != nil {
			return err
		}
		if !called {
			if ctx.Err() != nil {
				r.finish(stream.ReasonCancelled)
			} else if r.result.FinishReason == "" {
				r.finish(stream.ReasonStop)
			}
			return nil
		}

		if err := r.process(ctx); err != nil {
			return err
		}
		if r.awaiting() {
			return nil
		}
	}
}

// turn streams one model turn into a new assistant message. It reports
// whether the model called any tools. A model failure ends the run.
func (r *run) turn(ctx context.Context) (bool, error) {
	l := r.loop
	r.result.Turns++
	msg := message.Message{
		ID:       message.NewID(),
		Role:     message.RoleAssistant,
		Metadata: message.Metadata{CreatedAt: l.now()},
	}
	// The start chunk waits for content; an empty turn is not stored.
	started := false
	begin := func() {
		if !started {
			started = true
			r.sink.Emit(stream.Start(msg.ID, message.RoleAssistant))
		}
	}

	l.bus.Emit(events.SourceAgent, events.KindTurn, map[string]any{
		"conversation_id": r.convID,
		"turn":            r.result.Turns,
	})

	seen := make(map[string]bool)
	callback := func(e llm.StreamEvent) {
		switch e.Kind {
		case llm.KindToken:
			begin()
			appendText(&msg, e.Token)
			r.sink.Emit(stream.TextDelta(msg.ID, e.Token))

		case llm.KindToolCall:
			tc := *e.ToolCall
			if l.tools.Get(tc.Function.Name) == nil {
				r.logger.Warn("dropping call to unknown tool",
					"tool", tc.Function.Name,
					"tool_call_id", tc.ID,
					"suggestions", l.tools.Suggest(tc.Function.Name),
				)
				return
			}
			if tc.ID == "" || seen[tc.ID] {
				tc.ID = "call_" + message.NewID()
			}
			seen[tc.ID] = true
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			begin()
			part := message.ToolPart(tc.Function.Name, tc.ID, message.StateInputStreaming, nil)
			r.sink.Emit(stream.ToolEvent(msg.ID, part))
			part.Input = args
			_ = part.Advance(message.StateInputAvailable, nil)
			msg.Parts = append(msg.Parts, part)
			r.sink.Emit(stream.ToolEvent(msg.ID, part))
		}
	}

	messages := toProvider(prompts.BuilderSystemPrompt(l.now()), r.history)
	r.logger.Debug("model turn", "turn", r.result.Turns, "model", r.model, "messages", len(messages))

	resp, err := l.llm.ChatStream(ctx, r.model, messages, l.tools.List(), callback)
	if err != nil {
		if ctx.Err() != nil {
			r.logger.Info("model turn cancelled", "turn", r.result.Turns)
			return false, r.save(ctx, msg)
		}
		r.logger.Error("generation failed", "turn", r.result.Turns, "model", r.model, "error", err)
		text := fmt.Sprintf("Generation failed: %v", err)
		begin()
		appendText(&msg, text)
		r.sink.Emit(stream.TextDelta(msg.ID, text))
		if err := r.save(ctx, msg); err != nil {
			return false, err
		}
		r.finish(stream.ReasonError)
		return false, nil
	}

	r.result.InputTokens += resp.InputTokens
	r.result.OutputTokens += resp.OutputTokens
	if err := r.save(ctx, msg); err != nil {
		return false, err
	}
	if text := msg.Text(); text != "" {
		r.result.Text = text
	}
	return len(msg.ToolParts()) > 0, nil
}

// process runs the tool processor over the history and persists every
// message it changed.
func (r *run) process(ctx context.Context) error {
	l := r.loop
	touched := make(map[string]bool)

	emit := func(msgID string, part message.Part) {
		touched[msgID] = true
		r.sink.Emit(stream.ToolEvent(msgID, part))
		if part.State.Terminal() && l.observer != nil {
			if _, err := l.observer.Observe(context.WithoutCancel(ctx), r.convID, part); err != nil {
				r.logger.Error("materializing tool result failed",
					"tool", part.ToolName, "tool_call_id", part.ToolCallID, "error", err)
			}
		}
	}

	before := r.history
	after, perr := l.proc.Process(ctx, before, r.ledger, emit)
	if perr != nil && !errors.Is(perr, context.Canceled) && !errors.Is(perr, context.DeadlineExceeded) {
		return fmt.Errorf("process tools: %w", perr)
	}

	// Persist on a detached context so a stop does not lose results
	// from tools that already ran.
	pctx := context.WithoutCancel(ctx)
	kept := make(map[string]int, len(after))
	for _, m := range after {
		kept[m.ID] = len(m.Parts)
	}
	for _, m := range before {
		n, ok := kept[m.ID]
		switch {
		case !ok:
			if err := l.store.Remove(pctx, r.convID, m.ID); err != nil {
				return fmt.Errorf("remove %s: %w", m.ID, err)
			}
		case touched[m.ID] || n != len(m.Parts):
			if err := l.store.Update(pctx, r.convID, findMessage(after, m.ID)); err != nil {
				return fmt.Errorf("persist %s: %w", m.ID, err)
			}
		}
	}
	r.history = after
	return nil
}

func findMessage(msgs []message.Message, id string) message.Message {
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	return message.Message{ID: id}
}

// awaiting finishes the run when a gated call still needs a human.
func (r *run) awaiting() bool {
	pending := confirm.PendingCalls(r.history, r.loop.tools.RequiresConfirmation)
	if len(pending) == 0 {
		return false
	}
	r.result.Pending = pending
	r.finish(stream.ReasonAwaitingConfirmation)
	return true
}

// maxTurns closes a run that hit its bound while the model still wanted
// tools.
func (r *run) maxTurns(ctx context.Context) error {
	notice := prompts.MaxTurnsNotice(r.loop.maxTurns)
	msg := message.Message{
		ID:       message.NewID(),
		Role:     message.RoleAssistant,
		Parts:    []message.Part{message.TextPart(notice)},
		Metadata: message.Metadata{CreatedAt: r.loop.now()},
	}
	r.sink.Emit(stream.Start(msg.ID, message.RoleAssistant))
	r.sink.Emit(stream.TextDelta(msg.ID, notice))
	if err := r.save(ctx, msg); err != nil {
		return err
	}
	r.result.Text = notice
	r.logger.Warn("turn bound reached", "max_turns", r.loop.maxTurns)
	r.finish(stream.ReasonMaxTurns)
	return nil
}

// save appends a finished assistant message. Empty messages are not
// stored.
func (r *run) save(ctx context.Context, msg message.Message) error {
	if len(msg.Parts) == 0 {
		return nil
	}
	if err := r.loop.store.Append(context.WithoutCancel(ctx), r.convID, msg); err != nil {
		return fmt.Errorf("append assistant message: %w", err)
	}
	r.history = append(r.history, msg)
	return nil
}

func (r *run) finish(reason string) {
	r.result.FinishReason = reason
	r.sink.Emit(stream.Finish(reason))
}

// appendText extends the trailing text part, or starts one after a tool
// part.
func appendText(m *message.Message, text string) {
	if n := len(m.Parts); n > 0 && m.Parts[n-1].Type == message.PartText {
		m.Parts[n-1].Text += text
		return
	}
	m.Parts = append(m.Parts, message.TextPart(text))
}

// discard is the sink of runs nobody watches, such as scheduled tasks.
type discard struct{}

func (discard) Emit(stream.Chunk) bool { return true }

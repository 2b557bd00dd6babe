package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/vektra-agent/internal/confirm"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/llm"
	"github.com/nugget/vektra-agent/internal/memory"
	"github.com/nugget/vektra-agent/internal/message"
	"github.com/nugget/vektra-agent/internal/project"
	"github.com/nugget/vektra-agent/internal/prompts"
	"github.com/nugget/vektra-agent/internal/stream"
	"github.com/nugget/vektra-agent/internal/tools"
)

// mockLLM replays canned responses. Content is streamed as one token and
// each tool call as one event.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      map[int]error
	repeat    bool // keep returning the last response
	block     bool // wait for cancellation instead of answering
	started   chan struct{}
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, td, nil)
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, td []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td})
	block := m.block
	m.mu.Unlock()

	if block {
		if m.started != nil {
			close(m.started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := m.errs[idx]; err != nil {
		return nil, err
	}

	var resp *llm.ChatResponse
	switch {
	case idx < len(m.responses):
		resp = m.responses[idx]
	case m.repeat && len(m.responses) > 0:
		resp = m.responses[len(m.responses)-1]
	default:
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", idx)
	}

	if cb != nil {
		if resp.Message.Content != "" {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
		}
		for i := range resp.Message.ToolCalls {
			tc := resp.Message.ToolCalls[i]
			cb(llm.StreamEvent{Kind: llm.KindToolCall, ToolCall: &tc})
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func text(s string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: "assistant", Content: s}, InputTokens: 10, OutputTokens: 5}
}

func calls(tcs ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Message: llm.Message{Role: "assistant", ToolCalls: tcs}}
}

func localTime(id, location string) llm.ToolCall {
	return llm.NewToolCall(id, "getLocalTime", map[string]any{"location": location})
}

func weather(id, city string) llm.ToolCall {
	return llm.NewToolCall(id, "getWeatherInformation", map[string]any{"city": city})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTestLoop(t *testing.T, mock *mockLLM) (*Loop, *memory.MemStore) {
	t.Helper()
	store := memory.NewMemStore()
	reg := tools.NewRegistry(testLogger())
	l := NewLoop(testLogger(), store, mock, reg, Config{Model: "test-model"})
	return l, store
}

// finishReason returns the reason carried by the final chunk.
func finishReason(t *testing.T, chunks []stream.Chunk) string {
	t.Helper()
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	last := chunks[len(chunks)-1]
	if last.Type != stream.TypeFinish {
		t.Fatalf("last chunk = %+v, want finish", last)
	}
	return last.Reason
}

func TestRunPlainReply(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Hello! What should we build?")}}
	l, store := buildTestLoop(t, mock)

	var sink stream.Collector
	res, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "hi"}, &sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinishReason != stream.ReasonStop || res.Turns != 1 || res.Text != "Hello! What should we build?" {
		t.Errorf("result = %+v", res)
	}
	if res.InputTokens != 10 || res.OutputTokens != 5 {
		t.Errorf("tokens = %d/%d", res.InputTokens, res.OutputTokens)
	}

	chunks := sink.Chunks()
	wantTypes := []stream.ChunkType{stream.TypeStart, stream.TypeTextDelta, stream.TypeFinish}
	if len(chunks) != len(wantTypes) {
		t.Fatalf("chunks = %+v", chunks)
	}
	for i, typ := range wantTypes {
		if chunks[i].Type != typ {
			t.Errorf("chunk %d type = %s, want %s", i, chunks[i].Type, typ)
		}
	}

	first := mock.calls[0].Messages
	if first[0].Role != "system" || first[len(first)-1].Content != "hi" {
		t.Errorf("model saw %+v", first)
	}

	msgs, _ := store.Messages(context.Background(), "c1")
	if len(msgs) != 2 || msgs[1].Text() != "Hello! What should we build?" {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		calls(localTime("t1", "Tokyo")),
		text("It is 10am in Tokyo."),
	}}
	l, store := buildTestLoop(t, mock)

	var sink stream.Collector
	res, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "time in Tokyo?"}, &sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinishReason != stream.ReasonStop || res.Turns != 2 {
		t.Errorf("result = %+v", res)
	}

	var states []message.ToolState
	for _, c := range sink.Chunks() {
		if c.Type == stream.TypeTool {
			states = append(states, c.State)
		}
	}
	want := []message.ToolState{
		message.StateInputStreaming,
		message.StateInputAvailable,
		message.StateExecuting,
		message.StateOutputAvailable,
	}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("tool states = %v, want %v", states, want)
	}

	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "10am" || last.ToolCallID != "t1" {
		t.Errorf("tool result sent to model = %+v", last)
	}

	folded := stream.Fold(sink.Chunks())
	if len(folded) != 2 || folded[0].Parts[0].Output != "10am" {
		t.Errorf("folded = %+v", folded)
	}

	msgs, _ := store.Messages(context.Background(), "c1")
	if len(msgs) != 3 {
		t.Fatalf("stored %d messages, want 3", len(msgs))
	}
	if p := msgs[1].Parts[0]; p.State != message.StateOutputAvailable || p.Output != "10am" {
		t.Errorf("stored tool part = %+v", p)
	}
}

func TestRunTurnBound(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{calls(localTime("", "Paris"))}, repeat: true}
	l, store := buildTestLoop(t, mock)

	var sink stream.Collector
	res, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "loop forever"}, &sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := mock.callCount(); got != DefaultMaxTurns {
		t.Errorf("model calls = %d, want %d", got, DefaultMaxTurns)
	}
	if reason := finishReason(t, sink.Chunks()); reason != stream.ReasonMaxTurns {
		t.Errorf("finish = %q", reason)
	}
	if res.Turns != DefaultMaxTurns || res.Text != prompts.MaxTurnsNotice(DefaultMaxTurns) {
		t.Errorf("result = %+v", res)
	}

	// Every call got a distinct id even though the model sent none.
	msgs, _ := store.Messages(context.Background(), "c1")
	ids := make(map[string]bool)
	for _, m := range msgs {
		for _, p := range m.Parts {
			if p.IsTool() {
				if ids[p.ToolCallID] {
					t.Errorf("duplicate tool call id %s", p.ToolCallID)
				}
				ids[p.ToolCallID] = true
			}
		}
	}
	if len(ids) != DefaultMaxTurns {
		t.Errorf("tool calls stored = %d", len(ids))
	}
}

func TestRunWeatherConfirmation(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		calls(weather("w1", "Paris")),
		text("It's sunny in Paris."),
	}}
	l, store := buildTestLoop(t, mock)
	ctx := context.Background()

	var first stream.Collector
	res, err := l.Run(ctx, Request{ConversationID: "c1", Message: "weather in Paris?"}, &first)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinishReason != stream.ReasonAwaitingConfirmation || len(res.Pending) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Pending[0].Part.ToolCallID != "w1" {
		t.Errorf("pending = %+v", res.Pending)
	}

	// Asking again without a decision does nothing.
	res, err = l.Run(ctx, Request{ConversationID: "c1"}, nil)
	if err != nil || res.FinishReason != stream.ReasonAwaitingConfirmation {
		t.Fatalf("second Run = %+v, %v", res, err)
	}
	if mock.callCount() != 1 {
		t.Errorf("model called %d times while waiting", mock.callCount())
	}

	pending, err := l.PendingConfirmations(ctx, "c1")
	if err != nil || len(pending) != 1 {
		t.Errorf("PendingConfirmations = %+v, %v", pending, err)
	}

	var second stream.Collector
	res, err = l.Run(ctx, Request{ConversationID: "c1", Resolutions: []confirm.Resolution{
		{ToolCallID: "w1", Decision: confirm.Approve},
		{ToolCallID: "w1", Decision: confirm.Deny},
	}}, &second)
	if err != nil {
		t.Fatalf("confirm Run: %v", err)
	}
	if res.FinishReason != stream.ReasonStop || res.Text != "It's sunny in Paris." {
		t.Errorf("result = %+v", res)
	}

	msgs, _ := store.Messages(ctx, "c1")
	part := msgs[1].Parts[0]
	if part.State != message.StateOutputAvailable || part.Output != "The weather in Paris is sunny" {
		t.Errorf("weather part = %+v", part)
	}

	pending, _ = l.PendingConfirmations(ctx, "c1")
	if len(pending) != 0 {
		t.Errorf("still pending: %+v", pending)
	}
}

func TestRunHoldsMessageWhileConfirmationPending(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		calls(weather("w1", "Paris")),
		text("It's sunny in Paris, and it is 10am."),
	}}
	l, store := buildTestLoop(t, mock)
	ctx := context.Background()

	if _, err := l.Run(ctx, Request{ConversationID: "c1", Message: "weather in Paris?"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var sink stream.Collector
	res, err := l.Run(ctx, Request{ConversationID: "c1", Message: "something else"}, &sink)
	if !errors.Is(err, ErrAwaitingConfirmation) {
		t.Fatalf("Run = %+v, %v, want ErrAwaitingConfirmation", res, err)
	}
	if len(sink.Chunks()) != 0 {
		t.Errorf("held run streamed %+v", sink.Chunks())
	}
	if mock.callCount() != 1 {
		t.Errorf("model called %d times while held", mock.callCount())
	}
	msgs, _ := store.Messages(ctx, "c1")
	if len(msgs) != 2 {
		t.Errorf("held message was stored: %d messages", len(msgs))
	}
	held, err := l.Holding(ctx, "c1", nil)
	if err != nil || len(held) != 1 || held[0].Part.ToolCallID != "w1" {
		t.Fatalf("Holding = %+v, %v", held, err)
	}

	// A message carrying the decision goes through and the call runs.
	res, err = l.Run(ctx, Request{
		ConversationID: "c1",
		Message:        "and the time?",
		Resolutions:    []confirm.Resolution{{ToolCallID: "w1", Decision: confirm.Approve}},
	}, nil)
	if err != nil || res.FinishReason != stream.ReasonStop {
		t.Fatalf("Run with decision = %+v, %v", res, err)
	}
	msgs, _ = store.Messages(ctx, "c1")
	if len(msgs) != 4 {
		t.Fatalf("stored %d messages, want 4", len(msgs))
	}
	if p := msgs[1].Parts[0]; p.State != message.StateOutputAvailable || p.Output != "The weather in Paris is sunny" {
		t.Errorf("weather part = %+v", p)
	}
	if msgs[2].Role != message.RoleUser || msgs[2].Text() != "and the time?" {
		t.Errorf("user message = %+v", msgs[2])
	}
	if pending, _ := l.PendingConfirmations(ctx, "c1"); len(pending) != 0 {
		t.Errorf("still pending: %+v", pending)
	}
}

func TestRunUnknownToolKeepsFoldAndStoreInStep(t *testing.T) {
	mixed := calls(llm.NewToolCall("u1", "noSuchTool", map[string]any{}))
	mixed.Message.Content = "Let me check."
	mock := &mockLLM{responses: []*llm.ChatResponse{mixed}}
	l, store := buildTestLoop(t, mock)
	ctx := context.Background()

	var sink stream.Collector
	res, err := l.Run(ctx, Request{ConversationID: "c1", Message: "do it"}, &sink)
	if err != nil || res.FinishReason != stream.ReasonStop {
		t.Fatalf("Run = %+v, %v", res, err)
	}

	for _, c := range sink.Chunks() {
		if c.Type == stream.TypeTool {
			t.Errorf("streamed a chunk for an unknown tool: %+v", c)
		}
	}
	folded := stream.Fold(sink.Chunks())
	msgs, _ := store.Messages(ctx, "c1")
	if len(folded) != 1 || len(msgs) != 2 {
		t.Fatalf("folded %d messages, stored %d", len(folded), len(msgs))
	}
	if folded[0].ID != msgs[1].ID || len(folded[0].Parts) != len(msgs[1].Parts) || msgs[1].Text() != "Let me check." {
		t.Errorf("folded %+v, stored %+v", folded[0], msgs[1])
	}
}

func TestRunRemovesMessageEmptiedByUnknownTool(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{text("Done.")}}
	l, store := buildTestLoop(t, mock)
	ctx := context.Background()

	user := message.NewUser("do it", time.Now())
	stale := message.Message{ID: "a1", Role: message.RoleAssistant, Parts: []message.Part{
		message.ToolPart("retiredTool", "r1", message.StateInputAvailable, map[string]any{}),
	}}
	if err := store.Append(ctx, "c1", user); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "c1", stale); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Run(ctx, Request{ConversationID: "c1"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs, _ := store.Messages(ctx, "c1")
	if len(msgs) != 2 || msgs[0].ID != user.ID || msgs[1].Text() != "Done." {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestRunDeniedReachesModelAsError(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		calls(weather("w1", "Paris")),
		text("Okay, I won't check."),
	}}
	l, store := buildTestLoop(t, mock)
	ctx := context.Background()

	if _, err := l.Run(ctx, Request{ConversationID: "c1", Message: "weather?"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Chat clients send the literal answer strings.
	res, err := l.Run(ctx, Request{ConversationID: "c1", Resolutions: []confirm.Resolution{
		{ToolCallID: "w1", Result: confirm.ApprovalNo},
	}}, nil)
	if err != nil || res.FinishReason != stream.ReasonStop {
		t.Fatalf("Run = %+v, %v", res, err)
	}

	msgs, _ := store.Messages(ctx, "c1")
	if p := msgs[1].Parts[0]; p.State != message.StateOutputError || p.Output != confirm.DeniedOutput {
		t.Errorf("denied part = %+v", p)
	}
	sent := mock.calls[1].Messages
	last := sent[len(sent)-1]
	if last.Role != "tool" || !last.IsError || last.Content != confirm.DeniedOutput {
		t.Errorf("model saw %+v", last)
	}
}

func TestRunGenerationFailure(t *testing.T) {
	mock := &mockLLM{errs: map[int]error{0: errors.New("upstream 503")}}
	l, store := buildTestLoop(t, mock)

	var sink stream.Collector
	res, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "hi"}, &sink)
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if res.FinishReason != stream.ReasonError {
		t.Errorf("finish = %q", res.FinishReason)
	}
	if reason := finishReason(t, sink.Chunks()); reason != stream.ReasonError {
		t.Errorf("finish chunk = %q", reason)
	}
	msgs, _ := store.Messages(context.Background(), "c1")
	if len(msgs) != 2 || msgs[1].Text() != "Generation failed: upstream 503" {
		t.Errorf("stored = %+v", msgs)
	}
}

func TestRunBusyAndStop(t *testing.T) {
	mock := &mockLLM{block: true, started: make(chan struct{})}
	l, _ := buildTestLoop(t, mock)

	mux := stream.NewMux(16)
	go func() {
		for range mux.Chunks() {
		}
	}()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	defer mux.Close()
	go func() {
		res, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "build it"}, mux)
		done <- outcome{res, err}
	}()

	select {
	case <-mock.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model never called")
	}

	if !l.Active("c1") {
		t.Error("conversation not active")
	}
	if _, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "again"}, nil); !errors.Is(err, ErrBusy) {
		t.Errorf("concurrent Run err = %v, want ErrBusy", err)
	}

	if !l.Stop("c1") {
		t.Fatal("Stop reported no active run")
	}
	select {
	case o := <-done:
		if o.err != nil || o.res.FinishReason != stream.ReasonCancelled {
			t.Errorf("stopped run = %+v, %v", o.res, o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
	if mux.Emit(stream.Finish(stream.ReasonStop)) {
		t.Error("mux accepted a chunk after Stop")
	}
	if l.Stop("c1") {
		t.Error("Stop after finish reported an active run")
	}
}

// stopSink collects chunks and calls onChunk after each delivery.
type stopSink struct {
	mu      sync.Mutex
	chunks  []stream.Chunk
	stopped bool
	onChunk func(stream.Chunk)
}

func (s *stopSink) Emit(c stream.Chunk) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
	if s.onChunk != nil {
		s.onChunk(c)
	}
	return true
}

func (s *stopSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func TestStopAfterTwoResults(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		calls(localTime("t1", "Paris"), localTime("t2", "Tokyo"), localTime("t3", "Lima")),
		text("should never be requested"),
	}}
	l, store := buildTestLoop(t, mock)

	results := 0
	sink := &stopSink{}
	sink.onChunk = func(c stream.Chunk) {
		if c.Type == stream.TypeTool && c.State.Terminal() {
			results++
			if results == 2 {
				l.Stop("c1")
			}
		}
	}

	res, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "times?"}, sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinishReason != stream.ReasonCancelled {
		t.Errorf("finish = %q", res.FinishReason)
	}
	if results != 2 {
		t.Errorf("delivered results = %d, want 2", results)
	}
	if mock.callCount() != 1 {
		t.Errorf("model calls = %d, want 1 (no new turn)", mock.callCount())
	}

	msgs, _ := store.Messages(context.Background(), "c1")
	parts := msgs[1].Parts
	if parts[0].State != message.StateOutputAvailable || parts[1].State != message.StateOutputAvailable {
		t.Errorf("finished results not persisted: %+v", parts)
	}
	if parts[2].State != message.StateInputAvailable {
		t.Errorf("third call dispatched after stop: %+v", parts[2])
	}
}

type recordingObserver struct {
	mu    sync.Mutex
	parts []message.Part
}

func (o *recordingObserver) Observe(_ context.Context, _ string, part message.Part) (*project.Version, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.parts = append(o.parts, part)
	return nil, nil
}

func TestRunObservesResultsAndPublishes(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		calls(localTime("t1", "Paris")),
		text("done"),
	}}
	l, _ := buildTestLoop(t, mock)
	obs := &recordingObserver{}
	l.SetObserver(obs)
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)
	l.SetEventBus(bus)

	if _, err := l.Run(context.Background(), Request{ConversationID: "c1", Message: "time?"}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(obs.parts) != 1 || obs.parts[0].ToolCallID != "t1" {
		t.Errorf("observed = %+v", obs.parts)
	}

	topics := make(map[string]bool)
	for len(ch) > 0 {
		e := <-ch
		topics[e.Topic()] = true
	}
	for _, want := range []string{"agent/run_start", "agent/turn", "tools/result", "agent/run_finish"} {
		if !topics[want] {
			t.Errorf("missing event %s (got %v)", want, topics)
		}
	}
}

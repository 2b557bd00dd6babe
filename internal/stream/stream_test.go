package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/vektra-agent/internal/message"
)

func TestMuxOrderAndSeq(t *testing.T) {
	m := NewMux(0)

	var got []Chunk
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for c := range m.Chunks() {
			got = append(got, c)
		}
	}()

	m.Emit(Start("m1", message.RoleAssistant))
	m.Emit(TextDelta("m1", "Hel"))
	m.Emit(TextDelta("m1", "lo"))
	m.Emit(Finish(ReasonStop))
	m.Close()
	wg.Wait()

	if len(got) != 4 {
		t.Fatalf("got %d chunks, want 4", len(got))
	}
	for i, c := range got {
		if c.Seq != int64(i+1) {
			t.Errorf("chunk %d seq = %d", i, c.Seq)
		}
	}
	if got[2].Delta != "lo" || got[3].Reason != ReasonStop {
		t.Errorf("chunks = %+v", got)
	}
}

func TestMuxStopDropsLaterChunks(t *testing.T) {
	m := NewMux(8)
	if !m.Emit(TextDelta("m1", "a")) {
		t.Fatal("Emit before Stop returned false")
	}
	m.Stop()
	m.Stop()
	if m.Emit(TextDelta("m1", "b")) {
		t.Error("Emit after Stop returned true")
	}
	m.Close()
	if m.Emit(Finish(ReasonStop)) {
		t.Error("Emit after Close returned true")
	}

	var n int
	for range m.Chunks() {
		n++
	}
	if n != 1 {
		t.Errorf("delivered %d chunks, want 1", n)
	}
}

func TestMuxStopReleasesBlockedEmit(t *testing.T) {
	m := NewMux(0)
	result := make(chan bool, 1)
	go func() { result <- m.Emit(TextDelta("m1", "x")) }()

	time.Sleep(20 * time.Millisecond)
	m.Stop()

	select {
	case ok := <-result:
		if ok {
			t.Error("blocked Emit reported delivery after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("Emit still blocked after Stop")
	}
}

func TestFold(t *testing.T) {
	input := map[string]any{"city": "Paris"}
	chunks := []Chunk{
		Start("u1", message.RoleUser),
		TextDelta("u1", "weather?"),
		Start("a1", message.RoleAssistant),
		TextDelta("a1", "Let me "),
		TextDelta("a1", "check."),
		ToolEvent("a1", message.ToolPart("getWeatherInformation", "c1", message.StateInputStreaming, nil)),
		ToolEvent("a1", message.ToolPart("getWeatherInformation", "c1", message.StateInputAvailable, input)),
		TextDelta("a1", "Done."),
		Finish(ReasonAwaitingConfirmation),
	}

	msgs := Fold(chunks)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != message.RoleUser || msgs[0].Text() != "weather?" {
		t.Errorf("user message = %+v", msgs[0])
	}

	a := msgs[1]
	if len(a.Parts) != 3 {
		t.Fatalf("assistant parts = %+v", a.Parts)
	}
	if a.Parts[0].Text != "Let me check." || a.Parts[2].Text != "Done." {
		t.Errorf("text parts = %q, %q", a.Parts[0].Text, a.Parts[2].Text)
	}
	tool := a.Parts[1]
	if tool.State != message.StateInputAvailable || tool.Input["city"] != "Paris" {
		t.Errorf("tool part = %+v", tool)
	}

	done := message.ToolPart("getWeatherInformation", "c1", message.StateInputAvailable, input)
	_ = done.Advance(message.StateOutputAvailable, "sunny")
	msgs = Fold(append(chunks, ToolEvent("a1", done)))
	if got := msgs[1].Parts[1]; got.State != message.StateOutputAvailable || got.Output != "sunny" {
		t.Errorf("resolved tool part = %+v", got)
	}
}

func TestSSEPump(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse, err := NewSSEWriter(w, logger)
		if err != nil {
			t.Errorf("NewSSEWriter: %v", err)
			return
		}
		m := NewMux(4)
		go func() {
			m.Emit(Start("a1", message.RoleAssistant))
			m.Emit(TextDelta("a1", "hi & <bye>"))
			m.Emit(Finish(ReasonStop))
			m.Close()
		}()
		Pump(sse, m, time.Minute)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var chunks []Chunk
	var done bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			break
		}
		var c Chunk
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		chunks = append(chunks, c)
	}

	if !done {
		t.Error("stream did not end with [DONE]")
	}
	if len(chunks) != 3 || chunks[1].Delta != "hi & <bye>" {
		t.Errorf("chunks = %+v", chunks)
	}
}

package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/vektra-agent/internal/events"
)

func TestEventFilter(t *testing.T) {
	result := events.Event{Source: events.SourceTools, Kind: events.KindResult}
	runFinish := events.Event{Source: events.SourceAgent, Kind: events.KindRunFinish}

	tests := []struct {
		query  string
		result bool
		finish bool
	}{
		{"", true, true},
		{"topic=tools/", true, false},
		{"topic=agent/run_finish", false, true},
		{"topic=tools/,+agent/", true, true},
		{"topic=project/", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			f := parseEventFilter(httptest.NewRequest("GET", "/v1/events?"+tt.query, nil))
			if got := f.match(result); got != tt.result {
				t.Errorf("match(tools/result) = %v, want %v", got, tt.result)
			}
			if got := f.match(runFinish); got != tt.finish {
				t.Errorf("match(agent/run_finish) = %v, want %v", got, tt.finish)
			}
		})
	}
}

func TestEventsWebsocket(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/events?topic=tools/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{"conversation_id": "c1"})
	env.bus.Emit(events.SourceTools, events.KindResult, map[string]any{"tool": "getLocalTime"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Topic() != "tools/result" || got.Data["tool"] != "getLocalTime" {
		t.Errorf("event = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("event has no timestamp")
	}
}

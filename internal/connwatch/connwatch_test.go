package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/vektra-agent/internal/events"
)

// testBackoff returns a fast backoff for tests.
func testBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBackoffDefaults(t *testing.T) {
	got := Backoff{MaxRetries: 3}.withDefaults()
	want := DefaultBackoff()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("withDefaults = %+v, want %+v", got, want)
	}
}

func TestBackoffNext(t *testing.T) {
	b := DefaultBackoff()
	delays := []time.Duration{b.InitialDelay}
	for range 6 {
		delays = append(delays, b.next(delays[len(delays)-1]))
	}
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, d := range delays {
		if d != want[i]*time.Second {
			t.Errorf("delay %d = %v, want %v", i, d, want[i]*time.Second)
		}
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	m := NewManager(bus, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "ollama", func(context.Context) error { return nil }, testBackoff())

	waitFor(t, "ready", w.IsReady)

	select {
	case e := <-ch:
		if e.Topic() != "connwatch/service_ready" || e.Data["service"] != "ollama" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no service_ready event")
	}

	st := w.Status()
	if !st.Ready || st.Since.IsZero() || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	m := NewManager(nil, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "anthropic", probe, testBackoff())

	waitFor(t, "ready", w.IsReady)
	if n := calls.Load(); n < 3 {
		t.Errorf("probe called %d times, want at least 3", n)
	}
}

func TestWatcher_ServiceGoesDown(t *testing.T) {
	t.Parallel()
	var down atomic.Bool
	probe := func(context.Context) error {
		if down.Load() {
			return errors.New("no route to host")
		}
		return nil
	}

	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	m := NewManager(bus, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "build-host", probe, testBackoff())
	waitFor(t, "ready", w.IsReady)

	down.Store(true)
	waitFor(t, "down", func() bool { return !w.IsReady() })
	if m.Ready() {
		t.Error("manager ready with a service down")
	}
	if st := w.Status(); st.LastError != "no route to host" {
		t.Errorf("last error = %q", st.LastError)
	}

	down.Store(false)
	waitFor(t, "recovered", w.IsReady)

	var kinds []string
	for len(kinds) < 3 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", kinds)
		}
	}
	want := []string{events.KindServiceReady, events.KindServiceDown, events.KindServiceReady}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("events = %v, want %v", kinds, want)
			break
		}
	}
}

func TestWatcher_StartupExhaustsRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	probe := func(context.Context) error {
		calls.Add(1)
		return errors.New("down")
	}

	m := NewManager(nil, quietLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), "gemini", probe, testBackoff())

	// Polling continues after the startup attempts.
	waitFor(t, "polling", func() bool { return calls.Load() > int32(testBackoff().MaxRetries) })
	if w.IsReady() {
		t.Error("watcher ready with a failing probe")
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	m := NewManager(nil, quietLogger())
	w := m.Watch(ctx, "slow", func(context.Context) error { return errors.New("down") }, Backoff{
		InitialDelay: time.Hour,
		MaxRetries:   5,
	})

	cancel()
	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestManager_StatusAndReplace(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, quietLogger())
	defer m.Stop()

	first := m.Watch(context.Background(), "ollama", func(context.Context) error { return errors.New("down") }, testBackoff())
	second := m.Watch(context.Background(), "ollama", func(context.Context) error { return nil }, testBackoff())

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	waitFor(t, "ready", second.IsReady)

	status := m.Status()
	if len(status) != 1 || !status["ollama"].Ready {
		t.Errorf("status = %+v", status)
	}
	if !m.Ready() {
		t.Error("manager not ready")
	}
}

func TestManager_EmptyIsReady(t *testing.T) {
	if !NewManager(nil, nil).Ready() {
		t.Error("manager with no watchers should be ready")
	}
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := DialProbe(addr)(ctx); err != nil {
		t.Errorf("DialProbe(open) = %v", err)
	}

	ln.Close()
	if err := DialProbe(addr)(ctx); err == nil {
		t.Error("DialProbe(closed) succeeded")
	}
}

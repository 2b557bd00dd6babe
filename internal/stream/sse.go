package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// SSEWriter frames chunks as server-sent events.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	logger  *slog.Logger
}

// NewSSEWriter sets the event-stream headers on w.
func NewSSEWriter(w http.ResponseWriter, logger *slog.Logger) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &SSEWriter{
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		logger:  logger,
	}, nil
}

// Write sends one chunk as "data: <json>".
func (s *SSEWriter) Write(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Keepalive writes an SSE comment.
func (s *SSEWriter) Keepalive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Done writes the terminating marker.
func (s *SSEWriter) Done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flush()
}

func (s *SSEWriter) flush() {
	s.flusher.Flush()
	if err := s.rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Debug("failed to reset write deadline", "error", err)
	}
}

// Pump copies chunks from m to s until the channel closes, writing a
// keepalive whenever the stream is idle for interval. A write failure
// stops the mux so producers stop blocking.
func Pump(s *SSEWriter, m *Mux, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case c, ok := <-m.Chunks():
			if !ok {
				s.Done()
				return
			}
			if err := s.Write(c); err != nil {
				s.logger.Debug("client went away", "error", err)
				m.Stop()
				drain(m)
				return
			}
			ticker.Reset(interval)
		case <-ticker.C:
			if err := s.Keepalive(); err != nil {
				m.Stop()
				drain(m)
				return
			}
		}
	}
}

func drain(m *Mux) {
	for range m.Chunks() {
	}
}

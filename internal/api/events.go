package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/vektra-agent/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	// The builder UI is served from its own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilter matches events against the comma-separated "topic" query
// parameter. Each entry is a topic prefix such as "tools/" or
// "agent/run_finish". No filter matches everything.
type eventFilter []string

func parseEventFilter(r *http.Request) eventFilter {
	var f eventFilter
	for _, p := range strings.Split(r.URL.Query().Get("topic"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			f = append(f, p)
		}
	}
	return f
}

func (f eventFilter) match(e events.Event) bool {
	if len(f) == 0 {
		return true
	}
	topic := e.Topic()
	for _, p := range f {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

// handleEvents upgrades to a websocket and streams bus events as JSON
// until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.unavailable(w, "event bus")
		return
	}
	filter := parseEventFilter(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event subscriber connected", "remote", r.RemoteAddr, "filter", []string(filter))

	// The read side only handles control frames and notices the close.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event subscriber disconnected", "remote", r.RemoteAddr)
			return
		case e := <-ch:
			if !filter.match(e) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

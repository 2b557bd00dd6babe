// Package api implements the Vektra HTTP API: streamed chat and
// confirmation runs, project version history, scheduled tasks and a live
// event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/vektra-agent/internal/agent"
	"github.com/nugget/vektra-agent/internal/buildinfo"
	"github.com/nugget/vektra-agent/internal/connwatch"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/memory"
	"github.com/nugget/vektra-agent/internal/project"
	"github.com/nugget/vektra-agent/internal/scheduler"
	"github.com/nugget/vektra-agent/internal/usage"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	loop      *agent.Loop
	messages  memory.Store
	projects  *project.Store
	scheduler *scheduler.Scheduler
	bus       *events.Bus
	usage     *usage.Store
	services  *connwatch.Manager
	logger    *slog.Logger
	server    *http.Server

	keepalive time.Duration
}

// NewServer creates a new API server.
func NewServer(address string, port int, loop *agent.Loop, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		loop:      loop,
		logger:    logger.With("component", "api"),
		keepalive: 15 * time.Second,
	}
}

// SetMemoryStore configures the message store for conversation endpoints.
func (s *Server) SetMemoryStore(ms memory.Store) {
	s.messages = ms
}

// SetProjectStore configures the project endpoints.
func (s *Server) SetProjectStore(ps *project.Store) {
	s.projects = ps
}

// SetScheduler configures the task endpoints.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// SetEventBus configures the websocket event feed.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetUsageStore configures the usage report endpoint.
func (s *Server) SetUsageStore(us *usage.Store) {
	s.usage = us
}

// SetServiceWatcher adds dependency reachability to the health report.
func (s *Server) SetServiceWatcher(m *connwatch.Manager) {
	s.services = m
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversations
	mux.HandleFunc("POST /v1/conversations/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /v1/conversations/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /v1/conversations/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/conversations/{id}/pending", s.handlePending)
	mux.HandleFunc("GET /v1/conversations/{id}/transcript.html", s.handleTranscript)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)

	// Projects
	mux.HandleFunc("POST /v1/projects", s.handleProjectCreate)
	mux.HandleFunc("GET /v1/projects", s.handleProjectList)
	mux.HandleFunc("GET /v1/projects/{id}", s.handleProjectGet)
	mux.HandleFunc("PATCH /v1/projects/{id}", s.handleProjectUpdate)
	mux.HandleFunc("DELETE /v1/projects/{id}", s.handleProjectDelete)
	mux.HandleFunc("PUT /v1/projects/{id}/env", s.handleProjectEnv)
	mux.HandleFunc("POST /v1/projects/{id}/restore", s.handleProjectRestore)
	mux.HandleFunc("GET /v1/projects/{id}/versions/{vid}/qr", s.handleVersionQR)

	// Scheduled tasks
	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskDelete)

	// Live events
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Token usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// SSE writers push the deadline forward on every flush.
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth reports "degraded" while a watched dependency is
// unreachable. The process itself is serving, so the code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"uptime": buildinfo.Uptime().Truncate(time.Second).String(),
	}
	if s.services != nil {
		if !s.services.Ready() {
			resp["status"] = "degraded"
		}
		resp["services"] = s.services.Status()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	errType := "invalid_request_error"
	switch {
	case code == http.StatusNotFound:
		errType = "not_found_error"
	case code == http.StatusConflict:
		errType = "conflict_error"
	case code >= 500:
		errType = "server_error"
	}
	s.respond(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}

// unavailable reports a 503 when an optional collaborator is missing.
func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// parseIntParam extracts a positive integer query parameter, returning
// def when absent or invalid, clamped to max.
func parseIntParam(r *http.Request, name string, def, max int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

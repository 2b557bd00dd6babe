package api

import (
	"errors"
	"net/http"

	"github.com/nugget/vektra-agent/internal/agent"
	"github.com/nugget/vektra-agent/internal/confirm"
	"github.com/nugget/vektra-agent/internal/message"
	"github.com/nugget/vektra-agent/internal/stream"
	"github.com/nugget/vektra-agent/internal/transcript"
)

// muxBuffer is how many chunks a run may get ahead of a slow client.
const muxBuffer = 64

// ChatRequest is the body of a chat call. Resolutions lets a client that
// answers confirmations inline send them with its next message.
type ChatRequest struct {
	Message     string               `json:"message"`
	Model       string               `json:"model,omitempty"`
	Resolutions []confirm.Resolution `json:"resolutions,omitempty"`
}

// ConfirmRequest resolves gated calls. A single decision may be sent at
// the top level, or several in Resolutions.
type ConfirmRequest struct {
	confirm.Resolution
	Resolutions []confirm.Resolution `json:"resolutions,omitempty"`
	Model       string               `json:"model,omitempty"`
}

func (c ConfirmRequest) all() []confirm.Resolution {
	out := make([]confirm.Resolution, 0, len(c.Resolutions)+1)
	if c.ToolCallID != "" {
		out = append(out, c.Resolution)
	}
	return append(out, c.Resolutions...)
}

func validateResolutions(rs []confirm.Resolution) error {
	for i := range rs {
		if err := rs[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Message == "" && len(req.Resolutions) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := validateResolutions(req.Resolutions); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.streamRun(w, r, agent.Request{
		ConversationID: r.PathValue("id"),
		Message:        req.Message,
		Resolutions:    req.Resolutions,
		Model:          req.Model,
	})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	resolutions := req.all()
	if len(resolutions) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "toolCallId is required")
		return
	}
	if err := validateResolutions(resolutions); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	s.streamRun(w, r, agent.Request{
		ConversationID: r.PathValue("id"),
		Resolutions:    resolutions,
		Model:          req.Model,
	})
}

// streamRun drives one run and streams its chunks as server-sent events.
// The run is tied to the request: a client that goes away stops it.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, req agent.Request) {
	if s.loop.Active(req.ConversationID) {
		s.errorResponse(w, http.StatusConflict, agent.ErrBusy.Error())
		return
	}
	if req.Message != "" {
		held, err := s.loop.Holding(r.Context(), req.ConversationID, req.Resolutions)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		if len(held) > 0 {
			s.errorResponse(w, http.StatusConflict, agent.ErrAwaitingConfirmation.Error())
			return
		}
	}

	sse, err := stream.NewSSEWriter(w, s.logger)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	mux := stream.NewMux(muxBuffer)
	go func() {
		defer mux.Close()
		if _, err := s.loop.Run(r.Context(), req, mux); err != nil {
			if !errors.Is(err, agent.ErrBusy) && !errors.Is(err, agent.ErrAwaitingConfirmation) {
				s.logger.Error("run failed", "conversation", req.ConversationID, "error", err)
			}
			mux.Emit(stream.Finish(stream.ReasonError))
		}
	}()

	stream.Pump(sse, mux, s.keepalive)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.respond(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"stopped":        s.loop.Stop(id),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pending, err := s.loop.PendingConfirmations(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []confirm.PendingCall{}
	}
	s.respond(w, http.StatusOK, map[string]any{
		"conversationId": id,
		"pending":        pending,
	})
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) ([]message.Message, bool) {
	if s.messages == nil {
		s.unavailable(w, "message store")
		return nil, false
	}
	msgs, err := s.messages.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	return msgs, true
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, ok := s.conversation(w, r)
	if !ok {
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"conversationId": r.PathValue("id"),
		"messages":       msgs,
		"active":         s.loop.Active(r.PathValue("id")),
	})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	msgs, ok := s.conversation(w, r)
	if !ok {
		return
	}
	if len(msgs) == 0 {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	page, err := transcript.HTML("Conversation "+r.PathValue("id"), msgs)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write transcript", "error", err)
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.messages == nil {
		s.unavailable(w, "message store")
		return
	}
	convs, err := s.messages.Conversations(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"conversations": convs})
}

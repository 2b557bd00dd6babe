package api

import (
	"errors"
	"net/http"

	"github.com/nugget/vektra-agent/internal/scheduler"
)

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	tasks, err := s.scheduler.ListTasks(r.URL.Query().Get("conversation"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}
	s.respond(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.unavailable(w, "scheduler")
		return
	}
	err := s.scheduler.DeleteTask(r.PathValue("id"))
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

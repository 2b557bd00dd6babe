package api

import (
	"net/http"
	"time"
)

// maxUsageWindow bounds the "since" parameter of usage reports.
const maxUsageWindow = 366 * 24 * time.Hour

// handleUsage reports token usage and cost over a trailing window given
// as a duration, e.g. ?since=24h (the default) or ?since=720h.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.unavailable(w, "usage store")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "since must be a positive duration such as 24h")
			return
		}
		window = min(d, maxUsageWindow)
	}

	end := time.Now()
	start := end.Add(-window)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byConv, err := s.usage.SummaryByConversation(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	s.respond(w, http.StatusOK, map[string]any{
		"from":           start.UTC().Format(time.RFC3339),
		"to":             end.UTC().Format(time.RFC3339),
		"total":          total,
		"byModel":        byModel,
		"byConversation": byConv,
	})
}

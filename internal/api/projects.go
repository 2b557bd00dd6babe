package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/vektra-agent/internal/project"
)

// Preview QR images are square PNGs between these sizes.
const (
	qrDefaultSize = 256
	qrMinSize     = 64
	qrMaxSize     = 1024
)

type createProjectRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	ConversationID string `json:"conversationId"`
}

// updateProjectRequest uses pointers so absent fields stay unchanged.
type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type envRequest struct {
	EnvVars []project.EnvVar `json:"envVars"`
}

// restoreRequest selects a version by ID or by index.
type restoreRequest struct {
	VersionID    string `json:"versionId"`
	VersionIndex *int   `json:"versionIndex"`
}

// projectError maps store errors onto status codes.
func (s *Server) projectError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, project.ErrVersionOutOfRange):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("project store error", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "project store error")
	}
}

func (s *Server) requireProjects(w http.ResponseWriter) bool {
	if s.projects == nil {
		s.unavailable(w, "project store")
		return false
	}
	return true
}

func (s *Server) handleProjectCreate(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	p := project.New(req.Name, req.Description, req.ConversationID, time.Now())
	if err := s.projects.Create(r.Context(), p); err != nil {
		s.projectError(w, err)
		return
	}
	s.logger.Info("project created", "project", p.ID, "conversation", p.ConversationID)
	s.respond(w, http.StatusCreated, p)
}

func (s *Server) handleProjectList(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	projects, err := s.projects.List(r.Context())
	if err != nil {
		s.projectError(w, err)
		return
	}
	if projects == nil {
		projects = []*project.Project{}
	}
	s.respond(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleProjectGet(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	p, err := s.projects.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.projectError(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func (s *Server) handleProjectUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	var req updateProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	p, err := s.projects.Get(r.Context(), id)
	if err != nil {
		s.projectError(w, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			s.errorResponse(w, http.StatusBadRequest, "name cannot be empty")
			return
		}
		p.Name = name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if err := s.projects.UpdateDetails(r.Context(), id, p.Name, p.Description); err != nil {
		s.projectError(w, err)
		return
	}
	s.reloadProject(w, r, id)
}

func (s *Server) handleProjectDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.projects.Delete(r.Context(), id); err != nil {
		s.projectError(w, err)
		return
	}
	s.logger.Info("project deleted", "project", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProjectEnv(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	var req envRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	seen := make(map[string]bool, len(req.EnvVars))
	for _, v := range req.EnvVars {
		if v.Name == "" || strings.ContainsAny(v.Name, "= \t\n") {
			s.errorResponse(w, http.StatusBadRequest, "invalid env var name "+`"`+v.Name+`"`)
			return
		}
		if seen[v.Name] {
			s.errorResponse(w, http.StatusBadRequest, "duplicate env var "+v.Name)
			return
		}
		seen[v.Name] = true
	}

	vars, err := s.projects.SetEnvVars(r.Context(), r.PathValue("id"), req.EnvVars)
	if err != nil {
		s.projectError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"envVars": vars})
}

func (s *Server) handleProjectRestore(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	var req restoreRequest
	if err := decodeJSON(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	id := r.PathValue("id")
	var index int
	switch {
	case req.VersionIndex != nil:
		index = *req.VersionIndex
	case req.VersionID != "":
		p, err := s.projects.Get(r.Context(), id)
		if err != nil {
			s.projectError(w, err)
			return
		}
		index = versionIndex(p, req.VersionID)
		if index < 0 {
			s.errorResponse(w, http.StatusNotFound, "version not found: "+req.VersionID)
			return
		}
	default:
		s.errorResponse(w, http.StatusBadRequest, "versionId or versionIndex is required")
		return
	}

	if err := s.projects.SetCurrentVersion(r.Context(), id, index); err != nil {
		s.projectError(w, err)
		return
	}
	s.logger.Info("project version restored", "project", id, "index", index)
	s.reloadProject(w, r, id)
}

func (s *Server) reloadProject(w http.ResponseWriter, r *http.Request, id string) {
	p, err := s.projects.Get(r.Context(), id)
	if err != nil {
		s.projectError(w, err)
		return
	}
	s.respond(w, http.StatusOK, p)
}

func versionIndex(p *project.Project, versionID string) int {
	for i, v := range p.Versions {
		if v.ID == versionID {
			return i
		}
	}
	return -1
}

// handleVersionQR renders a version's preview URL as a QR code so the
// app can be opened on a phone.
func (s *Server) handleVersionQR(w http.ResponseWriter, r *http.Request) {
	if !s.requireProjects(w) {
		return
	}
	p, err := s.projects.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.projectError(w, err)
		return
	}
	idx := versionIndex(p, r.PathValue("vid"))
	if idx < 0 {
		s.errorResponse(w, http.StatusNotFound, "version not found: "+r.PathValue("vid"))
		return
	}
	url := p.Versions[idx].PreviewURL
	if url == "" {
		s.errorResponse(w, http.StatusNotFound, "version has no preview URL")
		return
	}

	size := max(parseIntParam(r, "size", qrDefaultSize, qrMaxSize), qrMinSize)
	png, err := qrcode.Encode(url, qrcode.Medium, size)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(png); err != nil {
		s.logger.Debug("failed to write QR code", "error", err)
	}
}

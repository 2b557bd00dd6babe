package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/message"
)

// Materializer turns successful results of file-producing tools into
// project versions.
type Materializer struct {
	store    *Store
	produces func(toolName string) bool
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewMaterializer creates a materializer. produces reports which tools
// return file sets.
func NewMaterializer(store *Store, produces func(string) bool, bus *events.Bus, logger *slog.Logger) *Materializer {
	return &Materializer{
		store:    store,
		produces: produces,
		bus:      bus,
		logger:   logger.With("component", "materializer"),
		now:      time.Now,
	}
}

// Observe inspects a tool part and, when it is a successful result of a
// file-producing tool, appends a version to the conversation's project.
// A conversation without a project gets one named after the call input.
// It returns nil when the part produced no version.
func (m *Materializer) Observe(ctx context.Context, conversationID string, part message.Part) (*Version, error) {
	if !part.IsTool() || part.State != message.StateOutputAvailable || !m.produces(part.ToolName) {
		return nil, nil
	}

	p, err := m.store.GetByConversation(ctx, conversationID)
	created := false
	if errors.Is(err, ErrNotFound) {
		p = New(inputString(part, "projectName", "Untitled project"), inputString(part, "description", ""),
			conversationID, m.now())
		created = true
	} else if err != nil {
		return nil, fmt.Errorf("load project for %s: %w", conversationID, err)
	}

	v, ok := Materialize(p, part.Output, m.now())
	if !ok {
		m.logger.Debug("tool result carries no file set", "tool", part.ToolName, "tool_call_id", part.ToolCallID)
		return nil, nil
	}

	if created {
		if err := m.store.Create(ctx, p); err != nil {
			return nil, fmt.Errorf("create project: %w", err)
		}
	} else if _, err := m.store.AppendVersion(ctx, p.ID, v, v.SandboxID); err != nil {
		return nil, fmt.Errorf("append version: %w", err)
	}

	m.logger.Info("project version created",
		"project", p.ID,
		"version", v.ID,
		"files", len(v.Files),
		"conversation", conversationID,
	)
	m.bus.Emit(events.SourceProject, events.KindVersionCreated, map[string]any{
		"project_id": p.ID,
		"version_id": v.ID,
		"files":      len(v.Files),
	})
	return v, nil
}

// Env returns the env vars of the conversation's project. A conversation
// without a project has none.
func (m *Materializer) Env(ctx context.Context, conversationID string) (map[string]string, error) {
	p, err := m.store.GetByConversation(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p.Env(), nil
}

func inputString(part message.Part, key, fallback string) string {
	if s, ok := part.Input[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// Package tools defines the tools available to the agent: their input
// schemas, whether a human must confirm them, and the handlers that run
// them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nugget/vektra-agent/internal/forge"
	"github.com/nugget/vektra-agent/internal/preview"
	"github.com/nugget/vektra-agent/internal/sandbox"
	"github.com/nugget/vektra-agent/internal/scheduler"
)

// Handler runs a tool with decoded arguments and returns text for the
// model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Executions holds the handlers of confirmation-gated tools. They run
// only after a human approves the call.
type Executions map[string]Handler

// Tool represents a callable tool. A tool that requires confirmation
// has no Handler; its execution lives in the registry's Executions.
type Tool struct {
	Name                 string         `json:"name"`
	Description          string         `json:"description"`
	Parameters           map[string]any `json:"parameters"`
	RequiresConfirmation bool           `json:"requiresConfirmation,omitempty"`
	ProducesFiles        bool           `json:"producesFiles,omitempty"`
	Handler              Handler        `json:"-"`
}

// EnvSource returns the environment variables exported into sandbox
// commands for a conversation.
type EnvSource func(ctx context.Context, conversationID string) (map[string]string, error)

// Registry holds available tools.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*Tool
	schemas    map[string]*jsonschema.Schema
	executions Executions
	logger     *slog.Logger
	now        func() time.Time

	scheduler  *scheduler.Scheduler
	sandboxes  sandbox.Provider
	envSource  EnvSource
	forgeTools *forge.Tools
	preview    *preview.Checker
}

// NewRegistry creates a registry holding the builtin tools.
func NewRegistry(logger *slog.Logger) *Registry {
	r := &Registry{
		tools:      make(map[string]*Tool),
		schemas:    make(map[string]*jsonschema.Schema),
		executions: make(Executions),
		logger:     logger.With("component", "tools"),
		now:        time.Now,
	}
	r.registerBuiltins()
	return r
}

// Register adds or replaces a tool. A confirmation-gated tool that
// arrives with a Handler has it moved into Executions.
func (r *Registry) Register(t *Tool) {
	sch, err := compileSchema(t.Name, t.Parameters)
	if err != nil {
		r.logger.Error("tool schema does not compile; input will not be validated",
			"tool", t.Name, "error", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t.RequiresConfirmation && t.Handler != nil {
		r.executions[t.Name] = t.Handler
		t.Handler = nil
	}
	r.tools[t.Name] = t
	if sch != nil {
		r.schemas[t.Name] = sch
	} else {
		delete(r.schemas, t.Name)
	}
}

// RequireConfirmation gates the named tools behind human approval. It
// returns the names that are not registered.
func (r *Registry) RequireConfirmation(names ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var unknown []string
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if t.RequiresConfirmation {
			continue
		}
		t.RequiresConfirmation = true
		if t.Handler != nil {
			r.executions[name] = t.Handler
			t.Handler = nil
		}
		r.logger.Info("tool now requires confirmation", "tool", name)
	}
	return unknown
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// RequiresConfirmation reports whether name is a gated tool.
func (r *Registry) RequiresConfirmation(name string) bool {
	t := r.Get(name)
	return t != nil && t.RequiresConfirmation
}

// ProducesFiles reports whether results of name carry a file set.
func (r *Registry) ProducesFiles(name string) bool {
	t := r.Get(name)
	return t != nil && t.ProducesFiles
}

// Execution returns the approved-call handler for a gated tool.
func (r *Registry) Execution(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.executions[name]
	return h, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns registered tools sorted by name.
func (r *Registry) All() []*Tool {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// List returns tool definitions in the function-calling format model
// providers accept, sorted by name.
func (r *Registry) List() []map[string]any {
	tools := r.All()
	result := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Suggest returns up to three registered names closest to name.
func (r *Registry) Suggest(name string) []string {
	matches := fuzzy.Find(name, r.Names())
	var out []string
	for i, m := range matches {
		if i == 3 {
			break
		}
		out = append(out, m.Str)
	}
	return out
}

// Execute validates args and runs an auto tool. Gated tools are refused;
// their handlers only run through Execution once a human approves.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	t := r.Get(name)
	if t == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if t.Handler == nil {
		return "", fmt.Errorf("tool %q requires confirmation", name)
	}
	if err := r.Validate(name, args); err != nil {
		return "", err
	}
	return t.Handler(ctx, args)
}

// SetScheduler adds the scheduling tools.
func (r *Registry) SetScheduler(s *scheduler.Scheduler) {
	r.scheduler = s
	r.registerScheduleTools()
}

// SetSandboxes adds the web app builder tools backed by p.
func (r *Registry) SetSandboxes(p sandbox.Provider) {
	r.sandboxes = p
	r.registerWebAppTools()
}

// SetEnvSource sets where sandbox environment variables come from.
func (r *Registry) SetEnvSource(src EnvSource) {
	r.envSource = src
}

// SetForgeTools adds the repository tools.
func (r *Registry) SetForgeTools(ft *forge.Tools) {
	r.forgeTools = ft
	r.registerForgeTools()
}

// SetPreviewChecker adds the preview inspection tool.
func (r *Registry) SetPreviewChecker(c *preview.Checker) {
	r.preview = c
	r.registerPreviewTools()
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

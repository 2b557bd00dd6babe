// Package sandbox defines the execution environment tools act on: a
// per-project file tree with a shell, and the providers that create them.
//
// Command failures are reported in ExecResult, never as Go errors. Errors
// are reserved for file and transport problems.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Provider.Get for an unknown sandbox.
var ErrNotFound = errors.New("sandbox not found")

// ExecResult is the outcome of a foreground command.
type ExecResult struct {
	Success  bool   `json:"success"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Process identifies a background process.
type Process struct {
	ID  string `json:"id"`
	PID int    `json:"pid,omitempty"`
}

// FileInfo describes one file under a listed directory.
type FileInfo struct {
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
}

// Sandbox is an isolated project workspace.
type Sandbox interface {
	ID() string
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	Mkdir(ctx context.Context, path string, recursive bool) error
	Exec(ctx context.Context, command string) ExecResult
	StartProcess(ctx context.Context, command, processID string) (Process, error)
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
	PreviewURL() string
}

// Provider creates and reattaches sandboxes by ID.
type Provider interface {
	Create(ctx context.Context, id string) (Sandbox, error)
	Get(ctx context.Context, id string) (Sandbox, error)
	Close() error
}

// Policy limits what commands may run and how much output is kept.
type Policy struct {
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// DefaultPolicy blocks obviously destructive commands. npm installs are
// slow, so the timeout is generous.
func DefaultPolicy() Policy {
	return Policy{
		DeniedCmds: []string{
			"rm -rf /",
			"rm -rf /*",
			"mkfs",
			"dd if=",
			"> /dev/sd",
			"chmod -R 777 /",
			":(){ :|:& };:",
		},
		DefaultTimeout: 5 * time.Minute,
		MaxOutputBytes: 100 * 1024,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.DeniedCmds == nil {
		p.DeniedCmds = d.DeniedCmds
	}
	if p.DefaultTimeout <= 0 {
		p.DefaultTimeout = d.DefaultTimeout
	}
	if p.MaxOutputBytes <= 0 {
		p.MaxOutputBytes = d.MaxOutputBytes
	}
	return p
}

// check rejects commands matching a denied pattern.
func (p Policy) check(command string) error {
	lower := strings.ToLower(command)
	for _, denied := range p.DeniedCmds {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}
	return nil
}

// denied builds the result reported for a blocked command.
func denied(err error) ExecResult {
	return ExecResult{Success: false, Stderr: err.Error(), ExitCode: -1}
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}

var idSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// NewID derives a sandbox ID from a project name, as in
// "react-todo-app-1718000000000".
func NewID(prefix, name string, now time.Time) string {
	slug := strings.Trim(idSanitizer.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "app"
	}
	return fmt.Sprintf("%s-%s-%d", prefix, slug, now.UnixMilli())
}

// ValidID reports whether id is safe to use as a directory name.
func ValidID(id string) bool {
	return id != "" && !idSanitizer.MatchString(id)
}

// ShellQuote single-quotes s for POSIX sh.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envSandbox prefixes every command with exported variables.
type envSandbox struct {
	Sandbox
	prefix string
}

// WithEnv wraps sb so commands run with env exported. An empty env
// returns sb unchanged.
func WithEnv(sb Sandbox, env map[string]string) Sandbox {
	if len(env) == 0 {
		return sb
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		if !validEnvName(k) {
			continue
		}
		fmt.Fprintf(&b, "export %s=%s; ", k, ShellQuote(env[k]))
	}
	return &envSandbox{Sandbox: sb, prefix: b.String()}
}

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validEnvName(s string) bool { return envName.MatchString(s) }

func (e *envSandbox) Exec(ctx context.Context, command string) ExecResult {
	return e.Sandbox.Exec(ctx, e.prefix+command)
}

func (e *envSandbox) StartProcess(ctx context.Context, command, processID string) (Process, error) {
	return e.Sandbox.StartProcess(ctx, e.prefix+command, processID)
}

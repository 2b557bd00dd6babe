package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalConfig configures sandboxes backed by host directories.
type LocalConfig struct {
	Root       string // parent directory of every sandbox
	PreviewURL string // dev server address reported to clients
	Policy     Policy
}

// LocalProvider hosts each sandbox in its own directory under Root and
// runs commands with sh -c.
type LocalProvider struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu    sync.Mutex
	boxes map[string]*localSandbox
}

// NewLocalProvider creates the root directory if needed.
func NewLocalProvider(cfg LocalConfig, logger *slog.Logger) (*LocalProvider, error) {
	if cfg.Root == "" {
		return nil, errors.New("sandbox root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}
	cfg.Policy = cfg.Policy.withDefaults()
	if cfg.PreviewURL == "" {
		cfg.PreviewURL = "http://localhost:5173"
	}
	return &LocalProvider{
		cfg:    cfg,
		logger: logger.With("component", "sandbox", "kind", "local"),
		boxes:  make(map[string]*localSandbox),
	}, nil
}

// Create makes a fresh sandbox directory.
func (p *LocalProvider) Create(_ context.Context, id string) (Sandbox, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid sandbox id %q", id)
	}
	dir := filepath.Join(p.cfg.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox %s: %w", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	sb := p.attach(id, dir)
	p.logger.Info("sandbox created", "id", id, "dir", dir)
	return sb, nil
}

// Get reattaches to an existing sandbox directory.
func (p *LocalProvider) Get(_ context.Context, id string) (Sandbox, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if sb, ok := p.boxes[id]; ok {
		return sb, nil
	}

	dir := filepath.Join(p.cfg.Root, id)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.attach(id, dir), nil
}

// attach must be called with p.mu held.
func (p *LocalProvider) attach(id, dir string) *localSandbox {
	if sb, ok := p.boxes[id]; ok {
		return sb
	}
	sb := &localSandbox{
		id:      id,
		dir:     dir,
		cfg:     p.cfg,
		logger:  p.logger.With("sandbox", id),
		running: make(map[string]*exec.Cmd),
	}
	p.boxes[id] = sb
	return sb
}

// Close kills background processes in every sandbox.
func (p *LocalProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sb := range p.boxes {
		sb.killAll()
	}
	return nil
}

type localSandbox struct {
	id     string
	dir    string
	cfg    LocalConfig
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

func (s *localSandbox) ID() string         { return s.id }
func (s *localSandbox) PreviewURL() string { return s.cfg.PreviewURL }

// resolve maps a sandbox-relative path onto the host, refusing escapes.
func (s *localSandbox) resolve(path string) (string, error) {
	full := filepath.Join(s.dir, filepath.FromSlash(path))
	rel, err := filepath.Rel(s.dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the sandbox", path)
	}
	return full, nil
}

func (s *localSandbox) WriteFile(_ context.Context, path, content string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (s *localSandbox) ReadFile(_ context.Context, path string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *localSandbox) Mkdir(_ context.Context, path string, recursive bool) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		return os.MkdirAll(full, 0o755)
	}
	return os.Mkdir(full, 0o755)
}

func (s *localSandbox) Exec(ctx context.Context, command string) ExecResult {
	if err := s.cfg.Policy.check(command); err != nil {
		return denied(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Policy.DefaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = s.dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	limit := s.cfg.Policy.MaxOutputBytes
	result := ExecResult{
		Stdout: truncateOutput(stdout.String(), limit),
		Stderr: truncateOutput(stderr.String(), limit),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		result.Stderr += "\ncommand timed out"
		return result
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Stderr += err.Error()
		}
	}
	result.Success = result.ExitCode == 0

	s.logger.Debug("command finished", "command", command, "exit_code", result.ExitCode)
	return result
}

func (s *localSandbox) StartProcess(_ context.Context, command, processID string) (Process, error) {
	if err := s.cfg.Policy.check(command); err != nil {
		return Process{}, err
	}

	// Background processes outlive the request that started them.
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = s.dir
	if err := cmd.Start(); err != nil {
		return Process{}, fmt.Errorf("start %q: %w", command, err)
	}

	if processID == "" {
		processID = fmt.Sprintf("%s-%d", s.id, cmd.Process.Pid)
	}

	s.mu.Lock()
	if prev, ok := s.running[processID]; ok && prev.Process != nil {
		_ = prev.Process.Kill()
	}
	s.running[processID] = cmd
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.logger.Debug("background process exited", "process", processID, "error", err)
		s.mu.Lock()
		if s.running[processID] == cmd {
			delete(s.running, processID)
		}
		s.mu.Unlock()
	}()

	s.logger.Info("background process started", "process", processID, "pid", cmd.Process.Pid, "command", command)
	return Process{ID: processID, PID: cmd.Process.Pid}, nil
}

func (s *localSandbox) ListFiles(_ context.Context, path string) ([]FileInfo, error) {
	base, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	var files []FileInfo
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" || d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, FileInfo{RelativePath: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (s *localSandbox) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cmd := range s.running {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		delete(s.running, id)
	}
}

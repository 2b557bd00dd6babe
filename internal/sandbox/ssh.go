package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures sandboxes on a remote build host.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyFile        string
	Password       string
	KnownHostsFile string // empty disables host key checking
	Root           string // remote parent directory
	PreviewURL     string
	Policy         Policy
}

// SSHProvider runs sandboxes as directories on a remote host reached
// over a single shared SSH connection.
type SSHProvider struct {
	cfg    SSHConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHProvider validates cfg. The connection is dialed lazily.
func NewSSHProvider(cfg SSHConfig, logger *slog.Logger) (*SSHProvider, error) {
	if cfg.Host == "" || cfg.User == "" {
		return nil, errors.New("ssh sandbox: host and user are required")
	}
	if cfg.KeyFile == "" && cfg.Password == "" {
		return nil, errors.New("ssh sandbox: key_file or password is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Root == "" {
		cfg.Root = "sandboxes"
	}
	cfg.Policy = cfg.Policy.withDefaults()
	return &SSHProvider{
		cfg:    cfg,
		logger: logger.With("component", "sandbox", "kind", "ssh", "host", cfg.Host),
	}, nil
}

func (p *SSHProvider) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if p.cfg.KeyFile != "" {
		key, err := os.ReadFile(p.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if p.cfg.Password != "" {
		auth = append(auth, ssh.Password(p.cfg.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if p.cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(p.cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		p.logger.Warn("ssh host key checking disabled; set known_hosts_file")
	}

	return &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         15 * time.Second,
	}, nil
}

// conn returns the shared client, dialing on first use or after a drop.
func (p *SSHProvider) conn() (*ssh.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if _, _, err := p.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return p.client, nil
		}
		p.client.Close()
		p.client = nil
	}

	cfg, err := p.clientConfig()
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	p.client = client
	p.logger.Info("ssh connected", "addr", addr)
	return client, nil
}

// Create makes the remote sandbox directory.
func (p *SSHProvider) Create(ctx context.Context, id string) (Sandbox, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("invalid sandbox id %q", id)
	}
	sb := p.sandbox(id)
	res := sb.run(ctx, "mkdir -p "+ShellQuote(sb.dir), nil, false)
	if !res.Success {
		return nil, fmt.Errorf("create sandbox %s: %s", id, strings.TrimSpace(res.Stderr))
	}
	p.logger.Info("sandbox created", "id", id)
	return sb, nil
}

// Get reattaches to an existing remote sandbox.
func (p *SSHProvider) Get(ctx context.Context, id string) (Sandbox, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	sb := p.sandbox(id)
	if res := sb.run(ctx, "test -d "+ShellQuote(sb.dir), nil, false); !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sb, nil
}

// Close drops the SSH connection. Remote background processes keep
// running; they were started with nohup.
func (p *SSHProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *SSHProvider) sandbox(id string) *sshSandbox {
	return &sshSandbox{
		id:       id,
		dir:      path.Join(p.cfg.Root, id),
		provider: p,
	}
}

type sshSandbox struct {
	id       string
	dir      string
	provider *SSHProvider
}

func (s *sshSandbox) ID() string         { return s.id }
func (s *sshSandbox) PreviewURL() string { return s.provider.cfg.PreviewURL }

// run executes command on the remote host. When inDir is set the command
// runs from the sandbox directory.
func (s *sshSandbox) run(ctx context.Context, command string, stdin []byte, inDir bool) ExecResult {
	client, err := s.provider.conn()
	if err != nil {
		return ExecResult{ExitCode: -1, Stderr: err.Error()}
	}
	session, err := client.NewSession()
	if err != nil {
		return ExecResult{ExitCode: -1, Stderr: fmt.Sprintf("open session: %v", err)}
	}
	defer session.Close()

	if inDir {
		command = "cd " + ShellQuote(s.dir) + " && " + command
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	ctx, cancel := context.WithTimeout(ctx, s.provider.cfg.Policy.DefaultTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		limit := s.provider.cfg.Policy.MaxOutputBytes
		return ExecResult{
			ExitCode: -1,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Stdout:   truncateOutput(stdout.String(), limit),
			Stderr:   truncateOutput(stderr.String(), limit) + "\ncommand aborted: " + ctx.Err().Error(),
		}
	}

	limit := s.provider.cfg.Policy.MaxOutputBytes
	result := ExecResult{
		Stdout: truncateOutput(stdout.String(), limit),
		Stderr: truncateOutput(stderr.String(), limit),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			result.ExitCode = -1
			result.Stderr += runErr.Error()
		}
	}
	result.Success = result.ExitCode == 0
	return result
}

// remotePath joins a sandbox-relative path, refusing escapes.
func (s *sshSandbox) remotePath(p string) (string, error) {
	full := path.Join(s.dir, p)
	if full != s.dir && !strings.HasPrefix(full, s.dir+"/") {
		return "", fmt.Errorf("path %q escapes the sandbox", p)
	}
	return full, nil
}

func (s *sshSandbox) WriteFile(ctx context.Context, p, content string) error {
	full, err := s.remotePath(p)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s", ShellQuote(path.Dir(full)), ShellQuote(full))
	if res := s.run(ctx, cmd, []byte(content), false); !res.Success {
		return fmt.Errorf("write %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s *sshSandbox) ReadFile(ctx context.Context, p string) (string, error) {
	full, err := s.remotePath(p)
	if err != nil {
		return "", err
	}
	res := s.run(ctx, "cat "+ShellQuote(full), nil, false)
	if !res.Success {
		return "", fmt.Errorf("read %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

func (s *sshSandbox) Mkdir(ctx context.Context, p string, recursive bool) error {
	full, err := s.remotePath(p)
	if err != nil {
		return err
	}
	cmd := "mkdir " + ShellQuote(full)
	if recursive {
		cmd = "mkdir -p " + ShellQuote(full)
	}
	if res := s.run(ctx, cmd, nil, false); !res.Success {
		return fmt.Errorf("mkdir %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (s *sshSandbox) Exec(ctx context.Context, command string) ExecResult {
	if err := s.provider.cfg.Policy.check(command); err != nil {
		return denied(err)
	}
	return s.run(ctx, command, nil, true)
}

func (s *sshSandbox) StartProcess(ctx context.Context, command, processID string) (Process, error) {
	if err := s.provider.cfg.Policy.check(command); err != nil {
		return Process{}, err
	}
	bg := fmt.Sprintf("nohup sh -c %s > /dev/null 2>&1 & echo $!", ShellQuote(command))
	res := s.run(ctx, bg, nil, true)
	if !res.Success {
		return Process{}, fmt.Errorf("start %q: %s", command, strings.TrimSpace(res.Stderr))
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if processID == "" {
		processID = fmt.Sprintf("%s-%d", s.id, pid)
	}
	return Process{ID: processID, PID: pid}, nil
}

func (s *sshSandbox) ListFiles(ctx context.Context, p string) ([]FileInfo, error) {
	full, err := s.remotePath(p)
	if err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf("cd %s && find . -type f -not -path '*/node_modules/*' -not -path '*/.git/*' -printf '%%s %%P\\n'", ShellQuote(full))
	res := s.run(ctx, cmd, nil, false)
	if !res.Success {
		return nil, fmt.Errorf("list %s: %s", p, strings.TrimSpace(res.Stderr))
	}
	return parseFindOutput(res.Stdout), nil
}

// parseFindOutput reads "<size> <path>" lines.
func parseFindOutput(out string) []FileInfo {
	var files []FileInfo
	for _, line := range strings.Split(out, "\n") {
		size, name, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || name == "" {
			continue
		}
		n, _ := strconv.ParseInt(size, 10, 64)
		files = append(files, FileInfo{RelativePath: name, Size: n})
	}
	return files
}

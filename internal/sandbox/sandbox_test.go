package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(LocalConfig{Root: t.TempDir()}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestLocalFileRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	sb, err := p.Create(ctx, "react-demo-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := sb.WriteFile(ctx, "src/App.tsx", "export default 1"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := sb.ReadFile(ctx, "src/App.tsx")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "export default 1" {
		t.Errorf("ReadFile = %q", got)
	}

	if err := sb.WriteFile(ctx, "dist/assets/index.js", "x"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := sb.WriteFile(ctx, "dist/index.html", "<html></html>"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	files, err := sb.ListFiles(ctx, "dist")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	var paths []string
	for _, f := range files {
		paths = append(paths, f.RelativePath)
	}
	sort.Strings(paths)
	if strings.Join(paths, ",") != "assets/index.js,index.html" {
		t.Errorf("ListFiles = %v", paths)
	}
}

func TestLocalRefusesEscape(t *testing.T) {
	p := newTestProvider(t)
	sb, err := p.Create(context.Background(), "escape-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := sb.WriteFile(context.Background(), "../outside.txt", "x"); err == nil {
		t.Error("WriteFile outside the sandbox succeeded")
	}
}

func TestLocalExec(t *testing.T) {
	p := newTestProvider(t)
	sb, err := p.Create(context.Background(), "exec-test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name        string
		command     string
		wantSuccess bool
		wantStdout  string
		wantStderr  string
		wantExit    int
	}{
		{"echo", "echo hello", true, "hello\n", "", 0},
		{"stderr", "echo oops >&2; exit 3", false, "", "oops\n", 3},
		{"runs in sandbox dir", "touch marker && ls", true, "marker\n", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := sb.Exec(context.Background(), tt.command)
			if res.Success != tt.wantSuccess || res.ExitCode != tt.wantExit {
				t.Errorf("success=%v exit=%d, want %v/%d", res.Success, res.ExitCode, tt.wantSuccess, tt.wantExit)
			}
			if res.Stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", res.Stdout, tt.wantStdout)
			}
			if res.Stderr != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", res.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestLocalExecDenied(t *testing.T) {
	p := newTestProvider(t)
	sb, _ := p.Create(context.Background(), "deny-test")

	res := sb.Exec(context.Background(), "rm -rf /")
	if res.Success || !strings.Contains(res.Stderr, "security policy") {
		t.Errorf("denied command result = %+v", res)
	}
}

func TestLocalExecTimeout(t *testing.T) {
	p, err := NewLocalProvider(LocalConfig{
		Root:   t.TempDir(),
		Policy: Policy{DefaultTimeout: 200 * time.Millisecond},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLocalProvider: %v", err)
	}
	sb, _ := p.Create(context.Background(), "timeout-test")

	res := sb.Exec(context.Background(), "sleep 5")
	if !res.TimedOut || res.Success {
		t.Errorf("result = %+v, want timed out", res)
	}
}

func TestLocalGet(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	if _, err := p.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
	if _, err := p.Get(ctx, "../etc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(../etc) err = %v, want ErrNotFound", err)
	}

	created, _ := p.Create(ctx, "present")
	got, err := p.Get(ctx, "present")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID() != created.ID() {
		t.Errorf("ID = %q, want %q", got.ID(), created.ID())
	}
}

func TestLocalStartProcess(t *testing.T) {
	p := newTestProvider(t)
	sb, _ := p.Create(context.Background(), "proc-test")

	proc, err := sb.StartProcess(context.Background(), "sleep 30", "proc-test-dev")
	if err != nil {
		t.Fatalf("StartProcess: %v", err)
	}
	if proc.ID != "proc-test-dev" || proc.PID == 0 {
		t.Errorf("process = %+v", proc)
	}
}

func TestWithEnv(t *testing.T) {
	p := newTestProvider(t)
	sb, _ := p.Create(context.Background(), "env-test")

	wrapped := WithEnv(sb, map[string]string{
		"API_URL":  "https://example.com/it's",
		"bad-name": "ignored",
	})
	res := wrapped.Exec(context.Background(), `printf %s "$API_URL"`)
	if !res.Success || res.Stdout != "https://example.com/it's" {
		t.Errorf("result = %+v", res)
	}

	if WithEnv(sb, nil) != sb {
		t.Error("WithEnv(nil) should return the sandbox unchanged")
	}
}

func TestNewID(t *testing.T) {
	now := time.UnixMilli(1718000000000)
	tests := []struct {
		name string
		want string
	}{
		{"Todo App", "react-todo-app-1718000000000"},
		{"  ", "react-app-1718000000000"},
		{"../../etc", "react-etc-1718000000000"},
	}
	for _, tt := range tests {
		got := NewID("react", tt.name, now)
		if got != tt.want {
			t.Errorf("NewID(%q) = %q, want %q", tt.name, got, tt.want)
		}
		if !ValidID(got) {
			t.Errorf("NewID(%q) produced invalid id %q", tt.name, got)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"plain":     "'plain'",
		"it's":      `'it'\''s'`,
		"$(rm -rf)": "'$(rm -rf)'",
		"":          "''",
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseFindOutput(t *testing.T) {
	out := "120 index.html\n4096 assets/index-abc.js\n\n"
	files := parseFindOutput(out)
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[1].RelativePath != "assets/index-abc.js" || files[1].Size != 4096 {
		t.Errorf("files[1] = %+v", files[1])
	}
}

func TestNewSSHProviderValidates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewSSHProvider(SSHConfig{Host: "build"}, logger); err == nil {
		t.Error("missing user accepted")
	}
	if _, err := NewSSHProvider(SSHConfig{Host: "build", User: "ci"}, logger); err == nil {
		t.Error("missing credentials accepted")
	}
	p, err := NewSSHProvider(SSHConfig{Host: "build", User: "ci", Password: "x"}, logger)
	if err != nil {
		t.Fatalf("NewSSHProvider: %v", err)
	}
	sb := p.sandbox("react-a-1")
	if _, err := sb.remotePath("../../etc/passwd"); err == nil {
		t.Error("remotePath allowed an escape")
	}
	if got, _ := sb.remotePath("src/App.tsx"); got != "sandboxes/react-a-1/src/App.tsx" {
		t.Errorf("remotePath = %q", got)
	}
}

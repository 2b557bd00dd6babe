package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/vektra-agent/internal/forge"
	"github.com/nugget/vektra-agent/internal/preview"
)

type stubForge struct{ err error }

func (s stubForge) CreateRepo(_ context.Context, repo forge.NewRepository) (*forge.Repository, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &forge.Repository{FullName: "alice/" + repo.Name, CloneURL: "https://github.com/alice/" + repo.Name + ".git"}, nil
}

func (s stubForge) GetRepo(context.Context, string) (*forge.Repository, error) {
	return nil, errors.New("unused")
}

func TestCreateGitHubRepoTool(t *testing.T) {
	r := NewRegistry(testLogger())
	if r.Get("createGitHubRepo") != nil {
		t.Fatal("forge tool registered without forge")
	}
	r.SetForgeTools(forge.NewTools(stubForge{}, "", testLogger()))

	out, err := r.Execute(context.Background(), "createGitHubRepo", map[string]any{"name": "todo-app"})
	if err != nil {
		t.Fatalf("createGitHubRepo: %v", err)
	}
	if !strings.Contains(out, `"cloneUrl":"https://github.com/alice/todo-app.git"`) {
		t.Errorf("output = %s", out)
	}

	r.SetForgeTools(forge.NewTools(stubForge{err: errors.New("name already exists")}, "", testLogger()))
	_, err = r.Execute(context.Background(), "createGitHubRepo", map[string]any{"name": "todo-app"})
	if err == nil || err.Error() != "Error creating GitHub repository: name already exists" {
		t.Errorf("err = %v", err)
	}
}

func TestCheckPreviewTool(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>todo-app</title></head><body><div id="root"></div></body></html>`))
	}))
	defer ts.Close()

	r, _ := newWebAppRegistry(t)
	r.SetPreviewChecker(preview.New(ts.Client()))

	out, err := r.Execute(context.Background(), "checkPreview", map[string]any{"url": ts.URL})
	if err != nil {
		t.Fatalf("checkPreview: %v", err)
	}
	var report preview.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if report.Title != "todo-app" || !report.HasRoot || !report.Reachable {
		t.Errorf("report = %+v", report)
	}

	if _, err := r.Execute(context.Background(), "checkPreview", map[string]any{"sandboxId": "ghost"}); err == nil {
		t.Error("unknown sandbox accepted")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"testing"
	"time"

	"github.com/nugget/vektra-agent/internal/project"
	"github.com/nugget/vektra-agent/internal/scheduler"
)

func createProject(t *testing.T, env *testEnv, body string) *project.Project {
	t.Helper()
	resp := env.do(t, "POST", "/v1/projects", body)
	expectStatus(t, resp, http.StatusCreated)
	var p project.Project
	decode(t, resp, &p)
	return &p
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})

	resp := env.do(t, "POST", "/v1/projects", `{"name":"  "}`)
	expectStatus(t, resp, http.StatusBadRequest)

	p := createProject(t, env, `{"name":"todo-app","description":"tracks todos","conversationId":"c1"}`)
	if p.ID == "" || p.ConversationID != "c1" || p.CurrentVersionIndex != -1 {
		t.Fatalf("created = %+v", p)
	}

	resp = env.do(t, "GET", "/v1/projects", "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Projects []project.Project `json:"projects"`
	}
	decode(t, resp, &list)
	if len(list.Projects) != 1 || list.Projects[0].ID != p.ID {
		t.Errorf("list = %+v", list)
	}

	resp = env.do(t, "PATCH", "/v1/projects/"+p.ID, `{"name":"Todo App"}`)
	expectStatus(t, resp, http.StatusOK)
	var updated project.Project
	decode(t, resp, &updated)
	if updated.Name != "Todo App" || updated.Description != "tracks todos" {
		t.Errorf("updated = %+v", updated)
	}

	resp = env.do(t, "PATCH", "/v1/projects/"+p.ID, `{"name":""}`)
	expectStatus(t, resp, http.StatusBadRequest)

	resp = env.do(t, "DELETE", "/v1/projects/"+p.ID, "")
	expectStatus(t, resp, http.StatusNoContent)

	resp = env.do(t, "GET", "/v1/projects/"+p.ID, "")
	expectStatus(t, resp, http.StatusNotFound)
	resp = env.do(t, "DELETE", "/v1/projects/"+p.ID, "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestProjectEnv(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	p := createProject(t, env, `{"name":"shop"}`)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"envVars":[{"name":"API_URL","value":"https://api.test"},{"name":"DEBUG","value":"1"}]}`, http.StatusOK},
		{"empty name", `{"envVars":[{"name":"","value":"x"}]}`, http.StatusBadRequest},
		{"space in name", `{"envVars":[{"name":"A B","value":"x"}]}`, http.StatusBadRequest},
		{"duplicate", `{"envVars":[{"name":"A","value":"1"},{"name":"A","value":"2"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "PUT", "/v1/projects/"+p.ID+"/env", tt.body)
			expectStatus(t, resp, tt.want)
		})
	}

	got, err := env.projects.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	e := got.Env()
	if len(e) != 2 || e["API_URL"] != "https://api.test" {
		t.Errorf("env = %v", e)
	}
	for _, v := range got.EnvVars {
		if v.ID == "" {
			t.Errorf("env var %s has no id", v.Name)
		}
	}

	resp := env.do(t, "PUT", "/v1/projects/missing/env", `{"envVars":[]}`)
	expectStatus(t, resp, http.StatusNotFound)
}

func addVersions(t *testing.T, env *testEnv, id string, urls ...string) []string {
	t.Helper()
	var ids []string
	for i, u := range urls {
		v := &project.Version{
			ID:         "v" + string(rune('1'+i)),
			Timestamp:  time.Now(),
			Files:      []project.File{{Path: "src/App.tsx", Content: "export {}"}},
			PreviewURL: u,
		}
		if _, err := env.projects.AppendVersion(context.Background(), id, v, ""); err != nil {
			t.Fatalf("AppendVersion: %v", err)
		}
		ids = append(ids, v.ID)
	}
	return ids
}

func TestProjectRestore(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	p := createProject(t, env, `{"name":"blog"}`)
	ids := addVersions(t, env, p.ID, "http://localhost:5173", "http://localhost:5174", "")

	tests := []struct {
		name      string
		body      string
		want      int
		wantIndex int
	}{
		{"by index", `{"versionIndex":0}`, http.StatusOK, 0},
		{"by id", `{"versionId":"` + ids[1] + `"}`, http.StatusOK, 1},
		{"index out of range", `{"versionIndex":7}`, http.StatusBadRequest, 1},
		{"unknown id", `{"versionId":"nope"}`, http.StatusNotFound, 1},
		{"no selector", `{}`, http.StatusBadRequest, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/v1/projects/"+p.ID+"/restore", tt.body)
			expectStatus(t, resp, tt.want)

			got, err := env.projects.Get(context.Background(), p.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.CurrentVersionIndex != tt.wantIndex {
				t.Errorf("current = %d, want %d", got.CurrentVersionIndex, tt.wantIndex)
			}
			// Restoring never discards history.
			if len(got.Versions) != 3 {
				t.Errorf("versions = %d", len(got.Versions))
			}
		})
	}
}

func TestVersionQR(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})
	p := createProject(t, env, `{"name":"qr"}`)
	ids := addVersions(t, env, p.ID, "http://192.168.1.20:5173", "")

	resp := env.do(t, "GET", "/v1/projects/"+p.ID+"/versions/"+ids[0]+"/qr?size=128", "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 128 {
		t.Errorf("size = %v", b)
	}

	resp = env.do(t, "GET", "/v1/projects/"+p.ID+"/versions/"+ids[1]+"/qr", "")
	expectStatus(t, resp, http.StatusNotFound)
	resp = env.do(t, "GET", "/v1/projects/"+p.ID+"/versions/missing/qr", "")
	expectStatus(t, resp, http.StatusNotFound)
}

func TestTasks(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{})

	task := &scheduler.Task{
		ConversationID: "c1",
		Description:    "rebuild the app",
		Schedule:       scheduler.After(time.Now(), time.Hour),
		Enabled:        true,
	}
	if err := env.sched.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	t.Cleanup(env.sched.Stop)

	resp := env.do(t, "GET", "/v1/tasks?conversation=c1", "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	decode(t, resp, &list)
	if len(list.Tasks) != 1 {
		t.Fatalf("tasks = %d", len(list.Tasks))
	}

	resp = env.do(t, "GET", "/v1/tasks?conversation=other", "")
	decode(t, resp, &list)
	if len(list.Tasks) != 0 {
		t.Errorf("other conversation tasks = %d", len(list.Tasks))
	}

	resp = env.do(t, "DELETE", "/v1/tasks/"+task.ID, "")
	expectStatus(t, resp, http.StatusNoContent)
	resp = env.do(t, "DELETE", "/v1/tasks/"+task.ID, "")
	expectStatus(t, resp, http.StatusNotFound)
}

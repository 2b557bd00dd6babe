// Package project holds generated web app projects and their version
// history. Versions are append-only: restoring an earlier version only
// moves the current pointer, so a user can step forward again.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for an unknown project.
	ErrNotFound = errors.New("project not found")
	// ErrVersionOutOfRange is returned when restoring a version index
	// that does not exist.
	ErrVersionOutOfRange = errors.New("version index out of range")
)

// File is one generated file within a version.
type File struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// EnvVar is a variable exported into the project's sandbox commands.
type EnvVar struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Version is an immutable snapshot of generated files.
type Version struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Files      []File    `json:"files"`
	PreviewURL string    `json:"previewUrl,omitempty"`
	SandboxID  string    `json:"sandboxId,omitempty"`
}

// Project is a user's app together with its version history.
type Project struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Description         string    `json:"description"`
	ConversationID      string    `json:"conversationId"`
	SandboxID           string    `json:"sandboxId,omitempty"`
	EnvVars             []EnvVar  `json:"envVars"`
	Versions            []Version `json:"versions"`
	CurrentVersionIndex int       `json:"currentVersionIndex"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// New returns an empty project bound to conversationID. An empty
// conversationID binds the project to its own ID.
func New(name, description, conversationID string, now time.Time) *Project {
	id := newID()
	if conversationID == "" {
		conversationID = id
	}
	return &Project{
		ID:                  id,
		Name:                name,
		Description:         description,
		ConversationID:      conversationID,
		EnvVars:             []EnvVar{},
		Versions:            []Version{},
		CurrentVersionIndex: -1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Current returns the version the current pointer selects, or nil.
func (p *Project) Current() *Version {
	if p.CurrentVersionIndex < 0 || p.CurrentVersionIndex >= len(p.Versions) {
		return nil
	}
	return &p.Versions[p.CurrentVersionIndex]
}

// Env returns the env vars as a map. Later entries win on duplicate
// names.
func (p *Project) Env() map[string]string {
	if len(p.EnvVars) == 0 {
		return nil
	}
	env := make(map[string]string, len(p.EnvVars))
	for _, v := range p.EnvVars {
		env[v.Name] = v.Value
	}
	return env
}

// Restore moves the current pointer to index.
func Restore(p *Project, index int) error {
	if index < 0 || index >= len(p.Versions) {
		return fmt.Errorf("restore %d of %d: %w", index, len(p.Versions), ErrVersionOutOfRange)
	}
	p.CurrentVersionIndex = index
	return nil
}

// payload is the result shape of file-producing tools.
type payload struct {
	Success    bool           `json:"success"`
	Files      map[string]any `json:"files"`
	PreviewURL string         `json:"previewUrl"`
	SandboxID  string         `json:"sandboxId"`
}

// Materialize appends a version built from a tool result and points the
// project at it. output may be JSON text or an already decoded object.
// Results that are malformed or report failure change nothing.
func Materialize(p *Project, output any, now time.Time) (*Version, bool) {
	var raw []byte
	switch v := output.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	case nil:
		return nil, false
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		raw = b
	}

	var pl payload
	if err := json.Unmarshal(raw, &pl); err != nil || !pl.Success || pl.Files == nil {
		return nil, false
	}

	files := make([]File, 0, len(pl.Files))
	for path, content := range pl.Files {
		files = append(files, File{
			Path:     path,
			Content:  contentString(content),
			Language: inferLanguage(path),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	v := Version{
		ID:         versionID(p, now),
		Timestamp:  now,
		Files:      files,
		PreviewURL: pl.PreviewURL,
		SandboxID:  pl.SandboxID,
	}
	p.Versions = append(p.Versions, v)
	p.CurrentVersionIndex = len(p.Versions) - 1
	if pl.SandboxID != "" {
		p.SandboxID = pl.SandboxID
	}
	p.UpdatedAt = now
	return &p.Versions[len(p.Versions)-1], true
}

// versionID is "v<unix-millis>", suffixed when two versions land in the
// same millisecond.
func versionID(p *Project, now time.Time) string {
	base := fmt.Sprintf("v%d", now.UnixMilli())
	id := base
	for n := 2; hasVersion(p, id); n++ {
		id = fmt.Sprintf("%s-%d", base, n)
	}
	return id
}

func hasVersion(p *Project, id string) bool {
	for _, v := range p.Versions {
		if v.ID == id {
			return true
		}
	}
	return false
}

func contentString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func inferLanguage(path string) string {
	switch {
	case strings.HasSuffix(path, ".html"):
		return "html"
	case strings.HasSuffix(path, ".css"):
		return "css"
	case strings.HasSuffix(path, ".js"):
		return "javascript"
	default:
		return ""
	}
}

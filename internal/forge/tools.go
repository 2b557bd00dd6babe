package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Tools holds forge tool dependencies. Each Handle* method takes the
// raw argument map from the tool registry and returns text for the
// model.
type Tools struct {
	provider Provider
	owner    string
	logger   *slog.Logger
}

// NewTools creates forge tools. owner is the default organization for
// new repositories.
func NewTools(p Provider, owner string, logger *slog.Logger) *Tools {
	return &Tools{provider: p, owner: owner, logger: logger}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// HandleCreateRepo creates a repository and returns its push URL.
// Repositories are private unless the caller asks otherwise.
func (t *Tools) HandleCreateRepo(ctx context.Context, args map[string]any) (string, error) {
	name := stringArg(args, "name")
	if name == "" {
		return "", fmt.Errorf("name is required")
	}

	repo, err := t.provider.CreateRepo(ctx, NewRepository{
		Name:        name,
		Description: stringArg(args, "description"),
		Private:     boolArg(args, "private", true),
		Owner:       t.owner,
	})
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(map[string]any{
		"success":  true,
		"fullName": repo.FullName,
		"htmlUrl":  repo.HTMLURL,
		"cloneUrl": repo.CloneURL,
		"private":  repo.Private,
		"message":  fmt.Sprintf("✅ Repository %s created. Add it as a remote and push with gitPush.", repo.FullName),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

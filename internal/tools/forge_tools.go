package tools

import (
	"context"
)

func (r *Registry) registerForgeTools() {
	if r.forgeTools == nil {
		return
	}

	r.Register(&Tool{
		Name:        "createGitHubRepo",
		Description: "Creates a GitHub repository for the app so it can be pushed with gitPush. Returns the clone URL to add as a git remote.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":        map[string]any{"type": "string", "description": "Repository name (e.g., 'todo-app')"},
				"description": map[string]any{"type": "string", "description": "Short repository description"},
				"private":     map[string]any{"type": "boolean", "description": "Create a private repository (default true)"},
			},
			"required": []string{"name"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := r.forgeTools.HandleCreateRepo(ctx, args)
			if err != nil {
				return "", failed("creating GitHub repository", err)
			}
			return out, nil
		},
	})
}

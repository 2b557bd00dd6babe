package tools

import (
	"context"
	"errors"
)

func (r *Registry) registerPreviewTools() {
	if r.preview == nil {
		return
	}

	r.Register(&Tool{
		Name:        "checkPreview",
		Description: "Fetches the running app's preview page and reports whether it loads, its title, the scripts it loads and its visible text. Use this after changes to confirm the dev server is serving the app.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"sandboxId": sandboxIDParam("The sandbox ID of the React app; its preview URL is checked"),
				"url":       map[string]any{"type": "string", "description": "Explicit URL to check instead of the sandbox preview"},
			},
		},
		Handler: r.handleCheckPreview,
	})
}

func (r *Registry) handleCheckPreview(ctx context.Context, args map[string]any) (string, error) {
	url := stringArg(args, "url")
	if url == "" {
		id := stringArg(args, "sandboxId")
		if id == "" || r.sandboxes == nil {
			return "", failed("checking preview", errors.New("sandboxId or url is required"))
		}
		sb, err := r.sandboxes.Get(ctx, id)
		if err != nil {
			return "", failed("checking preview", err)
		}
		url = sb.PreviewURL()
	}

	report, err := r.preview.Check(ctx, url)
	if err != nil {
		return "", failed("checking preview", err)
	}
	return encodeJSON(report, false)
}

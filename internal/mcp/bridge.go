package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nugget/vektra-agent/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ToolSource lists and calls a server's tools. *Client satisfies it.
type ToolSource interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// BridgeTools registers a server's tools on registry as
// "mcp_{serverName}_{toolName}".
//
// If include is non-empty only the MCP names it lists are bridged;
// otherwise names in exclude are skipped. It returns the registered
// names.
func BridgeTools(ctx context.Context, src ToolSource, serverName string, registry *tools.Registry, include, exclude []string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mcpTools, err := src.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	var names []string
	for _, td := range mcpTools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		registry.Register(bridgeTool(src, name, td))
		names = append(names, name)

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool", name,
			"server", serverName,
		)
	}

	return names, nil
}

// ToolName builds the registry name for an MCP tool. Both components
// are sanitized to lowercase alphanumerics and underscores.
func ToolName(serverName, mcpToolName string) string {
	server := sanitize(serverName)
	tool := sanitize(mcpToolName)
	return fmt.Sprintf("mcp_%s_%s", server, tool)
}

// bridgeTool creates a tool that proxies calls to an MCP server.
func bridgeTool(src ToolSource, name string, td ToolDefinition) *tools.Tool {
	mcpName := td.Name

	desc := td.Description
	if desc == "" {
		desc = "MCP tool " + mcpName
	}

	return &tools.Tool{
		Name:        name,
		Description: desc,
		Parameters:  td.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return src.CallTool(ctx, mcpName, args)
		},
	}
}

// sanitize lowercases name and replaces anything other than
// alphanumerics and underscore with underscores. Runs of underscores
// collapse and leading/trailing ones are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

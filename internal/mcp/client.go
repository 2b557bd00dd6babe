package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/vektra-agent/internal/buildinfo"
	"github.com/nugget/vektra-agent/internal/config"
)

// ToolDefinition is an MCP tool with its input schema decoded.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Client wraps a connection to a single MCP server.
type Client struct {
	name   string
	conn   *mcpclient.Client
	logger *slog.Logger

	mu         sync.RWMutex
	serverName string
	serverVer  string
	tools      []ToolDefinition
}

// NewClient wraps an mcp-go client that has already been started.
func NewClient(name string, conn *mcpclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:   name,
		conn:   conn,
		logger: logger.With("mcp_server", name),
	}
}

// Dial starts the transport described by cfg and performs the MCP
// handshake.
func Dial(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error) {
	var (
		conn *mcpclient.Client
		err  error
	)

	switch cfg.Transport {
	case "stdio", "":
		// The stdio client spawns the subprocess itself.
		conn, err = mcpclient.NewStdioMCPClient(cfg.Command, environ(cfg.Env), cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
		}

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		conn, err = mcpclient.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("sse client: %w", err)
		}
		if err := conn.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse transport: %w", err)
		}

	case "http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		conn, err = mcpclient.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
		if err := conn.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http transport: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown MCP transport %q", cfg.Transport)
	}

	c := NewClient(cfg.Name, conn, logger)
	if err := c.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// environ returns the process environment with extra appended.
func environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	req := mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: mcptypes.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo: mcptypes.Implementation{
				Name:    "vektra",
				Version: buildinfo.Version,
			},
		},
	}

	result, err := c.conn.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ServerInfo returns the name and version the server reported.
func (c *Client) ServerInfo() (name, version string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverName, c.serverVer
}

// ListTools returns the server's tools. Results are cached.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	result, err := c.conn.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	defs := make([]ToolDefinition, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			c.logger.Warn("skipping MCP tool with unreadable schema", "tool", t.Name, "error", err)
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	c.mu.Lock()
	c.tools = defs
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(defs))
	return defs, nil
}

// inputSchema decodes a tool's schema into a plain map, preferring the
// raw schema when the server sent one.
func inputSchema(t mcptypes.Tool) (map[string]any, error) {
	raw := []byte(t.RawInputSchema)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(t.InputSchema); err != nil {
			return nil, err
		}
	}
	schema := map[string]any{}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	return schema, nil
}

// CallTool invokes a tool and flattens its content to text. A result
// flagged as an error is returned as a Go error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.conn.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	return text, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close shuts down the connection.
func (c *Client) Close() error {
	c.logger.Info("closing MCP client")
	return c.conn.Close()
}

// extractText joins text blocks. Other blocks become inline markers.
func extractText(blocks []mcptypes.Content) string {
	var parts []string
	for _, b := range blocks {
		switch v := b.(type) {
		case mcptypes.TextContent:
			parts = append(parts, v.Text)
		case *mcptypes.TextContent:
			parts = append(parts, v.Text)
		case mcptypes.ImageContent, *mcptypes.ImageContent:
			parts = append(parts, "[image]")
		case mcptypes.EmbeddedResource, *mcptypes.EmbeddedResource:
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, "[content]")
		}
	}
	return strings.Join(parts, "\n")
}

package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/vektra-agent/internal/config"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/tools"
)

// connectTimeout bounds the handshake with one server.
const connectTimeout = 30 * time.Second

// DialFunc connects to one configured server.
type DialFunc func(ctx context.Context, cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error)

// Manager owns the connections to every configured MCP server.
type Manager struct {
	servers  []config.MCPServerConfig
	registry *tools.Registry
	bus      *events.Bus
	logger   *slog.Logger
	dial     DialFunc

	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager creates a manager for servers. bus may be nil.
func NewManager(servers []config.MCPServerConfig, registry *tools.Registry, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers:  servers,
		registry: registry,
		bus:      bus,
		logger:   logger.With("component", "mcp"),
		dial:     Dial,
		clients:  make(map[string]*Client),
	}
}

// Start connects every server and bridges its tools. A server that
// fails to connect is logged and skipped; the rest still start. It
// returns the total number of bridged tools.
func (m *Manager) Start(ctx context.Context) int {
	total := 0
	for _, srv := range m.servers {
		n, err := m.connect(ctx, srv)
		if err != nil {
			m.logger.Error("MCP server unavailable", "server", srv.Name, "transport", srv.Transport, "error", err)
			continue
		}
		total += n
	}
	return total
}

func (m *Manager) connect(ctx context.Context, srv config.MCPServerConfig) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := m.dial(ctx, srv, m.logger)
	if err != nil {
		return 0, err
	}
	names, err := BridgeTools(ctx, client, srv.Name, m.registry, srv.Include, srv.Exclude, m.logger)
	if err != nil {
		_ = client.Close()
		return 0, err
	}

	m.mu.Lock()
	m.clients[srv.Name] = client
	m.mu.Unlock()

	m.logger.Info("MCP server connected", "server", srv.Name, "tools", len(names))
	m.bus.Emit(events.SourceMCP, events.KindServerConnected, map[string]any{
		"server": srv.Name,
		"tools":  names,
	})
	return len(names), nil
}

// Servers returns the names of connected servers.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// Ping checks every connected server.
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close shuts every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.clients, name)
	}
	return errors.Join(errs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/nugget/vektra-agent/internal/agent"
	"github.com/nugget/vektra-agent/internal/api"
	"github.com/nugget/vektra-agent/internal/buildinfo"
	"github.com/nugget/vektra-agent/internal/config"
	"github.com/nugget/vektra-agent/internal/connwatch"
	"github.com/nugget/vektra-agent/internal/events"
	"github.com/nugget/vektra-agent/internal/forge"
	"github.com/nugget/vektra-agent/internal/httpkit"
	"github.com/nugget/vektra-agent/internal/llm"
	"github.com/nugget/vektra-agent/internal/mcp"
	"github.com/nugget/vektra-agent/internal/memory"
	"github.com/nugget/vektra-agent/internal/mqtt"
	"github.com/nugget/vektra-agent/internal/preview"
	"github.com/nugget/vektra-agent/internal/project"
	"github.com/nugget/vektra-agent/internal/sandbox"
	"github.com/nugget/vektra-agent/internal/scheduler"
	"github.com/nugget/vektra-agent/internal/tools"
	"github.com/nugget/vektra-agent/internal/usage"
)

// runServe handles "vektra serve". It loads config, opens the stores,
// builds the tool registry and driver, starts the API server, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The scheduler, watchers, MCP connections and databases close via
//     defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Vektra", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"sandbox", cfg.Sandbox.Kind,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	// Every SQLite database lives here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	mem, err := memory.NewSQLiteStore(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer mem.Close()

	projects, err := project.NewStore(filepath.Join(cfg.DataDir, "projects.db"))
	if err != nil {
		return fmt.Errorf("open project store: %w", err)
	}
	defer projects.Close()

	taskStore, err := scheduler.NewStore(filepath.Join(cfg.DataDir, "scheduler.db"))
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer taskStore.Close()

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer usageStore.Close()
	logger.Info("databases opened", "dir", cfg.DataDir)

	bus := events.New()

	// --- LLM client ---
	llmClient, fallbackProvider, err := createLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// --- Dependency watch ---
	// Unreachable dependencies degrade /health instead of blocking startup.
	services := connwatch.NewManager(bus, logger)
	defer services.Stop()
	services.Watch(ctx, "models", llmClient.Ping, connwatch.DefaultBackoff())
	if cfg.Sandbox.Kind == "ssh" {
		addr := net.JoinHostPort(cfg.Sandbox.SSH.Host, strconv.Itoa(cfg.Sandbox.SSH.Port))
		services.Watch(ctx, "build-host", connwatch.DialProbe(addr), connwatch.DefaultBackoff())
	}

	// --- Usage ledger ---
	recorder := usage.NewRecorder(usageStore, cfg.Models.Pricing, func(model string) string {
		if p := llmClient.Provider(model); p != "" {
			return p
		}
		return fallbackProvider
	}, logger)
	go recorder.Run(ctx, bus)

	// --- Tools ---
	reg := tools.NewRegistry(logger)

	provider, err := newSandboxProvider(cfg.Sandbox, logger)
	if err != nil {
		return err
	}
	reg.SetSandboxes(provider)

	materializer := project.NewMaterializer(projects, reg.ProducesFiles, bus, logger)
	reg.SetEnvSource(materializer.Env)

	// Dev servers restart on every build; give one a moment to come back.
	reg.SetPreviewChecker(preview.New(httpkit.NewClient(
		httpkit.WithTimeout(15*time.Second),
		httpkit.WithDisableKeepAlives(),
		httpkit.WithRetry(3, time.Second),
		httpkit.WithLogger(logger),
	)))

	if cfg.GitHub.Configured() {
		forgeClient := httpkit.NewClient(
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithLogger(logger),
		)
		gh, err := forge.NewGitHub(forgeClient, cfg.GitHub.Token, cfg.GitHub.URL, logger)
		if err != nil {
			return fmt.Errorf("github client: %w", err)
		}
		reg.SetForgeTools(forge.NewTools(gh, cfg.GitHub.Owner, logger))
		logger.Info("github tools enabled", "owner", cfg.GitHub.Owner)
	}

	// MCP tools are bridged before confirmation gates apply so operators
	// can gate them too.
	mcpManager := mcp.NewManager(cfg.MCP.Servers, reg, bus, logger)
	if len(cfg.MCP.Servers) > 0 {
		n := mcpManager.Start(ctx)
		logger.Info("MCP tools bridged", "servers", len(mcpManager.Servers()), "tools", n)
	}
	defer mcpManager.Close()

	if unknown := reg.RequireConfirmation(cfg.Agent.RequireConfirmation...); len(unknown) > 0 {
		logger.Warn("require_confirmation names unknown tools", "tools", unknown)
	}

	// --- Driver ---
	loop := agent.NewLoop(logger, mem, llmClient, reg, agent.Config{
		Model:    cfg.Models.Default,
		MaxTurns: cfg.Agent.MaxTurns,
	})
	loop.SetObserver(materializer)
	loop.SetEventBus(bus)

	// --- Scheduler ---
	sched := scheduler.New(logger, taskStore, func(ctx context.Context, task *scheduler.Task) error {
		return runScheduledTask(ctx, task, taskExecDeps{runner: loop, bus: bus, logger: logger})
	})
	reg.SetScheduler(sched)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	logger.Info("tools registered", "count", len(reg.Names()))

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, loop, logger)
	server.SetMemoryStore(mem)
	server.SetProjectStore(projects)
	server.SetScheduler(sched)
	server.SetEventBus(bus)
	server.SetUsageStore(usageStore)
	server.SetServiceWatcher(services)

	// --- MQTT forwarder ---
	var forwarder *mqtt.Forwarder
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		forwarder = mqtt.NewForwarder(cfg.MQTT, instanceID, bus, loop.Stop, logger)
		go func() {
			if err := forwarder.Start(ctx); err != nil {
				logger.Error("mqtt forwarder failed", "error", err)
			}
		}()
		logger.Info("mqtt forwarding enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	} else {
		logger.Info("mqtt forwarding disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if forwarder != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := forwarder.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Vektra stopped")
	return nil
}

// createLLMClient builds a multi-provider client and names its fallback
// provider. Each enabled provider is registered under its name so
// "provider/model" routes explicitly; listed models map to their
// provider. The default model's provider is the fallback, otherwise the
// first enabled provider.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, string, error) {
	type provider struct {
		name   string
		cfg    config.ProviderConfig
		client llm.Client
	}
	var providers []provider

	if p := cfg.Models.Ollama; p.Enabled() {
		c, err := llm.NewOllamaClient(p.BaseURL, logger)
		if err != nil {
			return nil, "", fmt.Errorf("ollama client: %w", err)
		}
		providers = append(providers, provider{"ollama", p, c})
	}
	if p := cfg.Models.Anthropic; p.Enabled() {
		providers = append(providers, provider{"anthropic", p, llm.NewAnthropicClient(p.APIKey, p.BaseURL, logger)})
	}
	if p := cfg.Models.OpenAI; p.Enabled() {
		providers = append(providers, provider{"openai", p, llm.NewOpenAIClient(p.APIKey, p.BaseURL, logger)})
	}
	if p := cfg.Models.Gemini; p.Enabled() {
		c, err := llm.NewGeminiClient(ctx, p.APIKey, logger)
		if err != nil {
			return nil, "", fmt.Errorf("gemini client: %w", err)
		}
		providers = append(providers, provider{"gemini", p, c})
	}
	if len(providers) == 0 {
		return nil, "", errors.New("no model provider configured")
	}

	fallback := providers[0]
	for _, p := range providers {
		for _, m := range p.cfg.Models {
			if m == cfg.Models.Default {
				fallback = p
			}
		}
	}

	multi := llm.NewMultiClient(fallback.client)
	for _, p := range providers {
		multi.AddProvider(p.name, p.client)
		for _, m := range p.cfg.Models {
			multi.AddModel(m, p.name)
		}
	}
	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", fallback.name,
		"providers", len(providers),
	)
	return multi, fallback.name, nil
}

// newSandboxProvider builds the configured sandbox host.
func newSandboxProvider(cfg config.SandboxConfig, logger *slog.Logger) (sandbox.Provider, error) {
	policy := sandbox.DefaultPolicy()
	if cfg.TimeoutSec > 0 {
		policy.DefaultTimeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	switch cfg.Kind {
	case "ssh":
		return sandbox.NewSSHProvider(sandbox.SSHConfig{
			Host:           cfg.SSH.Host,
			Port:           cfg.SSH.Port,
			User:           cfg.SSH.User,
			KeyFile:        cfg.SSH.KeyFile,
			Password:       cfg.SSH.Password,
			KnownHostsFile: cfg.SSH.KnownHostsFile,
			Root:           cfg.Root,
			PreviewURL:     cfg.PreviewBaseURL,
			Policy:         policy,
		}, logger)
	default:
		return sandbox.NewLocalProvider(sandbox.LocalConfig{
			Root:       cfg.Root,
			PreviewURL: cfg.PreviewBaseURL,
			Policy:     policy,
		}, logger)
	}
}

// Package config handles Vektra configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/nugget/vektra-agent/internal/forge"
	"github.com/nugget/vektra-agent/internal/paths"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vektra/config.yaml, /etc/vektra/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vektra", "config.yaml"))
	}

	paths = append(paths, "/etc/vektra/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Vektra configuration.
type Config struct {
	Listen    ListenConfig  `yaml:"listen" toml:"listen"`
	DataDir   string        `yaml:"data_dir" toml:"data_dir"`
	Models    ModelsConfig  `yaml:"models" toml:"models"`
	Agent     AgentConfig   `yaml:"agent" toml:"agent"`
	Sandbox   SandboxConfig `yaml:"sandbox" toml:"sandbox"`
	MCP       MCPConfig     `yaml:"mcp" toml:"mcp"`
	MQTT      MQTTConfig    `yaml:"mqtt" toml:"mqtt"`
	GitHub    forge.Config  `yaml:"github" toml:"github"`
	LogLevel  string        `yaml:"log_level" toml:"log_level"`
	LogFormat string        `yaml:"log_format" toml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" toml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" toml:"port"`
}

// ModelsConfig selects the default model and configures each provider.
// A model may be written "provider/model" to pick a provider explicitly.
type ModelsConfig struct {
	Default   string         `yaml:"default" toml:"default"`
	Anthropic ProviderConfig `yaml:"anthropic" toml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai" toml:"openai"`
	Ollama    ProviderConfig `yaml:"ollama" toml:"ollama"`
	Gemini    ProviderConfig `yaml:"gemini" toml:"gemini"`

	// Pricing maps model names to USD prices for usage reports. Models
	// without an entry are recorded at zero cost.
	Pricing map[string]PricingEntry `yaml:"pricing" toml:"pricing"`
}

// PricingEntry is the price of one model per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million" toml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" toml:"output_per_million"`
}

// ProviderConfig configures one model provider. A provider with neither
// key nor URL is disabled, except Ollama which only needs a URL.
type ProviderConfig struct {
	APIKey  string   `yaml:"api_key" toml:"api_key"`
	BaseURL string   `yaml:"base_url" toml:"base_url"`
	Models  []string `yaml:"models" toml:"models"` // model names routed here
}

// Enabled reports whether the provider has credentials or an endpoint.
func (p ProviderConfig) Enabled() bool {
	return p.APIKey != "" || p.BaseURL != ""
}

// AgentConfig tunes the generation driver.
type AgentConfig struct {
	MaxTurns int `yaml:"max_turns" toml:"max_turns"`

	// RequireConfirmation names tools that must be approved by a human
	// in addition to the ones gated by default.
	RequireConfirmation []string `yaml:"require_confirmation" toml:"require_confirmation"`
}

// SandboxConfig selects where projects are built.
type SandboxConfig struct {
	Kind           string    `yaml:"kind" toml:"kind"` // local or ssh
	Root           string    `yaml:"root" toml:"root"`
	PreviewBaseURL string    `yaml:"preview_base_url" toml:"preview_base_url"`
	TimeoutSec     int       `yaml:"timeout_sec" toml:"timeout_sec"`
	SSH            SSHConfig `yaml:"ssh" toml:"ssh"`
}

// SSHConfig reaches a remote build host.
type SSHConfig struct {
	Host           string `yaml:"host" toml:"host"`
	Port           int    `yaml:"port" toml:"port"`
	User           string `yaml:"user" toml:"user"`
	KeyFile        string `yaml:"key_file" toml:"key_file"`
	Password       string `yaml:"password" toml:"password"`
	KnownHostsFile string `yaml:"known_hosts_file" toml:"known_hosts_file"`
}

// MCPConfig lists external tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers" toml:"servers"`
}

// MCPServerConfig describes one MCP server. Transport is stdio, sse or
// http. Stdio servers are started from Command; the others are reached
// at URL.
type MCPServerConfig struct {
	Name      string            `yaml:"name" toml:"name"`
	Transport string            `yaml:"transport" toml:"transport"`
	Command   string            `yaml:"command" toml:"command"`
	Args      []string          `yaml:"args" toml:"args"`
	Env       map[string]string `yaml:"env" toml:"env"`
	URL       string            `yaml:"url" toml:"url"`
	Headers   map[string]string `yaml:"headers" toml:"headers"`

	// Include limits bridged tools to these MCP names. Exclude drops
	// names. Include wins when both are set.
	Include []string `yaml:"include" toml:"include"`
	Exclude []string `yaml:"exclude" toml:"exclude"`
}

// MQTTConfig forwards bus events to a broker. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker"` // mqtt://host:1883 or mqtts://
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool { return c.Broker != "" }

// Load reads configuration from a YAML or TOML file, chosen by
// extension. Environment variables are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration: a local sandbox under
// ./data and a local Ollama.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	paths.ExpandAll(&c.DataDir, &c.Sandbox.SSH.KeyFile, &c.Sandbox.SSH.KnownHostsFile)
	if c.Sandbox.Kind != "ssh" {
		c.Sandbox.Root = paths.ExpandHome(c.Sandbox.Root)
	}

	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Models.Default == "" {
		c.Models.Default = "qwen3:4b"
	}
	if !c.Models.Ollama.Enabled() && !c.Models.Anthropic.Enabled() &&
		!c.Models.OpenAI.Enabled() && !c.Models.Gemini.Enabled() {
		c.Models.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.Agent.MaxTurns == 0 {
		c.Agent.MaxTurns = 10
	}
	if c.Sandbox.Kind == "" {
		c.Sandbox.Kind = "local"
	}
	if c.Sandbox.Root == "" && c.Sandbox.Kind == "local" {
		c.Sandbox.Root = filepath.Join(c.DataDir, "sandboxes")
	}
	if c.Sandbox.SSH.Port == 0 {
		c.Sandbox.SSH.Port = 22
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "vektra"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	c.GitHub.ApplyDefaults()
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Agent.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("agent.max_turns must be positive, got %d", c.Agent.MaxTurns))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	switch c.Sandbox.Kind {
	case "local":
	case "ssh":
		if c.Sandbox.SSH.Host == "" || c.Sandbox.SSH.User == "" {
			errs = append(errs, errors.New("sandbox.ssh requires host and user"))
		}
		if c.Sandbox.Root == "" {
			errs = append(errs, errors.New("sandbox.root is required for ssh sandboxes"))
		}
	default:
		errs = append(errs, fmt.Errorf("sandbox.kind must be local or ssh, got %q", c.Sandbox.Kind))
	}

	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %s: command is required for stdio", s.Name))
			}
		case "sse", "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %s: url is required for %s", s.Name, s.Transport))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %s: unknown transport %q", s.Name, s.Transport))
		}
	}

	if c.MQTT.Configured() &&
		!strings.HasPrefix(c.MQTT.Broker, "mqtt://") && !strings.HasPrefix(c.MQTT.Broker, "mqtts://") &&
		!strings.HasPrefix(c.MQTT.Broker, "tcp://") && !strings.HasPrefix(c.MQTT.Broker, "ssl://") {
		errs = append(errs, fmt.Errorf("mqtt.broker %q must use mqtt://, mqtts://, tcp:// or ssl://", c.MQTT.Broker))
	}

	for model, p := range c.Models.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("models.pricing.%s: prices must not be negative", model))
		}
	}

	if err := c.GitHub.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Address returns the listen address in host:port form.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Listen.Address, c.Listen.Port)
}

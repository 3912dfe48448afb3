// Package config loads runtime configuration: defaults, then an optional
// YAML file, then environment variables. Env always wins so container
// deployments can override a mounted file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Database backends.
const (
	DatabaseMemory   = "memory"
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
)

// Execution modes for cli steps.
const (
	ExecutionLocal      = "local"
	ExecutionKubernetes = "kubernetes"
)

// Config represents the complete runtime configuration.
type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Execution ExecutionConfig `yaml:"execution"`
	Resources ResourcesConfig `yaml:"resources"`
	Tools     ToolsConfig     `yaml:"tools"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects and configures the store backend.
type DatabaseConfig struct {
	// Type is "memory", "sqlite", or "postgres".
	Type       string `yaml:"type"`
	SQLitePath string `yaml:"sqlitePath"`
	// URL is the postgres DSN.
	URL string `yaml:"url"`
}

// LLMConfig configures the default provider chain. API keys come from the
// environment only, never from files.
type LLMConfig struct {
	Provider    string   `yaml:"provider"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens"`

	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
}

// AgentConfig bounds investigations.
type AgentConfig struct {
	MaxIterations  int `yaml:"maxIterations"`
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

// ExecutionConfig selects how cli steps run.
type ExecutionConfig struct {
	// Mode is "local" or "kubernetes".
	Mode          string `yaml:"mode"`
	KubeNamespace string `yaml:"kubeNamespace"`
	// Image is the default pod image for kubernetes mode.
	Image string `yaml:"image"`
}

// ResourcesConfig locates declared resource manifests.
type ResourcesConfig struct {
	Dir string `yaml:"dir"`
}

// ToolsConfig configures agent tool endpoints and allowlists.
type ToolsConfig struct {
	PrometheusURL      string   `yaml:"prometheusURL"`
	KubectlNamespaces  []string `yaml:"kubectlNamespaces"`
	HTTPAllowedDomains []string `yaml:"httpAllowedDomains"`
}

// NATSConfig configures the optional event publisher. An empty URL
// disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{Type: DatabaseMemory, SQLitePath: "quell.db"},
		LLM:      LLMConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 4096},
		Agent:    AgentConfig{MaxIterations: 15, TimeoutSeconds: 300},
		Execution: ExecutionConfig{
			Mode:          ExecutionLocal,
			KubeNamespace: "default",
		},
		Resources: ResourcesConfig{Dir: "resources"},
		NATS:      NATSConfig{SubjectPrefix: "quell"},
	}
}

// Load builds the effective config: defaults, optional YAML file, env.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config.
func (c *Config) ApplyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.Server.Addr, "SERVER_ADDR")
	setString(&c.Database.Type, "DATABASE_TYPE")
	setString(&c.Database.SQLitePath, "SQLITE_PATH")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.LLM.Provider, "LLM_PROVIDER")
	setString(&c.LLM.Model, "LLM_MODEL")
	setString(&c.Execution.Mode, "EXECUTION_MODE")
	setString(&c.Execution.KubeNamespace, "KUBE_NAMESPACE")
	setString(&c.Resources.Dir, "RESOURCE_DIR")
	setString(&c.Tools.PrometheusURL, "PROMETHEUS_URL")
	setString(&c.NATS.URL, "NATS_URL")

	c.LLM.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.LLM.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if err := setFloat(&c.LLM.Temperature, "LLM_TEMPERATURE"); err != nil {
		return err
	}
	if err := setInt(&c.LLM.MaxTokens, "LLM_MAX_TOKENS"); err != nil {
		return err
	}
	if err := setInt(&c.Agent.MaxIterations, "AGENT_MAX_ITERATIONS"); err != nil {
		return err
	}
	if err := setInt(&c.Agent.TimeoutSeconds, "AGENT_TIMEOUT_SECONDS"); err != nil {
		return err
	}
	return nil
}

// Validate checks enumerations and fills the inferred provider.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabaseMemory, DatabaseSQLite, DatabasePostgres:
	default:
		return fmt.Errorf("database.type %q: must be memory, sqlite, or postgres", c.Database.Type)
	}
	if c.Database.Type == DatabasePostgres && c.Database.URL == "" {
		return fmt.Errorf("database.type postgres requires a connection URL")
	}

	switch c.Execution.Mode {
	case ExecutionLocal, ExecutionKubernetes:
	default:
		return fmt.Errorf("execution.mode %q: must be local or kubernetes", c.Execution.Mode)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logLevel %q: must be debug, info, warn, or error", c.LogLevel)
	}

	if c.Agent.MaxIterations < 0 || c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("agent bounds must not be negative")
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = c.inferProvider()
	}
	return nil
}

// inferProvider picks a provider from the available API keys, falling
// back to the scripted mock so the system runs without credentials.
func (c *Config) inferProvider() string {
	if c.AnthropicKey() != "" {
		return "anthropic"
	}
	if c.OpenAIKey() != "" {
		return "openai"
	}
	return "mock"
}

// AnthropicKey returns the anthropic API key.
func (c *Config) AnthropicKey() string { return c.LLM.AnthropicAPIKey }

// OpenAIKey returns the openai API key.
func (c *Config) OpenAIKey() string { return c.LLM.OpenAIAPIKey }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(dst **float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = &f
	return nil
}

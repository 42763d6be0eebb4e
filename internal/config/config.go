// ABOUTME: Configuration loading and parsing for fabricore-gateway
// ABOUTME: YAML or TOML files with ${VAR} expansion, FABRICORE_* overrides, and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a value is not configured.
const (
	DefaultHTTPAddr          = "127.0.0.1:8080"
	DefaultDatabasePath      = "fabricore.db"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultLLMTimeout        = 120 * time.Second
	DefaultMaxTokens         = 1024
	DefaultMaxTurns          = 15
	DefaultScheduledMaxTurns = 5
	DefaultSchedulerTick     = time.Minute
)

// Config represents the complete fabricore-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Loop      LoopConfig      `yaml:"loop" toml:"loop"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"FABRICORE_HTTP_ADDR"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled" env:"FABRICORE_TAILSCALE_ENABLED"`
	Hostname  string `yaml:"hostname" toml:"hostname" env:"FABRICORE_TAILSCALE_HOSTNAME"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key" env:"FABRICORE_TAILSCALE_AUTH_KEY"`
	StateDir  string `yaml:"state_dir" toml:"state_dir" env:"FABRICORE_TAILSCALE_STATE_DIR"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS with the tailnet certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" env:"FABRICORE_DB_PATH"`
}

// AuthConfig holds agent authentication configuration
type AuthConfig struct {
	// AgentTokenSecret, when set, requires a signed token in agent.identify.
	AgentTokenSecret string `yaml:"agent_token_secret" toml:"agent_token_secret" env:"FABRICORE_AGENT_TOKEN_SECRET"`
}

// AgentsConfig holds agent-related timing configuration
type AgentsConfig struct {
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	CommandTimeout   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout" env:"FABRICORE_HANDSHAKE_TIMEOUT"`
	CommandTimeoutRaw   string `yaml:"command_timeout" toml:"command_timeout" env:"FABRICORE_COMMAND_TIMEOUT"`
}

// LLMConfig points the agent loop at an OpenAI-compatible server
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url" toml:"base_url" env:"FABRICORE_LLM_BASE_URL"`
	APIKey      string        `yaml:"api_key" toml:"api_key" env:"FABRICORE_LLM_API_KEY"`
	Model       string        `yaml:"model" toml:"model" env:"FABRICORE_LLM_MODEL"`
	MaxTokens   int           `yaml:"max_tokens" toml:"max_tokens"`
	Temperature float64       `yaml:"temperature" toml:"temperature"`
	Timeout     time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw  string        `yaml:"timeout" toml:"timeout" env:"FABRICORE_LLM_TIMEOUT"`
}

// LoopConfig bounds agent loop episodes
type LoopConfig struct {
	MaxTurns          int    `yaml:"max_turns" toml:"max_turns" env:"FABRICORE_MAX_TURNS"`
	ScheduledMaxTurns int    `yaml:"scheduled_max_turns" toml:"scheduled_max_turns"`
	SystemPrompt      string `yaml:"system_prompt" toml:"system_prompt"`
}

// SchedulerConfig holds cron scheduler configuration
type SchedulerConfig struct {
	Enabled bool          `yaml:"enabled" toml:"enabled" env:"FABRICORE_SCHEDULER_ENABLED"`
	Tick    time.Duration `yaml:"-" toml:"-"`
	TickRaw string        `yaml:"tick" toml:"tick"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"FABRICORE_LOG_LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FABRICORE_LOG_FORMAT"`
}

// DefaultPath returns the config path: $FABRICORE_CONFIG, else
// $XDG_CONFIG_HOME/fabricore/gateway.yaml, else ~/.config/fabricore/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("FABRICORE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "fabricore", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "fabricore", "gateway.yaml")
	}
	return filepath.Join(home, ".config", "fabricore", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, FABRICORE_*
// variables override file values, and defaults fill whatever is left.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(&cfg)
}

// LoadOrDefault loads path, falling back to defaults plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(&Config{})
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("reading environment overrides: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Agents.HandshakeTimeout == 0 {
		c.Agents.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = DefaultCommandTimeout
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = DefaultMaxTokens
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = DefaultLLMTimeout
	}
	if c.Loop.MaxTurns == 0 {
		c.Loop.MaxTurns = DefaultMaxTurns
	}
	if c.Loop.ScheduledMaxTurns == 0 {
		c.Loop.ScheduledMaxTurns = DefaultScheduledMaxTurns
	}
	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = DefaultSchedulerTick
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}

	if c.Loop.MaxTurns < 1 || c.Loop.ScheduledMaxTurns < 1 {
		return fmt.Errorf("loop.max_turns and loop.scheduled_max_turns must be positive")
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.handshake_timeout", cfg.Agents.HandshakeTimeoutRaw, &cfg.Agents.HandshakeTimeout},
		{"agents.command_timeout", cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"scheduler.tick", cfg.Scheduler.TickRaw, &cfg.Scheduler.Tick},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

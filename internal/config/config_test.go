// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, overrides, defaults, and durations

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  agent_token_secret: "s3cret"

agents:
  handshake_timeout: "5s"
  command_timeout: "45s"

llm:
  base_url: "http://localhost:8081"
  model: "qwen"
  max_tokens: 2048
  temperature: 0.2
  timeout: "2m"

loop:
  max_turns: 10
  scheduled_max_turns: 3
  system_prompt: "be brief"

scheduler:
  enabled: true
  tick: "30s"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.AgentTokenSecret != "s3cret" {
		t.Errorf("Auth.AgentTokenSecret = %q, want %q", cfg.Auth.AgentTokenSecret, "s3cret")
	}
	if cfg.Agents.HandshakeTimeout != 5*time.Second {
		t.Errorf("Agents.HandshakeTimeout = %v, want 5s", cfg.Agents.HandshakeTimeout)
	}
	if cfg.Agents.CommandTimeout != 45*time.Second {
		t.Errorf("Agents.CommandTimeout = %v, want 45s", cfg.Agents.CommandTimeout)
	}
	if cfg.LLM.BaseURL != "http://localhost:8081" || cfg.LLM.Model != "qwen" {
		t.Errorf("LLM = %+v", cfg.LLM)
	}
	if cfg.LLM.MaxTokens != 2048 || cfg.LLM.Temperature != 0.2 {
		t.Errorf("LLM sampling = %d/%v, want 2048/0.2", cfg.LLM.MaxTokens, cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 2*time.Minute {
		t.Errorf("LLM.Timeout = %v, want 2m", cfg.LLM.Timeout)
	}
	if cfg.Loop.MaxTurns != 10 || cfg.Loop.ScheduledMaxTurns != 3 {
		t.Errorf("Loop = %+v", cfg.Loop)
	}
	if cfg.Loop.SystemPrompt != "be brief" {
		t.Errorf("Loop.SystemPrompt = %q", cfg.Loop.SystemPrompt)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Tick != 30*time.Second {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
llm:
  base_url: "http://localhost:8081"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Database.Path != DefaultDatabasePath {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, DefaultDatabasePath)
	}
	if cfg.Agents.CommandTimeout != 30*time.Second {
		t.Errorf("Agents.CommandTimeout = %v, want 30s", cfg.Agents.CommandTimeout)
	}
	if cfg.Agents.HandshakeTimeout != 10*time.Second {
		t.Errorf("Agents.HandshakeTimeout = %v, want 10s", cfg.Agents.HandshakeTimeout)
	}
	if cfg.Loop.MaxTurns != 15 || cfg.Loop.ScheduledMaxTurns != 5 {
		t.Errorf("Loop = %+v, want 15/5", cfg.Loop)
	}
	if cfg.Scheduler.Tick != time.Minute {
		t.Errorf("Scheduler.Tick = %v, want 1m", cfg.Scheduler.Tick)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Level != "info" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = "127.0.0.1:9090"

[llm]
base_url = "http://llama:8081"

[agents]
command_timeout = "1m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.LLM.BaseURL != "http://llama:8081" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Agents.CommandTimeout != time.Minute {
		t.Errorf("Agents.CommandTimeout = %v, want 1m", cfg.Agents.CommandTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_LLM_KEY", "sk-expanded")
	t.Setenv("TEST_DB_DIR", "/var/lib/fabricore")

	path := writeConfig(t, "gateway.yaml", `
database:
  path: "${TEST_DB_DIR}/gateway.db"
llm:
  base_url: "http://localhost:8081"
  api_key: "${TEST_LLM_KEY}"
auth:
  agent_token_secret: "${TEST_UNSET_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-expanded" {
		t.Errorf("LLM.APIKey = %q, want %q", cfg.LLM.APIKey, "sk-expanded")
	}
	if cfg.Database.Path != "/var/lib/fabricore/gateway.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.AgentTokenSecret != "" {
		t.Errorf("unset variable should expand to empty, got %q", cfg.Auth.AgentTokenSecret)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FABRICORE_HTTP_ADDR", "0.0.0.0:7000")
	t.Setenv("FABRICORE_DB_PATH", "/tmp/override.db")
	t.Setenv("FABRICORE_LLM_BASE_URL", "http://override:8081")
	t.Setenv("FABRICORE_COMMAND_TIMEOUT", "5s")
	t.Setenv("FABRICORE_MAX_TURNS", "4")

	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "file.db"
llm:
  base_url: "http://file:8081"
agents:
  command_timeout: "30s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:7000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.LLM.BaseURL != "http://override:8081" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Agents.CommandTimeout != 5*time.Second {
		t.Errorf("Agents.CommandTimeout = %v, want 5s", cfg.Agents.CommandTimeout)
	}
	if cfg.Loop.MaxTurns != 4 {
		t.Errorf("Loop.MaxTurns = %d, want 4", cfg.Loop.MaxTurns)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv("FABRICORE_LLM_BASE_URL", "http://env-only:8081")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.LLM.BaseURL != "http://env-only:8081" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{
			name:    "missing llm base url",
			file:    "gateway.yaml",
			content: "server:\n  http_addr: \":8080\"\n",
			wantErr: "llm.base_url is required",
		},
		{
			name:    "bad duration",
			file:    "gateway.yaml",
			content: "llm:\n  base_url: \"http://x\"\nagents:\n  command_timeout: \"soon\"\n",
			wantErr: "agents.command_timeout",
		},
		{
			name:    "negative duration",
			file:    "gateway.yaml",
			content: "llm:\n  base_url: \"http://x\"\nscheduler:\n  tick: \"-1m\"\n",
			wantErr: "must not be negative",
		},
		{
			name:    "tailscale without hostname",
			file:    "gateway.yaml",
			content: "llm:\n  base_url: \"http://x\"\ntailscale:\n  enabled: true\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "bad log format",
			file:    "gateway.yaml",
			content: "llm:\n  base_url: \"http://x\"\nlogging:\n  format: \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "invalid yaml",
			file:    "gateway.yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name:    "invalid toml",
			file:    "gateway.toml",
			content: "[server\nhttp_addr = 1",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("FABRICORE_CONFIG", "/etc/fabricore.yaml")
	if got := DefaultPath(); got != "/etc/fabricore.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("FABRICORE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "fabricore", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

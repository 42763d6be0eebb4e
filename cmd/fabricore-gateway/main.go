// ABOUTME: Entry point for the fabricore-gateway control server
// ABOUTME: Serves agents over WebSocket and operators over HTTP; also mints agent tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/fabricore-gateway/internal/auth"
	"github.com/2389/fabricore-gateway/internal/config"
	"github.com/2389/fabricore-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  __       _          _
 / _| __ _| |__  _ __(_) ___ ___  _ __ ___
| |_ / _' | '_ \| '__| |/ __/ _ \| '__/ _ \
|  _| (_| | |_) | |  | | (_| (_) | | |  __/
|_|  \__,_|_.__/|_|  |_|\___\___/|_|  \___|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: fabricore-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the gateway server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  token --agent ID [--ttl D] Mint a signed token for an agent")
		fmt.Println("  health                     Check gateway health")
		fmt.Println("  agents                     Check whether any agents are connected")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "agents":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("LLM:       %s", cfg.LLM.BaseURL)
	if cfg.LLM.Model != "" {
		gray.Printf(" (%s)", cfg.LLM.Model)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Scheduler.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Scheduler: every %s\n", cfg.Scheduler.Tick)
	}
	if cfg.Auth.AgentTokenSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Agent tokens are not required (auth.agent_token_secret is empty)")
	}

	fmt.Println()

	logger.Info("starting fabricore-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"db_path", cfg.Database.Path,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = newColorHandler(os.Stdout, level)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// runToken mints an HS256 token whose subject is the agent id.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	agentID := fs.String("agent", "", "agent id the token is issued for")
	ttl := fs.Duration("ttl", 0, "token lifetime (0 never expires)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*agentID) == "" {
		return errors.New("--agent is required")
	}
	if *ttl < 0 {
		return errors.New("--ttl cannot be negative")
	}

	cfg, err := config.LoadOrDefault(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.AgentTokenSecret == "" {
		return errors.New("auth.agent_token_secret is not configured")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.AgentTokenSecret)).Generate(*agentID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

// runProbe GETs a health endpoint on the configured address and prints the body.
func runProbe(ctx context.Context, path string) error {
	cfg, err := config.LoadOrDefault(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	fmt.Print(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("fabricore-gateway configuration setup")
	fmt.Println("=====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	dbPath := prompt(reader, "SQLite database path", defaultDBPath())

	fmt.Println("\n--- Language model ---")
	baseURL := prompt(reader, "OpenAI-compatible base URL", "http://localhost:11434/v1")
	model := prompt(reader, "Model", "llama3.1")
	apiKey := prompt(reader, "API key (leave empty for none)", "")

	fmt.Println("\n--- Agents ---")
	requireTokens := yes(prompt(reader, "Require signed agent tokens?", "yes"))
	var secret string
	if requireTokens {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generating token secret: %w", err)
		}
		secret = base64.StdEncoding.EncodeToString(buf)
	}

	fmt.Println("\n--- Tailscale ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "fabricore")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsHTTPS = yes(prompt(reader, "Serve HTTPS with the tailnet certificate?", "yes"))
	}

	fmt.Println("\n--- Scheduler and logging ---")
	schedulerEnabled := yes(prompt(reader, "Run scheduled tasks?", "yes"))
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# fabricore-gateway configuration\n")
	cfg.WriteString("# Generated by fabricore-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("llm:\n")
	fmt.Fprintf(&cfg, "  base_url: %q\n", baseURL)
	fmt.Fprintf(&cfg, "  model: %q\n", model)
	if apiKey != "" {
		fmt.Fprintf(&cfg, "  api_key: %q\n", apiKey)
	}
	cfg.WriteString("  timeout: \"120s\"\n\n")

	if secret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  agent_token_secret: %q\n\n", secret)
	}

	cfg.WriteString("agents:\n")
	cfg.WriteString("  handshake_timeout: \"10s\"\n")
	cfg.WriteString("  command_timeout: \"30s\"\n\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  https: %t\n", tsHTTPS)
	}
	cfg.WriteString("\n")

	cfg.WriteString("scheduler:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", schedulerEnabled)
	cfg.WriteString("  tick: \"1m\"\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  fabricore-gateway serve")
	if secret != "" {
		fmt.Println("\nTo let an agent in:")
		fmt.Println("  fabricore-gateway token --agent <agent-id>")
	}
	return nil
}

// defaultDBPath returns $XDG_DATA_HOME/fabricore/gateway.db or the ~/.local/share equivalent.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return config.DefaultDatabasePath
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "fabricore", "gateway.db")
}

func yes(answer string) bool {
	a := strings.ToLower(strings.TrimSpace(answer))
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// EOF keeps the default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

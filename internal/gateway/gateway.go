// ABOUTME: Gateway orchestrator that wires the agent link, agent loop, scheduler, and HTTP API
// ABOUTME: Manages listeners (TCP or tsnet), the errgroup lifecycle, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fabricore-gateway/internal/agent"
	"github.com/2389/fabricore-gateway/internal/auth"
	"github.com/2389/fabricore-gateway/internal/config"
	"github.com/2389/fabricore-gateway/internal/conversation"
	"github.com/2389/fabricore-gateway/internal/dedupe"
	"github.com/2389/fabricore-gateway/internal/llm"
	"github.com/2389/fabricore-gateway/internal/policy"
	"github.com/2389/fabricore-gateway/internal/scheduler"
	"github.com/2389/fabricore-gateway/internal/store"
	"github.com/2389/fabricore-gateway/internal/tools"
)

const (
	shutdownTimeout   = 5 * time.Second
	policyPushTimeout = 10 * time.Second
	maxFrameSize      = 4 << 20
)

// Gateway orchestrates the fabricore-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	registry     *agent.Registry
	dispatcher   *agent.Dispatcher
	policy       *policy.Engine
	executor     *tools.Executor
	broadcaster  *conversation.EventBroadcaster
	guard        *dedupe.Guard
	conversation *conversation.Controller
	scheduler    *scheduler.Service
	verifier     auth.TokenVerifier // nil when agent tokens are not required

	mux         *http.ServeMux
	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// Deps are the externally built collaborators of a Gateway.
type Deps struct {
	Store     store.Store
	Generator llm.Generator
}

// initStore opens the SQLite store named in the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by SQLite and an OpenAI-compatible generator.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gen, err := llm.NewOpenAIGenerator(llm.OpenAIConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Logger:      logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	return NewWithDeps(cfg, Deps{Store: s, Generator: gen}, logger)
}

// NewWithDeps creates a Gateway around an existing store and generator.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Store == nil || deps.Generator == nil {
		return nil, errors.New("gateway requires a store and a generator")
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Registry: registry,
		Audit:    deps.Store,
		Logger:   logger.With("component", "dispatcher"),
		Timeout:  cfg.Agents.CommandTimeout,
	})
	engine := policy.NewEngine(deps.Store, policy.DefaultRules(), logger)
	executor := tools.NewExecutor(tools.ExecutorConfig{
		Dispatcher: dispatcher,
		Policy:     engine,
		Presence:   registry,
		Directory:  deps.Store,
		Timeout:    cfg.Agents.CommandTimeout,
		Logger:     logger,
	})
	broadcaster := conversation.NewEventBroadcaster(logger)
	guard := dedupe.New(10*time.Minute, 10_000)
	controller := conversation.NewController(conversation.Config{
		Store:        deps.Store,
		Generator:    deps.Generator,
		Tools:        executor,
		Broadcaster:  broadcaster,
		Guard:        guard,
		MaxTurns:     cfg.Loop.MaxTurns,
		SystemPrompt: cfg.Loop.SystemPrompt,
		Logger:       logger,
	})
	sched := scheduler.New(scheduler.Config{
		Store:    deps.Store,
		Runner:   controller,
		Tick:     cfg.Scheduler.Tick,
		MaxTurns: cfg.Loop.ScheduledMaxTurns,
		Logger:   logger,
	})

	gw := &Gateway{
		config:       cfg,
		store:        deps.Store,
		logger:       logger.With("component", "gateway"),
		registry:     registry,
		dispatcher:   dispatcher,
		policy:       engine,
		executor:     executor,
		broadcaster:  broadcaster,
		guard:        guard,
		conversation: controller,
		scheduler:    sched,
	}

	if secret := cfg.Auth.AgentTokenSecret; secret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(secret))
		gw.logger.Info("agent tokens required")
	} else {
		gw.logger.Warn("agent tokens disabled - no auth.agent_token_secret configured")
	}

	gw.mux = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the HTTP handler serving the agent socket and the API.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", g.handleAgentSocket)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}/policy", g.handleGetPolicy)
	mux.HandleFunc("PUT /api/agents/{id}/policy", g.handleSetPolicy)
	mux.HandleFunc("GET /api/audit", g.handleListAudit)

	mux.HandleFunc("POST /api/chat", g.handleChat)
	mux.HandleFunc("GET /api/sessions", g.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}/messages", g.handleSessionMessages)
	mux.HandleFunc("GET /api/sessions/{id}/watch", g.handleWatchSession)

	mux.HandleFunc("GET /api/approvals", g.handleListApprovals)
	mux.HandleFunc("POST /api/approvals/{id}/approve", g.handleDecision(true))
	mux.HandleFunc("POST /api/approvals/{id}/deny", g.handleDecision(false))

	mux.HandleFunc("GET /api/schedules", g.handleListSchedules)
	mux.HandleFunc("POST /api/schedules", g.handleCreateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", g.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/run", g.handleRunSchedule)

	return mux
}

// setupTCPListener creates the standard TCP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is cancelled or a component fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if g.config.Scheduler.Enabled {
		eg.Go(func() error {
			return g.scheduler.Run(egCtx)
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fabricore-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and returns the HTTP listener on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
		UserLogf: func(format string, args ...any) {
			g.logger.Debug(fmt.Sprintf(format, args...), "source", "tsnet")
		},
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener picks plain HTTP, tailnet HTTPS, or Funnel.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, fails in-flight agent calls, closes agent
// sockets and watch streams, and releases the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error

	// Callers blocked on agent replies must return before the server can drain
	g.dispatcher.Close()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = appendCloseError(errs, "HTTP shutdown", err)
		_ = g.httpServer.Close()
	}

	if n := g.registry.CloseAll("gateway shutting down"); n > 0 {
		g.logger.Info("closed agent connections", "count", n)
	}
	g.broadcaster.Close()
	g.conversation.Close()
	g.guard.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/quorum/internal/agent"
	"github.com/basket/quorum/internal/audit"
	"github.com/basket/quorum/internal/bus"
	"github.com/basket/quorum/internal/config"
	"github.com/basket/quorum/internal/cron"
	"github.com/basket/quorum/internal/deliberate"
	"github.com/basket/quorum/internal/experiment"
	"github.com/basket/quorum/internal/gateway"
	otelPkg "github.com/basket/quorum/internal/otel"
	"github.com/basket/quorum/internal/prompt"
	"github.com/basket/quorum/internal/provider"
	"github.com/basket/quorum/internal/store"
	"github.com/basket/quorum/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER MODE (default):
  %s                          Start the deliberation server

SUBCOMMANDS:
  %s status                   Show server health (/health)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  QUORUM_HOME             Data directory (default: ~/.quorum)
  OPENAI_API_KEY          Credentials for the openai provider
  ANTHROPIC_API_KEY       Credentials for the anthropic provider
  GEMINI_API_KEY          Credentials for the gemini provider
  DEEPSEEK_API_KEY        Credentials for the deepseek provider
`)
}

func main() {
	config.LoadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// File-only logs when stdout is not a terminal and the mirror is
	// explicitly silenced (systemd units that already capture the file).
	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("QUORUM_QUIET_LOGS") == "1"
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("auth_token is empty on non-loopback bind; every client can reach the API", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	var st store.Store
	switch cfg.Storage.Mode {
	case "memory":
		st = store.NewMemory()
	default:
		st, err = store.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			fatalStartup(logger, "E_STORE_OPEN", err)
		}
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "source", st.Source())

	eventBus := bus.New()

	registry := agent.NewRegistry()
	for _, def := range agent.Defaults() {
		adapter, err := buildAdapter(ctx, cfg, def)
		if err != nil {
			logger.Warn("agent disabled: adapter unavailable", "agent_id", def.ID, "provider", def.Provider, "error", err)
			continue
		}
		registry.Register(&agent.Agent{
			Definition: def,
			Adapter:    provider.NewLimited(adapter, cfg.ProviderConcurrency),
		})
	}
	if len(registry.List()) == 0 {
		fatalStartup(logger, "E_NO_AGENTS", fmt.Errorf("no provider credentials configured; set at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, DEEPSEEK_API_KEY"))
	}
	logger.Info("startup phase", "phase", "panel_ready", "agents", len(registry.List()))

	resolver := prompt.NewResolver(st, cfg.PromptDir, logger)
	if err := resolver.Watch(ctx); err != nil {
		logger.Warn("prompt override watcher unavailable", "dir", cfg.PromptDir, "error", err)
	}

	runner := agent.NewRunner(st, eventBus, logger)
	engine := deliberate.New(st, registry, runner, resolver, eventBus, logger)
	engine.SetTracer(otelProvider.Tracer)
	if cfg.Deliberation.SessionTimeoutSeconds > 0 {
		engine.SetSessionDeadline(time.Duration(cfg.Deliberation.SessionTimeoutSeconds) * time.Second)
	}

	experiments := experiment.NewService(st, logger)

	retention, err := cron.NewScheduler(cron.Config{
		Store:         st,
		Logger:        logger,
		RetentionDays: cfg.MetricsRetentionDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	retention.Start(ctx)
	defer retention.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					continue
				}
				if newCfg.Deliberation.SessionTimeoutSeconds > 0 {
					engine.SetSessionDeadline(time.Duration(newCfg.Deliberation.SessionTimeoutSeconds) * time.Second)
				}
				resolver.Invalidate("", "")
				logger.Info("config.yaml hot-reloaded", "path", ev.Path)
			}
		}()
	}

	gw := gateway.NewServer(gateway.Config{
		Store:          st,
		Registry:       registry,
		Engine:         engine,
		Prompts:        resolver,
		Experiments:    experiments,
		Bus:            eventBus,
		Log:            logger,
		AuthToken:      cfg.AuthToken,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then cancel in-flight sessions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func buildAdapter(ctx context.Context, cfg config.Config, def agent.Definition) (provider.Adapter, error) {
	apiKey := cfg.ProviderAPIKey(def.Provider)
	if apiKey == "" {
		return nil, fmt.Errorf("no API key for provider %q", def.Provider)
	}
	baseURL := cfg.ProviderBaseURL(def.Provider)

	switch def.Provider {
	case "openai":
		if baseURL != "" {
			return provider.NewOpenAICompatible("openai", apiKey, baseURL), nil
		}
		return provider.NewOpenAI(apiKey), nil
	case "anthropic":
		return provider.NewAnthropic(apiKey, baseURL), nil
	case "gemini":
		return provider.NewGemini(ctx, apiKey)
	case "deepseek":
		if baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		return provider.NewOpenAICompatible("deepseek", apiKey, baseURL), nil
	}
	return nil, fmt.Errorf("unknown provider %q", def.Provider)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	// Register LLM providers via init()
	_ "github.com/quellops/quell/llm/providers"

	"github.com/quellops/quell/agent"
	"github.com/quellops/quell/config"
	"github.com/quellops/quell/controller"
	"github.com/quellops/quell/engine"
	"github.com/quellops/quell/events"
	"github.com/quellops/quell/ingest"
	"github.com/quellops/quell/llm"
	"github.com/quellops/quell/llm/providers"
	"github.com/quellops/quell/metrics"
	"github.com/quellops/quell/resource"
	"github.com/quellops/quell/server"
	"github.com/quellops/quell/sink"
	"github.com/quellops/quell/store"
	"github.com/quellops/quell/tools"
)

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	// Resources dir must exist before the watcher starts; an empty dir is
	// a valid cold start.
	if err := os.MkdirAll(cfg.Resources.Dir, 0o755); err != nil {
		return fmt.Errorf("create resources dir: %w", err)
	}

	registry := resource.NewRegistry()
	toolRegistry := buildTools(cfg, logger)

	agents := agent.NewRuntime(buildCompleter(cfg, logger), toolRegistry,
		agent.WithLogger(logger),
		agent.WithBounds(cfg.Agent.MaxIterations, time.Duration(cfg.Agent.TimeoutSeconds)*time.Second),
	)

	executor := engine.NewStepExecutor(buildRunner(cfg), agents, logger)
	eng := engine.New(st, registry, executor, engine.WithEngineLogger(logger))

	sinks := sink.NewDispatcher(registry, st, eng, sink.WithLogger(logger))
	var dispatcher engine.SinkDispatcher = sinks
	if cfg.NATS.URL != "" {
		publisher, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		defer publisher.Close()
		dispatcher = events.WrapDispatcher(sinks, publisher)
		logger.Info("Run events enabled", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	eng.SetSinkDispatcher(dispatcher)

	watcher := resource.NewWatcher(cfg.Resources.Dir, logger)
	manager := controller.NewManager(registry, st, watcher.Events(), logger)
	webhooks := ingest.NewDispatcher(registry, st, eng, logger)
	srv := server.New(cfg.Server.Addr, st, webhooks, eng, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(context.Background()); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	if err := manager.Start(context.Background()); err != nil {
		eng.Stop(5 * time.Second)
		return fmt.Errorf("start controller manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	logger.Info("Quell ready",
		"version", Version,
		"addr", cfg.Server.Addr,
		"provider", cfg.LLM.Provider,
		"database", cfg.Database.Type,
		"execution", cfg.Execution.Mode,
		"resources", cfg.Resources.Dir)

	err = g.Wait()

	logger.Info("Shutting down")
	if stopErr := manager.Stop(10 * time.Second); stopErr != nil {
		logger.Error("Controller manager stop failed", "error", stopErr)
	}
	if stopErr := eng.Stop(30 * time.Second); stopErr != nil {
		logger.Error("Engine stop failed", "error", stopErr)
	}
	logger.Info("Quell shutdown complete")
	return err
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// openStore selects the store backend. The returned closer is a no-op for
// the in-memory store.
func openStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Database.Type {
	case config.DatabaseSQLite:
		s, err := store.OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.DatabasePostgres:
		s, err := store.OpenPostgres(cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

// buildCompleter wires the LLM client. The mock provider needs no HTTP
// client or keys and keeps the whole pipeline runnable offline.
func buildCompleter(cfg *config.Config, logger *slog.Logger) llm.Completer {
	if cfg.LLM.Provider == "mock" {
		return providers.NewMockCompleter()
	}
	return llm.NewClient(
		llm.Endpoint{Provider: cfg.LLM.Provider, Model: cfg.LLM.Model},
		llm.WithLogger(logger),
	)
}

func buildRunner(cfg *config.Config) engine.CommandRunner {
	if cfg.Execution.Mode == config.ExecutionKubernetes {
		return engine.NewKubectlRunner(cfg.Execution.KubeNamespace, cfg.Execution.Image)
	}
	return engine.LocalRunner{}
}

// buildTools assembles the agent tool registry. Every tool is wrapped with
// audit recording feeding the prometheus counters.
func buildTools(cfg *config.Config, logger *slog.Logger) *tools.Registry {
	registry := tools.NewRegistry()
	audit := metrics.ToolAuditSink{}

	register := func(t tools.Tool) {
		registry.Register(tools.WithRecording(t, audit, logger))
	}

	register(tools.NewKubectlTool(cfg.Tools.KubectlNamespaces, cfg.Execution.KubeNamespace))
	register(tools.NewHTTPTool(cfg.Tools.HTTPAllowedDomains))
	register(tools.NewScriptTool(scriptLibrary))
	if cfg.Tools.PrometheusURL != "" {
		register(tools.NewPromQLTool(cfg.Tools.PrometheusURL))
	}
	return registry
}

// scriptLibrary is the built-in diagnostic script set. The model picks a
// script by name and supplies plain arguments; it never writes shell.
var scriptLibrary = []tools.Script{
	{
		Name:        "recent_events",
		Description: "List recent kubernetes events in a namespace, newest first. Args: $1 namespace.",
		Body:        `kubectl get events -n "$1" --sort-by=.lastTimestamp | tail -n 30`,
		Risk:        tools.RiskLow,
	},
	{
		Name:        "pod_logs",
		Description: "Fetch the last 100 log lines of a pod, including the previous container if restarted. Args: $1 namespace, $2 pod.",
		Body:        `kubectl logs -n "$1" "$2" --tail=100 --prefix --all-containers || kubectl logs -n "$1" "$2" --tail=100 --previous`,
		Risk:        tools.RiskLow,
	},
	{
		Name:        "rollout_status",
		Description: "Show deployment rollout status and recent replica set history. Args: $1 namespace, $2 deployment.",
		Body:        `kubectl rollout status -n "$1" deployment/"$2" --timeout=10s; kubectl rollout history -n "$1" deployment/"$2"`,
		Risk:        tools.RiskLow,
	},
	{
		Name:        "restart_deployment",
		Description: "Trigger a rolling restart of a deployment. Args: $1 namespace, $2 deployment.",
		Body:        `kubectl rollout restart -n "$1" deployment/"$2"`,
		Risk:        tools.RiskMedium,
	},
}

// Command conduit runs the agent orchestration engine and exposes it as
// an MCP stdio server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/arenstad/conduit/internal/agent"
	"github.com/arenstad/conduit/internal/agents"
	"github.com/arenstad/conduit/internal/engine"
	"github.com/arenstad/conduit/internal/logging"
	"github.com/arenstad/conduit/internal/scheduler"
	"github.com/arenstad/conduit/internal/store"
	"github.com/arenstad/conduit/pkg/mcp"
	"github.com/arenstad/conduit/pkg/schema"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("conduit exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout carries the MCP transport.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Archive store.
	var archive *store.LibSQLStore
	if !cfg.DisableArchive {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return err
		}
		s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
		if err != nil {
			return err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return err
		}
		archive = s
		defer archive.Close()
		logger.Info("archive store ready", slog.String("path", cfg.DBPath))
	}

	// Agent registry with built-in types.
	regCfg := agent.DefaultRegistryConfig()
	if d, err := time.ParseDuration(cfg.HealthInterval); err == nil && d > 0 {
		regCfg.Health.Interval = d
	}
	registry := agent.NewRegistry(regCfg, logger)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = registry.Shutdown(shutCtx)
	}()

	var runArchive agents.RunArchive
	if archive != nil {
		runArchive = archive
	}
	if err := agents.RegisterBuiltins(registry, runArchive); err != nil {
		return err
	}
	for _, spec := range cfg.Agents {
		if spec.Type == agents.TypeArchiver && archive == nil {
			continue
		}
		if err := registry.StartInstance(spec.Name, spec.Type, spec.Config); err != nil {
			logger.Warn("agent instance not started",
				slog.String("instance", spec.Name),
				slog.String("type", spec.Type),
				slog.String("error", err.Error()))
		}
	}
	if !cfg.DisableMonitors {
		registry.StartHealthMonitor()
	}

	// Coordinator.
	coordCfg := engine.DefaultCoordinatorConfig()
	if cfg.MaxWorkflows > 0 {
		coordCfg.MaxConcurrentWorkflows = cfg.MaxWorkflows
	}
	if cfg.MaxParallel > 0 {
		coordCfg.DefaultMaxParallelSteps = cfg.MaxParallel
	}
	if d, err := time.ParseDuration(cfg.StepTimeout); err == nil && d > 0 {
		coordCfg.DefaultStepTimeout = d
	}
	var recorder engine.TransitionRecorder
	var archiver engine.Archiver
	if archive != nil {
		recorder = archive
		archiver = archive
	}
	coord, err := engine.NewCoordinator(registry, coordCfg, recorder, archiver, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = coord.Shutdown(shutCtx)
	}()

	loadTemplates(ctx, cfg, coord, archive, logger)

	// Cron scheduler.
	var tick time.Duration
	if d, derr := time.ParseDuration(cfg.SchedulerTick); derr == nil {
		tick = d
	}
	sched := scheduler.NewScheduler(coord, tick, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	// MCP stdio server.
	var runStore mcp.RunStore
	if archive != nil {
		runStore = archive
	}
	srv := mcp.NewConduitServer(mcp.ConduitServerDeps{
		Coordinator: coord,
		Registry:    registry,
		Archive:     runStore,
		Logger:      logger,
	})

	logger.Info("conduit ready",
		slog.Int("templates", len(coord.Templates())),
		slog.Int("agents", len(registry.ListInstances())))
	return srv.Serve(ctx)
}

// loadTemplates registers templates from the template directory and the
// archive store. Conflicts and bad files are logged, not fatal.
func loadTemplates(ctx context.Context, cfg Config, coord *engine.Coordinator, archive *store.LibSQLStore, logger *slog.Logger) {
	if docs, err := schema.LoadTemplateDir(cfg.TemplateDir); err == nil {
		for _, doc := range docs {
			if regErr := coord.RegisterTemplate(doc); regErr != nil {
				logger.Warn("template file skipped",
					slog.String("template", doc.Name),
					slog.String("error", regErr.Error()))
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Warn("template dir not loaded",
			slog.String("dir", cfg.TemplateDir),
			slog.String("error", err.Error()))
	}

	if archive == nil {
		return
	}
	docs, err := archive.ListTemplates(ctx)
	if err != nil {
		logger.Warn("stored templates not loaded", slog.String("error", err.Error()))
		return
	}
	for _, doc := range docs {
		if regErr := coord.RegisterTemplate(doc); regErr != nil {
			logger.Warn("stored template skipped",
				slog.String("template", doc.Name),
				slog.String("error", regErr.Error()))
		}
	}
}

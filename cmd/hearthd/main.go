// Command hearthd runs the Hearth task-scheduling daemon: the timer
// loop, crash recovery, the task executor and the agent-tool bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hearthchat/hearth/internal/ai"
	"github.com/hearthchat/hearth/internal/bridge"
	"github.com/hearthchat/hearth/internal/bus"
	"github.com/hearthchat/hearth/internal/config"
	"github.com/hearthchat/hearth/internal/notify"
	"github.com/hearthchat/hearth/internal/otel"
	"github.com/hearthchat/hearth/internal/scheduler"
	"github.com/hearthchat/hearth/internal/store"
	"github.com/hearthchat/hearth/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Parse()

	if *showVersion {
		fmt.Println("hearthd", Version)
		return
	}

	if err := run(*quiet); err != nil {
		fmt.Fprintln(os.Stderr, "hearthd:", err)
		os.Exit(1)
	}
}

func run(quiet bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	slog.Info("starting hearthd", "version", Version, "home", cfg.HomeDir)

	telCfg := cfg.Telemetry
	telCfg.Version = Version
	otelProvider, err := otel.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	b := bus.New()

	defaults := ai.Settings{
		Provider: cfg.AI.Provider,
		Model:    cfg.AI.Model,
		APIKey:   cfg.AI.APIKey,
		BaseURL:  cfg.AI.BaseURL,
	}
	engine := ai.NewGenkitEngine(ctx, defaults)
	// Conversations may pin their own provider or model; unset fields fall
	// back to the daemon defaults.
	factory := func(fctx context.Context, settings ai.Settings) ai.Engine {
		merged := defaults
		if settings.Provider != "" {
			merged.Provider = settings.Provider
			merged.APIKey = "" // a different provider needs its own key
		}
		if settings.Model != "" {
			merged.Model = settings.Model
		}
		if settings.APIKey != "" {
			merged.APIKey = settings.APIKey
		}
		return ai.NewGenkitEngine(fctx, merged)
	}

	notifier := notify.New(cfg.Notifications.Desktop, func() {
		metrics.NotifyFailures.Add(context.Background(), 1)
	})

	executor := scheduler.NewExecutor(st, engine, factory, b, notifier, otelProvider, metrics)
	service := scheduler.NewService(st, b, executor)
	sched := scheduler.NewEngine(st, executor, metrics, time.Duration(cfg.Scheduler.TickSeconds)*time.Second)

	if !cfg.Bridge.Disabled {
		bridgeSrv, err := bridge.NewServer(service, otelProvider, metrics, cfg.HomeDir, cfg.Bridge.ClientRuntime)
		if err != nil {
			return fmt.Errorf("init bridge: %w", err)
		}
		if err := bridgeSrv.Start(ctx); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
	}

	// Nightly retention prune for run history.
	maint := cron.New()
	retention := time.Duration(cfg.Scheduler.RunHistoryDays) * 24 * time.Hour
	if _, err := maint.AddFunc(cfg.Scheduler.MaintenanceSpec, func() {
		n, err := st.PruneTaskRuns(context.Background(), retention)
		if err != nil {
			slog.Error("run-history prune failed", "error", err)
			return
		}
		slog.Info("pruned run history", "rows", n)
	}); err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", cfg.Scheduler.MaintenanceSpec, err)
	}
	maint.Start()
	defer maint.Stop()

	// Config hot-reload: only the log level applies live; everything else
	// takes effect on restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				telemetry.LogLevel.Set(telemetry.ParseLevel(fresh.LogLevel))
				slog.Info("config reloaded", "log_level", fresh.LogLevel)
			}
		}()
	}

	// Blocks until signal; recovery runs before the first tick.
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	slog.Info("hearthd stopped")
	return nil
}

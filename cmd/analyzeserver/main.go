// Package main is the entry point for the analysis server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dinq/analyze/internal/bus"
	"github.com/dinq/analyze/internal/cache"
	"github.com/dinq/analyze/internal/cachecontroller"
	"github.com/dinq/analyze/internal/config"
	"github.com/dinq/analyze/internal/database"
	"github.com/dinq/analyze/internal/engine"
	"github.com/dinq/analyze/internal/eventlog"
	"github.com/dinq/analyze/internal/handler"
	"github.com/dinq/analyze/internal/httpapi"
	"github.com/dinq/analyze/internal/logging"
	"github.com/dinq/analyze/internal/planner"
	"github.com/dinq/analyze/internal/refreshpool"
	"github.com/dinq/analyze/internal/repository"
	"github.com/dinq/analyze/internal/scheduler"
	"github.com/dinq/analyze/internal/shutdown"
	"github.com/dinq/analyze/internal/sse"
	"github.com/dinq/analyze/internal/stubhandlers"
	"github.com/dinq/analyze/internal/sweep"
	"github.com/dinq/analyze/internal/version"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting analyze server", "version", v.Version, "commit", v.Commit, "built", v.Date, "go_version", v.GoVersion)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	repos := repository.New(db)

	staleIDs, err := repos.Jobs.MarkStaleRunningFailed(context.Background(), 1*time.Hour)
	if err != nil {
		logger.Warn("failed to clean up stale jobs", "error", err)
	} else if len(staleIDs) > 0 {
		logger.Info("cleaned up stale running jobs", "count", len(staleIDs))
	}

	registry := handler.NewRegistry()
	// Every (source, card_type) in the planner tables gets a stub
	// handler from internal/stubhandlers here, so each planned card has
	// a handler to dispatch to; the stubs return synthetic payloads.
	registerSourceHandlers(registry)

	eventLog := eventlog.New(repos.Events)

	var wakeBus bus.Bus = bus.Noop{}
	if cfg.RedisAddr != "" {
		wakeBus = bus.NewRedisBus(cfg.RedisAddr)
		logger.Info("cross-process wake-up bus enabled", "redis_addr", cfg.RedisAddr)
	}

	pl := planner.New(planner.AllTables()...)

	sched := scheduler.New(repos, registry, eventLog, logger, scheduler.Config{
		WorkerCount:    cfg.SchedulerWorkerCount,
		PollInterval:   cfg.SchedulerPollInterval,
		ShutdownGrace:  cfg.SchedulerShutdownGrace,
		DefaultTimeout: cfg.DefaultCardTimeout,
		GroupBudgets:   cfg.ConcurrencyGroupBudgets,
	})

	artifactCache := cache.New(repos.ArtifactCache, cache.TTLPolicy{
		Default: cfg.CacheDefaultFreshTTL,
		Stale:   cfg.CacheDefaultStaleTTL,
	})
	cachectl := cachecontroller.New(artifactCache, repos.ArtifactCache, repos.SubjectRuns, repos.RefreshLocks, 2*time.Minute)

	var eng *engine.Engine
	refreshPool := refreshpool.New(cfg.RefreshPoolSize, 256, func(ctx context.Context, req refreshpool.Request) error {
		return eng.RefreshRunner()(ctx, req)
	}, logger)
	eng = engine.New(repos, pl, sched, cachectl, eventLog, refreshPool, logger)

	streamer := sse.New(eventLog, wakeBus, sse.Config{})

	sweeper := sweep.New(repos.Jobs, repos.RefreshLocks, sweep.Config{
		Enabled: cfg.SweepEnabled, Interval: cfg.SweepInterval, MaxJobAge: cfg.SweepMaxJobAge,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	refreshPool.Start(ctx, cfg.RefreshPoolSize)
	sweeper.Start(ctx)

	router := httpapi.New(cfg, eng, streamer, logger)

	idleMonitor := shutdown.NewIdleMonitor(shutdown.IdleMonitorConfig{
		Timeout:      cfg.IdleTimeout,
		Logger:       logger,
		ExcludePaths: []string{"/healthz"},
		BackgroundWorkCheck: func() bool {
			return false
		},
	})
	idleMonitor.Start()

	handlerWithIdle := idleMonitor.Middleware(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handlerWithIdle,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		select {
		case <-sigChan:
		case <-idleMonitor.ShutdownChan():
			logger.Info("idle timeout reached, initiating shutdown")
		}

		logger.Info("shutting down server")
		cancel()
		sched.Stop()
		refreshPool.Stop()
		sweeper.Stop()
		idleMonitor.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// registerSourceHandlers wires every (source, card_type) handler
// implementation into the registry the scheduler dispatches against.
// Each source currently gets the stub handler package; swapping one
// source to a real implementation is a matter of registering it here
// before stubhandlers.Register fills in whatever is left.
func registerSourceHandlers(registry *handler.Registry) {
	stubhandlers.Register(registry, planner.AllTables())
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentops/dispatch/internal/api"
	"github.com/agentops/dispatch/internal/breaker"
	"github.com/agentops/dispatch/internal/config"
	"github.com/agentops/dispatch/internal/events"
	"github.com/agentops/dispatch/internal/history"
	"github.com/agentops/dispatch/internal/metrics"
	"github.com/agentops/dispatch/internal/router"
	"github.com/agentops/dispatch/internal/scheduler"
)

func main() {
	listenAddr := flag.String("listen", ":8321", "HTTP listen address")
	globalCfg := flag.String("global-config", "", "path to global config (default ~/.dispatch/config.json)")
	projectCfg := flag.String("project-config", "", "path to project config (default .dispatch/config.json)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*listenAddr, *globalCfg, *projectCfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(listenAddr, globalPath, projectPath string, logger *slog.Logger) error {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg *config.Config
	var err error
	if globalPath == "" && projectPath == "" {
		cfg, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(globalPath, projectPath)
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	bus := events.NewBus()
	defer bus.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// One breaker per provider, with state changes published for
	// operational diagnosis.
	breakers := breaker.NewManager(
		breaker.WithDefaults(breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Std(),
		}),
		breaker.WithLogger(logger.With("component", "breaker")),
		breaker.WithStateChangeHook(func(name string, from, to breaker.State) {
			m.BreakerState(name, int(to))
			bus.Publish(events.TopicBreaker, events.BreakerStateChangedEvent{
				Name:      name,
				From:      from.String(),
				To:        to.String(),
				Timestamp: time.Now(),
			})
		}),
	)
	breakers.StartMonitor(ctx, cfg.Breaker.MonitorInterval.Std())

	rt := router.New(cfg.Routing, cfg.Providers, breakers,
		router.WithMetrics(m),
		router.WithLogger(logger.With("component", "router")))
	for _, p := range cfg.Providers {
		rt.Register(router.NewOpenAIProvider(p))
	}

	schedOpts := []scheduler.Option{
		scheduler.WithBus(bus),
		scheduler.WithMetrics(m),
		scheduler.WithLogger(logger.With("component", "scheduler")),
	}

	var archive *history.Store
	if cfg.History.Path != "" {
		archive, err = history.NewStore(ctx, cfg.History.Path)
		if err != nil {
			return fmt.Errorf("opening history archive: %w", err)
		}
		defer archive.Close()
		schedOpts = append(schedOpts, scheduler.WithArchiver(archive))
	}

	sched, err := scheduler.New(cfg.Scheduler, cfg.Agents, schedOpts...)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	defer sched.Close()

	// Generation tasks go through the provider router; the task type
	// doubles as the routing category.
	sched.RegisterExecutor("generation", func(ctx context.Context, task *scheduler.Task) (any, error) {
		result, err := rt.Route(ctx, router.Request{
			Category: task.Type,
			Prompt:   task.Description,
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})

	// Log task lifecycle for operators.
	go logEvents(bus.SubscribeAll(0), logger.With("component", "events"))

	server := &http.Server{
		Addr:    listenAddr,
		Handler: api.New(sched, breakers, registry, logger.With("component", "api")).Handler(),
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", listenAddr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		stop()
		logger.Info("shutdown signal received, cleaning up")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

func logEvents(ch <-chan events.Event, logger *slog.Logger) {
	for event := range ch {
		switch e := event.(type) {
		case events.TaskStartedEvent:
			logger.Info("task started", "task", e.ID, "type", e.Type, "agent", e.AgentID)
		case events.TaskCompletedEvent:
			logger.Info("task completed", "task", e.ID, "agent", e.AgentID, "duration", e.Duration)
		case events.TaskFailedEvent:
			logger.Warn("task failed", "task", e.ID, "agent", e.AgentID, "error", e.Err)
		case events.TaskCancelledEvent:
			logger.Info("task cancelled", "task", e.ID)
		case events.BreakerStateChangedEvent:
			logger.Info("breaker transition", "breaker", e.Name, "from", e.From, "to", e.To)
		}
	}
}

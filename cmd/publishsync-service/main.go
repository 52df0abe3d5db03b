// publishsync-service is the HTTP API server for publish decisions.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"publishsync/internal/api"
	"publishsync/internal/config"
	"publishsync/internal/delegate"
	"publishsync/internal/health"
	"publishsync/internal/notify"
	"publishsync/internal/observability"
	"publishsync/internal/publish"
	"publishsync/internal/reconcile"
	"publishsync/internal/target/docker"
	"publishsync/internal/tracking"
	"publishsync/internal/workspace"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadServiceConfig()
	if err := svcCfg.Validate(); err != nil {
		return err
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	ws, err := workspace.Load(svcCfg.WorkspaceFile, workspace.WithHashConcurrency(svcCfg.HashConcurrency))
	if err != nil {
		return fmt.Errorf("load workspace: %w", err)
	}
	slog.Info("Loaded workspace", "file", svcCfg.WorkspaceFile, "roots", len(ws.Roots()))

	store, err := tracking.Open(svcCfg.StateFile, slog.Default())
	if err != nil {
		return err
	}
	metrics.SetTrackedModules(ctx, store.Len())

	healthChecker := health.NewChecker().Require("tracking", store)

	// Previously published paths come from the state file unless the target
	// daemon is authoritative.
	var registry publish.TrackedPathRegistry = store
	if svcCfg.TrackedRegistry == config.RegistryDocker {
		dockerCfg := docker.LoadConfigFromEnv()
		dockerCfg.LabelPrefix = svcCfg.DockerLabelPrefix
		dockerCfg.Metrics = metrics
		target, err := docker.NewRegistry(dockerCfg)
		if err != nil {
			return err
		}
		defer target.Close()

		if err := target.Ready(ctx); err != nil {
			slog.Warn("Docker daemon not reachable yet", "error", err)
		} else {
			slog.Info("Connected to Docker daemon")
		}
		healthChecker.Require("docker", target)
		registry = target
	}

	delegates := delegate.NewRegistry(slog.Default())
	if len(svcCfg.FullOnlyTypes) > 0 {
		if err := delegates.Register(delegate.NewEscalating("full-only", svcCfg.FullOnlyTypes...)); err != nil {
			return err
		}
	}

	// Publish notifications are off unless a webhook is configured.
	var notifier reconcile.Notifier
	notifyCfg := notify.LoadConfigFromEnv()
	if err := notifyCfg.Validate(); err != nil {
		return err
	}
	var dispatcher *notify.Dispatcher
	if notifyCfg.Enabled() {
		dispatcher = notify.New(notifyCfg, metrics, slog.Default())
		notifier = dispatcher
		healthChecker.Prefer("notify", dispatcher)
		if notifyCfg.SigningKey == "" {
			slog.Warn("Publish notifications are unsigned - no NOTIFY_SIGNING_KEY_FILE configured")
		}
	}

	svc, err := reconcile.NewService(reconcile.Config{
		Workspace: ws,
		Store:     store,
		Registry:  registry,
		Delegates: delegates,
		Notifier:  notifier,
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	if r := healthChecker.Readiness(ctx); !r.IsHealthy() {
		slog.Warn("Starting with unhealthy dependencies", "status", r.Status, "checks", healthChecker.Names())
	}
	slog.Info("Publish service ready", "registry", svcCfg.TrackedRegistry, "delegates", svc.Delegates(), "notifications", notifyCfg.Enabled())

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       svc,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		_ = svc.Close()
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Deliver queued notifications, then tear down delegates. The
	// tracking state is already on disk; every commit is written before it
	// is acknowledged.
	if dispatcher != nil {
		slog.Info("Draining notifications", "queued", dispatcher.Stats().QueueDepth)
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := dispatcher.Close(drainCtx); err != nil {
			slog.Warn("Notification drain incomplete", "error", err)
		}
		cancel()
	}

	slog.Info("Closing delegates")
	if err := svc.Close(); err != nil {
		slog.Warn("Delegate shutdown error", "error", err)
	}

	slog.Info("Shutdown complete", "trackedModules", store.Len())
	return nil
}

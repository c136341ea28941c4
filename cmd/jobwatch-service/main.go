// jobwatch-service is the HTTP API server that watches jobs in the background
// and reports their outcome to callback URLs.
package main

import (
	"context"
	"errors"
	"fmt"
	"jobwatch/internal/api"
	"jobwatch/internal/backend/dataflow"
	"jobwatch/internal/backend/docker"
	"jobwatch/internal/config"
	"jobwatch/internal/dispatcher"
	"jobwatch/internal/health"
	"jobwatch/internal/job"
	"jobwatch/internal/observability"
	"jobwatch/internal/watch"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// backend is a job API the service can probe and release.
type backend interface {
	job.API
	Ready(ctx context.Context) error
	Close() error
}

func main() {
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
	dispatcherCfg := dispatcher.LoadConfigFromEnv()

	level := slog.LevelInfo
	if svcCfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create callback dispatcher
	eventDispatcher := dispatcher.NewMemory(dispatcherCfg, metrics)

	// Connect to the job backend
	jobs, err := newBackend(svcCfg, metrics)
	if err != nil {
		return err
	}
	defer jobs.Close()
	slog.Info("Job backend configured", "backend", svcCfg.Backend)

	// Open the watch store
	store, err := openStore(svcCfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Create watch service and manager, then pick up watches left running
	watchService := watch.NewService(jobs, watch.Defaults{
		ProjectID:     svcCfg.DefaultProject,
		Location:      svcCfg.DefaultLocation,
		PollInterval:  svcCfg.PollInterval,
		CancelTimeout: svcCfg.CancelTimeout,
	}, watch.WithMetrics(metrics))

	manager := watch.NewManager(watchService, store, watch.ManagerConfig{
		MaxWatches: svcCfg.MaxWatches,
		Retention:  svcCfg.WatchRetention,
		Dispatcher: eventDispatcher,
		Metrics:    metrics,
	})
	if err := manager.Resume(ctx); err != nil {
		slog.Warn("Failed to resume watches", "error", err)
	}

	// Create health checker
	healthChecker := health.NewChecker(jobs)
	healthChecker.AddCheck("store", store, true)
	healthChecker.AddCheck("callbacks", eventDispatcher, false)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       watchService,
		Watches:       manager,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
		CORSOrigin:    svcCfg.CORSOrigins,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Cancel requests block until the jobs stop, so leave room for the cancel timeout.
	writeTimeout := 30 * time.Second
	if svcCfg.CancelTimeout > 0 {
		writeTimeout += svcCfg.CancelTimeout
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
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
	serverErr := make(chan error, 1)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

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
		manager.Close(context.Background())
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Stop polling. Unfinished watches stay running in the store.
	managerCtx, managerCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer managerCancel()
	if err := manager.Close(managerCtx); err != nil {
		slog.Warn("Watch manager shutdown error", "error", err)
	}

	// Phase 4: Drain callback dispatcher
	slog.Info("Draining callback dispatcher")
	dispatcherCtx, dispatcherCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dispatcherCancel()
	if err := eventDispatcher.Close(dispatcherCtx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := eventDispatcher.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)

	if svcCfg.StorePath != "" {
		slog.Info("Unfinished watches will resume on next start", "store", svcCfg.StorePath)
	}
	slog.Info("Shutdown complete")
	return nil
}

func newBackend(cfg *config.ServiceConfig, metrics *observability.Metrics) (backend, error) {
	if cfg.Backend == config.BackendDocker {
		b, err := docker.New(docker.LoadConfigFromEnv(), metrics)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	c, err := dataflow.New(dataflow.LoadConfigFromEnv(), metrics)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func openStore(path string) (watch.Store, error) {
	if path == "" {
		slog.Info("Keeping watches in memory")
		return watch.NewMemoryStore(), nil
	}
	store, err := watch.OpenSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open watch store: %w", err)
	}
	slog.Info("Opened watch store", "path", path)
	return store, nil
}

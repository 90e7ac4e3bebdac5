package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/projector/internal/chunk"
	"github.com/lsm/projector/internal/config"
	"github.com/lsm/projector/internal/observability"
	"github.com/lsm/projector/internal/throughput"
	"github.com/lsm/projector/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	bootLogger := observability.NewLogger(os.Stdout, "", observability.LogConfig{})

	configPath := os.Getenv("PROJECTOR_CONFIG")
	if configPath == "" {
		configPath = "/etc/projector/projector.yaml"
	}

	metricsAddr := os.Getenv("PROJECTOR_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}

	loader := config.NewLoader(configPath, bootLogger)
	initial, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(os.Stdout, initial.Name, initial.Logging)
	slog.SetDefault(logger)

	tracer, shutdownTracing, err := tracing.Initialize(initial.Tracing, initial.Name, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	deps := buildDeps{
		logger:     logger,
		tracer:     tracer,
		metrics:    observability.NewMetrics(reg),
		chunk:      chunk.NewMetrics(reg),
		throughput: throughput.NewMetrics(reg),
	}

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A changed definition cancels the running driver; the loop below then
	// rebuilds the pipeline from the latest revision.
	var (
		mu        sync.Mutex
		reloaded  bool
		runCancel context.CancelFunc
		def       *config.ProjectorDefinition
	)
	loader.OnChange(func(*config.ProjectorDefinition) {
		mu.Lock()
		defer mu.Unlock()
		reloaded = true
		if runCancel != nil {
			runCancel()
		}
	})

	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	runErr := func() error {
		for {
			runCtx, cancelRun := context.WithCancel(ctx)
			mu.Lock()
			runCancel, reloaded = cancelRun, false
			def = loader.Current()
			mu.Unlock()

			if def.Tracing != initial.Tracing {
				logger.Warn("tracing settings changed; they apply after a process restart")
			}
			runDeps := deps
			runDeps.logger = observability.NewLogger(os.Stdout, def.Name, def.Logging)

			err := runOnce(runCtx, def, runDeps, health)
			cancelRun()
			if err != nil || ctx.Err() != nil {
				return err
			}

			mu.Lock()
			restart := reloaded
			runCancel = nil
			mu.Unlock()
			if !restart {
				return nil
			}
			logger.Info("definition changed, restarting projector")
		}
	}()

	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}

// runOnce builds the pipeline for def and drives it until a terminal state.
// It returns the abort cause, or nil when the driver completed or was
// cancelled.
func runOnce(ctx context.Context, def *config.ProjectorDefinition, deps buildDeps, health *observability.HealthServer) error {
	deps.logger.Info("starting projector", "name", def.Name, "source", def.Source.Topic, "sink", def.Sink.Topic)

	p, err := buildPipeline(def, deps, health)
	if err != nil {
		return fmt.Errorf("build projector %s: %w", def.Name, err)
	}

	health.SetReady(true)
	runErr := p.driver.Run(ctx)
	health.SetReady(false)

	if err := p.Close(); err != nil {
		deps.logger.Error("projector close error", "name", def.Name, "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("projector %s aborted: %w", def.Name, runErr)
	}
	return nil
}

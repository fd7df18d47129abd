package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsm/fiso-ingest/internal/config"
	"github.com/lsm/fiso-ingest/internal/kafka"
	"github.com/lsm/fiso-ingest/internal/observability"
	"github.com/lsm/fiso-ingest/internal/pool"
	"github.com/lsm/fiso-ingest/internal/tracing"
)

const statusInterval = time.Second

func runBridges(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configDir := fs.String("config-dir", envOr("FISO_CONFIG_DIR", "/etc/fiso/bridges"), "directory of bridge definitions")
	metricsAddr := fs.String("metrics-addr", envOr("FISO_METRICS_ADDR", ":9090"), "metrics and health listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error); defaults to FISO_LOG_LEVEL")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := observability.NewLogger(stderr, "fiso-ingest", observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("fiso-ingest"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	registry := kafka.NewRegistry()
	if err := registry.LoadFile(filepath.Join(*configDir, config.ClustersFile)); err != nil {
		return fmt.Errorf("load clusters: %w", err)
	}

	loader := config.NewLoader(*configDir, logger)
	bridges, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(bridges) == 0 {
		return fmt.Errorf("no bridge definitions found in %s", *configDir)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	health := observability.NewHealthServer()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())

	httpServer := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics server starting", "addr", *metricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	env := newEnvironment(registry, metrics, tracer, logger, stdout)
	sup := newSupervisor(env, health, logger)
	sup.start(ctx, bridges)
	health.SetReady(true)

	loader.OnChange(func(bridges map[string]*config.BridgeDefinition) {
		if ctx.Err() != nil {
			return
		}
		logger.Info("bridge definitions changed, restarting bridges", "bridges", len(bridges))
		sup.restart(ctx, bridges)
	})
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	health.SetReady(false)
	close(watchDone)

	sup.stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	var errs []error
	if err := env.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producers: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
	}

	logger.Info("shutdown complete")
	return errors.Join(errs...)
}

// supervisor runs the current generation of bridges. A config change stops
// every bridge gracefully before the new generation starts, so two pools for
// the same reader group never run side by side in one process.
type supervisor struct {
	env    *environment
	health *observability.HealthServer
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     *sync.WaitGroup
	names  []string
}

func newSupervisor(env *environment, health *observability.HealthServer, logger *slog.Logger) *supervisor {
	return &supervisor{env: env, health: health, logger: logger}
}

func (s *supervisor) start(ctx context.Context, defs map[string]*config.BridgeDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()

	gctx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	s.cancel = cancel
	s.wg = wg
	s.names = s.names[:0]

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s.names = append(s.names, name)
		s.health.SetBridgeReady(name, false)

		b, err := s.env.buildBridge(gctx, defs[name])
		if err != nil {
			s.logger.Error("failed to build bridge", "bridge", name, "error", err)
			continue
		}

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := b.run(gctx); err != nil {
				b.logger.Error("bridge stopped with error", "error", err)
			}
		}()
		go func() {
			defer wg.Done()
			s.report(gctx, b)
		}()
	}
	s.logger.Info("bridges started", "count", len(names))
}

// report publishes the bridge's pool readiness to the health server.
func (s *supervisor) report(ctx context.Context, b *bridge) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		s.health.SetBridgeReady(b.name, b.proc.State() == pool.StateReady)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	for _, name := range s.names {
		s.health.RemoveBridge(name)
	}
	s.cancel = nil
	s.wg = nil
}

func (s *supervisor) restart(ctx context.Context, defs map[string]*config.BridgeDefinition) {
	s.stop()
	s.start(ctx, defs)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

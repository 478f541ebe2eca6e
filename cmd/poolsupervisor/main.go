// Package main provides the relay pool supervisor executable: it brings
// up a fleet of relay instances, serves their control-plane HTTP API and
// Prometheus metrics, and keeps them healthy and rotating until told to
// shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shadowmesh/relaypool/pkg/config"
	"github.com/shadowmesh/relaypool/pkg/controlplane"
	"github.com/shadowmesh/relaypool/pkg/health"
	"github.com/shadowmesh/relaypool/pkg/logger"
	"github.com/shadowmesh/relaypool/pkg/metrics"
	"github.com/shadowmesh/relaypool/pkg/supervisor"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "", "Path to pool config file (overrides environment variables)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("poolsupervisor version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewJSON(level, os.Stdout)

	log.Info("starting relay pool supervisor",
		"version", version,
		"build_time", buildTime,
		"pool_size", cfg.PoolSize,
		"base_socks_port", cfg.BaseSocksPort,
		"base_ctrl_port", cfg.BaseCtrlPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Error("application error", "error", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}

func loadConfig(configFile string) (*config.PoolConfig, error) {
	if configFile == "" {
		return config.LoadFromEnv()
	}
	cfg := config.DefaultConfig()
	if err := config.LoadFromFile(configFile, cfg); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.PoolConfig, log *logger.Logger) error {
	registry := prometheus.NewRegistry()
	reg := metrics.NewRegistry(registry)

	var resolver supervisor.ExitInfoResolver
	if cfg.ExitInfoEndpoint != "" {
		resolver = supervisor.NewSocksExitInfoResolver(cfg.ExitInfoEndpoint, log)
	}

	sup := supervisor.NewSupervisor(cfg, log, reg, resolver)

	log.Info("initializing relay pool")
	if err := sup.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize pool: %w", err)
	}

	loopsCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	healthLoop := supervisor.NewHealthLoop(sup, cfg.HealthCheckInterval, cfg.AlertNodeDownThreshold, reg, log, nil)
	go healthLoop.Run(loopsCtx)

	if cfg.AutoRotateEnabled {
		rotationLoop := supervisor.NewRotationLoop(sup, cfg.AutoRotateInterval, log)
		go rotationLoop.Run(loopsCtx)
	}

	var httpServer *http.Server
	if cfg.MetricsPort != 0 {
		httpServer = startObservabilityServer(cfg, sup, registry, log)
	}

	waitForShutdown(ctx, log)

	log.Info("initiating graceful shutdown")
	stopLoops()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn("pool shutdown error", "error", err)
	}

	return nil
}

func startObservabilityServer(cfg *config.PoolConfig, sup *supervisor.Supervisor, registry *prometheus.Registry, log *logger.Logger) *http.Server {
	monitor := health.NewMonitor()
	monitor.RegisterChecker(health.NewPoolHealthChecker(sup, cfg.AlertNodeDownThreshold))

	cpServer := controlplane.NewServer(sup, log)

	mux := http.NewServeMux()
	mux.Handle("/", cpServer.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		overall := monitor.Check(r.Context())
		status := http.StatusOK
		if overall.Status == health.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"status":%q}`, overall.Status)
	})

	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info("observability server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server failed", "error", err)
		}
	}()

	return srv
}

func waitForShutdown(ctx context.Context, log *logger.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	log.Info("relay pool running, press Ctrl+C to exit")

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		log.Info("context cancelled", "reason", ctx.Err())
	}
}

// Command s3cacheproxyd runs the tiered S3 cache proxy: an HTTP reverse
// proxy backed by an in-memory, on-disk, and optional remote cache layer
// in front of an S3-compatible origin.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/objectfs/s3cacheproxy/internal/cache"
	"github.com/objectfs/s3cacheproxy/internal/config"
	"github.com/objectfs/s3cacheproxy/internal/httpproxy"
	"github.com/objectfs/s3cacheproxy/internal/metrics"
	"github.com/objectfs/s3cacheproxy/internal/origin"
	"github.com/objectfs/s3cacheproxy/pkg/health"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.NewDefault()
	if configPath != "" {
		if err := cfg.LoadFromFile(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return fmt.Errorf("load env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Global.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := origin.NewBackend(ctx, cfg.Origin.Bucket, &origin.Config{
		Region:         cfg.Origin.Region,
		Endpoint:       cfg.Origin.Endpoint,
		ForcePathStyle: cfg.Origin.ForcePathStyle,
		MaxRetries:     cfg.Origin.MaxRetries,
		ConnectTimeout: cfg.Origin.ConnectTimeout,
		RequestTimeout: cfg.Origin.RequestTimeout,
		PoolSize:       cfg.Origin.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("construct origin backend: %w", err)
	}
	defer backend.Close()

	layers, closeLayers, err := buildLayers(cfg)
	if err != nil {
		return fmt.Errorf("construct cache layers: %w", err)
	}
	defer closeLayers()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:        cfg.Monitoring.Metrics.Enabled,
		Port:           cfg.Global.MetricsPort,
		Path:           cfg.Monitoring.Metrics.Path,
		Namespace:      "s3cacheproxy",
		UpdateInterval: cfg.Monitoring.Metrics.UpdateInterval,
	})
	if err != nil {
		return fmt.Errorf("construct metrics collector: %w", err)
	}
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	orch := cache.NewOrchestrator(cache.OrchestratorConfig{
		StampedeWaitTimeout:  cfg.Cache.StampedeWaitTimeout,
		StreamThresholdBytes: cfg.Cache.StreamThresholdBytes,
	}, layers...).WithMetrics(collector)

	go observeMetricsLoop(ctx, orch, cfg.Monitoring.Metrics.UpdateInterval)

	tracker := health.NewTracker(health.DefaultConfig())

	pipeline := httpproxy.NewServer(httpproxy.Config{
		Bucket:     cfg.Origin.Bucket,
		AdminToken: cfg.Admin.Token,
		EntryTTL:   cfg.Cache.L1.DefaultTTL,
	}, orch, backend, tracker, logger)

	server := &http.Server{
		Addr:              cfg.Global.ListenAddr,
		Handler:           pipeline,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Global.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return collector.Stop(shutdownCtx)
}

// buildLayers constructs the enabled cache layers in fastest-first order
// and returns a cleanup func that closes every layer that owns a
// resource (L1's sweep goroutine, L2's snapshot loop and final index
// snapshot, L3's connections).
func buildLayers(cfg *config.Configuration) ([]types.Layer, func(), error) {
	var layers []types.Layer
	var closers []func() error

	for _, name := range cfg.Cache.Layers {
		switch name {
		case "l1-memory":
			l1 := cache.NewL1(cache.L1Config{
				CapacityBytes: cfg.Cache.L1.CapacityBytes,
				MaxItemBytes:  cfg.Cache.L1.MaxItemBytes,
				DefaultTTL:    cfg.Cache.L1.DefaultTTL,
			})
			layers = append(layers, l1)
			closers = append(closers, func() error { l1.Close(); return nil })
		case "l2-disk":
			l2, err := cache.NewL2(cache.L2Config{
				RootDir:        cfg.Cache.L2.RootDir,
				CapacityBytes:  cfg.Cache.L2.CapacityBytes,
				MaxItemBytes:   cfg.Cache.L2.MaxItemBytes,
				DefaultTTL:     cfg.Cache.L2.DefaultTTL,
				HighWaterRatio: cfg.Cache.L2.HighWaterRatio,
				LowWaterRatio:  cfg.Cache.L2.LowWaterRatio,
				GraceWindow:    cfg.Cache.L2.GraceWindow,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("construct l2 layer: %w", err)
			}
			layers = append(layers, l2)
			closers = append(closers, l2.Close)
		case "l3-remote":
			if !cfg.Cache.L3.Enabled {
				continue
			}
			l3 := cache.NewL3(cache.L3Config{
				Addr:                    cfg.Cache.L3.URL,
				KeyPrefix:               cfg.Cache.L3.KeyPrefix,
				PoolMin:                 cfg.Cache.L3.PoolMin,
				PoolMax:                 cfg.Cache.L3.PoolMax,
				ConnectTimeout:          cfg.Cache.L3.ConnectTimeout,
				OpTimeout:               cfg.Cache.L3.OpTimeout,
				MaxItemBytes:            cfg.Cache.L3.MaxItemBytes,
				DefaultTTL:              cfg.Cache.L3.DefaultTTL,
				BreakerFailureThreshold: cfg.Cache.L3.BreakerFailureThreshold,
				BreakerOpenTimeout:      cfg.Cache.L3.BreakerOpenTimeout,
			})
			layers = append(layers, l3)
			closers = append(closers, l3.Close)
		default:
			return nil, nil, fmt.Errorf("unknown cache layer %q", name)
		}
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return layers, closeAll, nil
}

func observeMetricsLoop(ctx context.Context, orch *cache.Orchestrator, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			orch.ObserveMetrics()
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

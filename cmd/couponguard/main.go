// couponguard - Adaptive coupon-abuse scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/couponguard/internal/api"
	"github.com/opensource-finance/couponguard/internal/bus"
	"github.com/opensource-finance/couponguard/internal/cache"
	"github.com/opensource-finance/couponguard/internal/config"
	"github.com/opensource-finance/couponguard/internal/domain"
	"github.com/opensource-finance/couponguard/internal/learning"
	"github.com/opensource-finance/couponguard/internal/repository"
	"github.com/opensource-finance/couponguard/internal/service"
	"github.com/opensource-finance/couponguard/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (or COUPONGUARD_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(config.Path(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "couponguard: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting couponguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"flush_schedule", cfg.Learning.FlushSchedule,
		"batch_size", cfg.Learning.BatchSize,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("couponguard failed", "error", err)
		os.Exit(1)
	}
	slog.Info("couponguard shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	backends := service.Backends{Repo: repo, Cache: cacheImpl, Bus: busImpl}
	svc, err := service.Bootstrap(ctx, cfg, backends)
	if err != nil {
		return err
	}
	slog.Info("scoring pipeline ready",
		"rules", len(svc.Catalog().Names()),
		"weights_version", svc.Weights().Version,
	)

	scheduler, err := learning.NewScheduler(context.WithoutCancel(ctx), svc.Buffer(), cfg.Learning.FlushSchedule)
	if err != nil {
		return err
	}
	scheduler.Start()

	var asyncWorker *worker.Worker
	if cfg.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.DefaultConfig()); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, svc, backends, Version)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("couponguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Buffered feedback is applied before the repository closes.
	scheduler.Stop()
	return nil
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

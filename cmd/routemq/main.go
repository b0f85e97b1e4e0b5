// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/routemq/broker"
	"github.com/absmach/routemq/broker/webhook"
	"github.com/absmach/routemq/config"
	"github.com/absmach/routemq/ratelimit"
	"github.com/absmach/routemq/server/health"
	"github.com/absmach/routemq/server/otel"
	"github.com/absmach/routemq/storage"
	"github.com/absmach/routemq/storage/badger"
	"github.com/absmach/routemq/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	slog.Info("Starting broker",
		"broker_id", cfg.Broker.ID,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	// Storage backend.
	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir: cfg.Storage.BadgerDir,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		defer store.Close()
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	// Telemetry.
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, cfg.Broker.ID)
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Telemetry shutdown error", "error", err)
			}
		}()
	}

	// Event notifier.
	var notifier webhook.Notifier = webhook.NoopNotifier{}
	if cfg.Webhook.Enabled {
		n, err := webhook.NewNotifier(cfg.Webhook, cfg.Broker.ID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhook notifier", "error", err)
			os.Exit(1)
		}
		notifier = n
		defer notifier.Close()
		slog.Info("Webhook notifier enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	limiter := ratelimit.NewManager(cfg.Ratelimit)

	b, err := broker.New(cfg, store,
		broker.WithLogger(logger),
		broker.WithNotifier(notifier),
		broker.WithRateLimiter(limiter),
	)
	if err != nil {
		slog.Error("Failed to create broker", "error", err)
		os.Exit(1)
	}
	if err := b.Start(); err != nil {
		slog.Error("Failed to start broker", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	if cfg.Server.MetricsEnabled {
		metrics, err := otel.RegisterBrokerMetrics(b)
		if err != nil {
			slog.Error("Failed to register broker metrics", "error", err)
			os.Exit(1)
		}
		defer metrics.Unregister()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("Broker stopped")
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}

// Package main is the entrypoint for the tfsbridge hook server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/tfsbridge/internal/api"
	"github.com/kiranshivaraju/tfsbridge/internal/api/handler"
	mw "github.com/kiranshivaraju/tfsbridge/internal/api/middleware"
	"github.com/kiranshivaraju/tfsbridge/internal/cache"
	"github.com/kiranshivaraju/tfsbridge/internal/config"
	"github.com/kiranshivaraju/tfsbridge/internal/events"
	"github.com/kiranshivaraju/tfsbridge/internal/hooks"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := config.SetupLogger(os.Stdout, cfg.Log.File, config.ParseLevel(cfg.Log.Level))
	defer closeLog()
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "kafka", cfg.Kafka.Enabled())

	// 2. Load plan settings
	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return fmt.Errorf("load plans: %w", err)
	}
	slog.Info("plans loaded", "file", cfg.PlansFile, "count", len(plans))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 4. Create hook service
	svc := hooks.NewService(plans, hooks.ValidatedClients{Timeout: cfg.TFS.Timeout, Logger: logger}, redisCache, hooks.Options{
		Logger:     logger,
		ContextTTL: cfg.TFS.ContextTTL,
		LockTTL:    cfg.TFS.LockTTL,
		LockWait:   cfg.TFS.LockWait,
	})

	health := map[string]handler.Pinger{"cache": redisCache}

	// 5. Optional Kafka delivery
	var publisher events.Publisher
	if cfg.Kafka.Enabled() {
		pub, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("create kafka publisher: %w", err)
		}
		defer pub.Close()
		publisher = pub
		health["kafka"] = pub

		consumer, err := events.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Group, svc, logger)
		if err != nil {
			return fmt.Errorf("create kafka consumer: %w", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("kafka consumer stopped", "error", err)
			}
		}()
		slog.Info("kafka consumer started", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.Group)
	}

	// 6. Build router with dependencies
	router := newRouter(cfg, svc, redisCache, health, publisher)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newRouter wires the hook handlers. Without a publisher the events endpoint
// answers 501.
func newRouter(cfg *config.Config, runner hooks.Runner, counter mw.Counter, health map[string]handler.Pinger, pub events.Publisher) http.Handler {
	deps := api.Dependencies{
		Auth:      mw.NewAuth(cfg.Hooks.TokenHash),
		RateLimit: mw.NewRateLimit(counter, cfg.Hooks.RateLimit),

		HealthHandler:    handler.NewHealthHandler(health),
		PreChainHandler:  handler.NewPreChainHandler(runner),
		PreBuildHandler:  handler.NewPreBuildHandler(runner),
		PostBuildHandler: handler.NewPostBuildHandler(runner),
		PostChainHandler: handler.NewPostChainHandler(runner),
	}
	if pub != nil {
		deps.PublishHandler = handler.NewPublishHandler(pub)
	}
	return api.NewRouter(deps)
}

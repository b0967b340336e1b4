// Package main provides the document pipeline API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/docpipe/internal/api"
	"github.com/spherical-ai/docpipe/internal/api/rpc"
	"github.com/spherical-ai/docpipe/internal/cache"
	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/locator"
	"github.com/spherical-ai/docpipe/internal/monitoring"
	"github.com/spherical-ai/docpipe/internal/notify"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/outputs"
	"github.com/spherical-ai/docpipe/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "docpipe-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Bool("redis", cfg.Redis.Enabled).
		Msg("Starting document pipeline API")

	db, err := storage.Open(cfg.Database.Driver, cfg.DatabaseDSN())
	if err != nil {
		logger.Fatal().Err(err).Msg("Database open failed")
	}
	defer db.Close()

	if cfg.Migrations.AutoRun {
		dir := config.ResolveRelativePath(cfgPath, cfg.Migrations.Dir)
		applied, err := storage.NewMigrationManager(db, cfg.Database.Driver, dir).Run(context.Background())
		if err != nil {
			logger.Fatal().Err(err).Msg("Migrations failed")
		}
		if len(applied) > 0 {
			logger.Info().Strs("versions", applied).Msg("Migrations applied")
		}
	}

	repos := storage.NewRepositories(db, cfg.Database.Driver)

	var publisher notify.Publisher
	var subscriber notify.Subscriber
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.KeyPrefix,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Redis connection failed")
		}
		defer redisClient.Close()
		publisher, subscriber = redisClient, redisClient
	} else {
		broker := notify.NewMemoryBroker()
		publisher, subscriber = broker, broker
		logger.Warn().Msg("Redis disabled, output events stay process-local")
	}

	events := monitoring.NewEventWriter(logger, repos.Events, monitoring.DefaultEventWriterConfig())
	defer events.Stop()

	svc := outputs.NewService(
		repos,
		coverage.NewReconciler(repos.Pages),
		locator.New(repos.Pages),
		notify.NewNotifier(publisher, logger),
		events,
		logger,
	)
	jobs := rpc.NewJobService(repos, events, logger)

	if cfg.IsDevelopment() {
		logger.Warn().Msg("No API tokens configured, running in development mode")
	}

	server := api.NewServer(api.Config{
		Auth: api.AuthConfig{
			APITokens:     cfg.Server.APITokens,
			ServiceTokens: cfg.Server.ServiceTokens,
		},
		RequestTimeout: cfg.Server.ReadTimeout,
		RPCHandlers:    jobs.Handlers(),
	}, svc, subscriber, db, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     server.Router(),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// WriteTimeout stays zero so event streams are not cut off.
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("Server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}

	logger.Info().Msg("Server stopped")
}

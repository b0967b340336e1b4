// Package main provides the document pipeline worker entrypoint. The worker
// polls the job store and executes extraction and generation jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/docpipe/internal/blob"
	"github.com/spherical-ai/docpipe/internal/cache"
	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/coverage"
	"github.com/spherical-ai/docpipe/internal/extract"
	"github.com/spherical-ai/docpipe/internal/generate"
	"github.com/spherical-ai/docpipe/internal/llm"
	"github.com/spherical-ai/docpipe/internal/monitoring"
	"github.com/spherical-ai/docpipe/internal/notify"
	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
	"github.com/spherical-ai/docpipe/internal/worker"
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
		ServiceName: "docpipe-worker",
	})

	logger.Info().
		Str("database", cfg.Database.Driver).
		Strs("job_types", cfg.Worker.JobTypes).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting document pipeline worker")

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
	var cacheClient cache.Client
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
		publisher = redisClient
		cacheClient = redisClient
	} else {
		publisher = notify.NewMemoryBroker()
		cacheClient = cache.NewMemoryClient(0)
		logger.Warn().Msg("Redis disabled, output events stay process-local")
	}

	events := monitoring.NewEventWriter(logger, repos.Events, monitoring.DefaultEventWriterConfig())
	defer events.Stop()

	blobs, err := blob.New(cfg.Blob, cfg.Extraction.DownloadTimeout, cacheClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Blob store init failed")
	}

	llmClient := llm.New(cfg.LLM, logger)
	if !llmClient.Enabled() {
		logger.Warn().Msg("LLM not configured, generation jobs will be deferred")
	}

	ocr := extract.NewOCRChain(extract.NewVisionClient(cfg.Extraction.OCR), llmClient, logger)
	extractor := extract.NewExtractor(extract.NewDocAIClient(cfg.Extraction.DocAI), ocr, logger)
	extractHandler := extract.NewHandler(repos, blobs, extractor, logger)

	notifier := notify.NewNotifier(publisher, logger)
	generateHandler := generate.NewHandler(repos, llmClient, coverage.NewReconciler(repos.Pages), notifier, logger)

	w := worker.New(worker.Config{
		OwnerID:      cfg.WorkerOwnerID(),
		JobTypes:     jobTypes(cfg.Worker.JobTypes),
		PollInterval: cfg.Worker.PollInterval,
		LeaseSeconds: cfg.Worker.LeaseSeconds,
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
	}, repos, events, logger)
	w.Register(storage.JobTypeExtractText, extractHandler.Handle)
	w.Register(storage.JobTypeGenerateOutput, generateHandler.Handle)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Worker stopped with error")
	}
}

func jobTypes(names []string) []storage.JobType {
	types := make([]storage.JobType, 0, len(names))
	for _, name := range names {
		types = append(types, storage.JobType(name))
	}
	return types
}

// Package main is the entrypoint for the PixelForge job worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pixelforge/pixelforge/internal/bus"
	"github.com/pixelforge/pixelforge/internal/cache"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/credentials"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/provider"
	"github.com/pixelforge/pixelforge/internal/provider/fal"
	"github.com/pixelforge/pixelforge/internal/provider/google"
	"github.com/pixelforge/pixelforge/internal/provider/openai"
	"github.com/pixelforge/pixelforge/internal/queue"
	"github.com/pixelforge/pixelforge/internal/ratelimit"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/internal/store"
	"github.com/pixelforge/pixelforge/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "queue", cfg.Queue.Name, "concurrency", cfg.Worker.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	box, err := credentials.NewBox(cfg.SecretKey)
	if err != nil {
		return fmt.Errorf("init credentials box: %w", err)
	}

	signer := storage.NewSigner(cfg.Storage.SignSecret)
	mediaStore, err := storage.NewLocal(cfg.Storage.RootDir, cfg.Storage.PublicURL, signer, cfg.Storage.URLTTL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	// Empty base URLs pick each vendor's default endpoint.
	registry, err := provider.NewRegistry(
		openai.NewAdapter(cfg.Worker.OpenAIBaseURL, cfg.Worker.ProviderTimeout),
		google.NewAdapter(cfg.Worker.GoogleBaseURL, cfg.Worker.ProviderTimeout),
		fal.NewAdapter(cfg.Worker.FALBaseURL, cfg.Worker.ProviderTimeout),
	)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	slog.Info("provider registry ready", "providers", registry.Names())

	pgStore := store.NewPostgresStore(pool)
	pgLedger := ledger.NewPostgresLedger(pool)
	redisCache := cache.NewRedisCacheFromClient(redisClient)
	cat := catalog.NewService(pgStore)
	limiter := ratelimit.NewLimiter(redisClient)
	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue.Name, cfg.Queue.DedupTTL, cfg.Queue.VisibilityTTL)
	eventBus := bus.NewRedisBus(redisClient, slog.Default(), cfg.Stream.MaxLen, cfg.Stream.ReplayTTL)
	publisher := bus.NewPublisher(eventBus)

	handler := worker.NewHandler(
		pgStore,
		pgLedger,
		limiter,
		registry,
		cat,
		publisher,
		mediaStore,
		box,
		jobQueue,
		redisCache,
		cfg.Worker,
		slog.Default(),
	)

	workerPool := queue.NewPool(jobQueue, handler, slog.Default(), queue.PoolConfig{
		Concurrency:     cfg.Worker.Concurrency,
		PromoteInterval: cfg.Queue.PromoteInterval,
		ReapInterval:    cfg.Queue.ReapInterval,
		SampleInterval:  cfg.Queue.SampleInterval,
		MaxRetries:      cfg.Worker.MaxRetries,
		BaseBackoff:     cfg.Worker.BaseBackoff,
	})

	slog.Info("worker pool starting")
	if err := workerPool.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

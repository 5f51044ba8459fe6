// Package main is the entrypoint for the PixelForge API server.
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

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/pixelforge/pixelforge/internal/api"
	"github.com/pixelforge/pixelforge/internal/api/handler"
	mw "github.com/pixelforge/pixelforge/internal/api/middleware"
	"github.com/pixelforge/pixelforge/internal/api/response"
	"github.com/pixelforge/pixelforge/internal/bus"
	"github.com/pixelforge/pixelforge/internal/cache"
	"github.com/pixelforge/pixelforge/internal/catalog"
	"github.com/pixelforge/pixelforge/internal/config"
	"github.com/pixelforge/pixelforge/internal/credentials"
	"github.com/pixelforge/pixelforge/internal/gateway"
	"github.com/pixelforge/pixelforge/internal/ledger"
	"github.com/pixelforge/pixelforge/internal/queue"
	"github.com/pixelforge/pixelforge/internal/storage"
	"github.com/pixelforge/pixelforge/internal/store"
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
	// 1. Load config — .env is a local convenience, real deployments set env vars
	godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "queue", cfg.Queue.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Connect to Redis; one client backs the cache, queue, and event bus
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

	redisCache := cache.NewRedisCacheFromClient(redisClient)

	// 5. Domain services
	pgStore := store.NewPostgresStore(pool)
	pgLedger := ledger.NewPostgresLedger(pool)
	cat := catalog.NewService(pgStore)
	jobQueue := queue.NewRedisQueue(redisClient, cfg.Queue.Name, cfg.Queue.DedupTTL, cfg.Queue.VisibilityTTL)
	eventBus := bus.NewRedisBus(redisClient, slog.Default(), cfg.Stream.MaxLen, cfg.Stream.ReplayTTL)

	// Only the worker decrypts provider credentials, but a bad secret key
	// should fail the deployment here rather than at dispatch time.
	if _, err := credentials.NewBox(cfg.SecretKey); err != nil {
		return fmt.Errorf("init credentials box: %w", err)
	}

	signer := storage.NewSigner(cfg.Storage.SignSecret)
	mediaStore, err := storage.NewLocal(cfg.Storage.RootDir, cfg.Storage.PublicURL, signer, cfg.Storage.URLTTL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	streamGateway := gateway.NewHandler(pgStore, eventBus, redisCache, cfg.Stream, slog.Default())

	// 6. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Worker.RateLimitMax)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),
		FilesHandler:  handler.NewFilesHandler(signer, mediaStore),

		SubmitJobHandler: handler.NewSubmitJobHandler(cat, pgStore, pgLedger, jobQueue),
		GetJobHandler:    handler.NewGetJobHandler(pgStore, mediaStore),
		ListJobsHandler:  handler.NewListJobsHandler(pgStore, mediaStore),
		DeleteJobHandler: handler.NewDeleteJobHandler(pgStore, pgLedger, jobQueue),

		StreamHandler: streamGateway.Stream(),

		GetToolHandler: handler.NewGetToolHandler(cat),

		GetBalanceHandler: handler.NewGetBalanceHandler(pgLedger),
		ListLedgerHandler: handler.NewListLedgerHandler(pgLedger),

		CreateKeyHandler:    handler.NewCreateKeyHandler(pgStore),
		GrantCreditsHandler: handler.NewGrantCreditsHandler(pgLedger),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server. WriteTimeout must outlast the longest SSE
	// stream or the gateway gets cut off mid-connection.
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Stream.MaxDuration + 30*time.Second,
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

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

// Package main is the entrypoint for the promptbatch API server and workers.
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

	"github.com/redis/go-redis/v9"

	"github.com/promptbatch/promptbatch/internal/api"
	"github.com/promptbatch/promptbatch/internal/api/handler"
	mw "github.com/promptbatch/promptbatch/internal/api/middleware"
	"github.com/promptbatch/promptbatch/internal/api/response"
	"github.com/promptbatch/promptbatch/internal/cache"
	"github.com/promptbatch/promptbatch/internal/config"
	"github.com/promptbatch/promptbatch/internal/job"
	"github.com/promptbatch/promptbatch/internal/llm"
	"github.com/promptbatch/promptbatch/internal/notify"
	"github.com/promptbatch/promptbatch/internal/queue"
	"github.com/promptbatch/promptbatch/internal/registry"
	"github.com/promptbatch/promptbatch/internal/store"
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
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "workers_per_queue", cfg.Worker.PerQueue)

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

	// 4. Shared Redis client: cache and queue broker ride one connection pool
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

	redisCache := cache.NewRedisCache(redisClient)
	broker := queue.NewRedisBroker(redisClient, cfg.Worker.ClaimBlock)

	// 5. Store and model registry
	pgStore := store.NewPostgresStore(pool)
	reg := registry.New(pgStore)
	if err := reg.Refresh(ctx); err != nil {
		return fmt.Errorf("load model registry: %w", err)
	}
	slog.Info("model registry loaded", "queues", reg.QueueNames())

	// 6. Notifications
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout)
		slog.Info("webhook notifications enabled")
	}

	// 7. Job engine
	providers := llm.NewProviderSet(cfg.LLM)
	aggregator := job.NewAggregator(pgStore, job.NewXLSXBuilder(cfg.Jobs.ResultDir), redisCache, notifier)
	dispatcher := job.NewDispatcher(pgStore, reg, broker, redisCache, notifier)
	validator := job.NewValidator(pgStore, reg, dispatcher, redisCache, notifier)
	worker := job.NewWorker(pgStore, reg, providers, aggregator, redisCache, notifier, cfg.LLM.InferenceTimeout)
	admission := job.NewAdmission(pgStore, reg, broker, redisCache, notifier)

	// 8. Queue consumers: one pool for validation, one per model queue
	workers := job.NewPoolManager(broker, cfg.Worker.PerQueue)
	if err := workers.Ensure(ctx, queue.ValidationQueue, validator.Handle); err != nil {
		return fmt.Errorf("start validation consumers: %w", err)
	}
	ensureModelQueues := func(ctx context.Context) error {
		for _, name := range reg.QueueNames() {
			if err := workers.Ensure(ctx, name, worker.Handle); err != nil {
				return err
			}
		}
		return nil
	}
	if err := ensureModelQueues(ctx); err != nil {
		return fmt.Errorf("start model queue consumers: %w", err)
	}

	// 9. Reconciler
	reconciler := job.NewReconciler(pgStore, broker, reg, workers, aggregator,
		cfg.Jobs.ReconcileInterval, cfg.Jobs.StuckTaskGrace)
	go reconciler.Run(ctx)

	// 10. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Jobs.RateLimitPerMin)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, broker),

		SubmitJob:  handler.NewSubmitJobHandler(admission),
		GetJob:     handler.NewGetJobHandler(pgStore),
		ListJobs:   handler.NewListJobsHandler(pgStore),
		CancelJob:  handler.NewCancelJobHandler(admission),
		ListTasks:  handler.NewListTasksHandler(pgStore),
		GetResult:  handler.NewResultHandler(pgStore),
		IngestFile: handler.NewIngestFileHandler(pgStore),
		GetFile:    handler.NewGetFileHandler(pgStore),

		CreatePrompt: handler.NewCreatePromptHandler(pgStore),
		GetPrompt:    handler.NewGetPromptHandler(pgStore),
		ListModels:   handler.NewListModelsHandler(pgStore),

		RefreshModels:   handler.NewRefreshModelsHandler(reg, ensureModelQueues),
		SetModelEnabled: handler.NewSetModelEnabledHandler(pgStore, reg),
	}

	router := api.NewRouter(deps)

	// 11. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Consumers stop with the signal context; wait for in-flight handlers.
	workers.Wait()

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache, and queue connectivity.
func healthHandler(s store.Store, c cache.Cache, q queue.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"queue":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := q.Ping(r.Context()); err != nil {
			checks["queue"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}

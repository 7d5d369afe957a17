package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/lunamail/campaignd/internal/config"
	"github.com/lunamail/campaignd/internal/feedback"
	"github.com/lunamail/campaignd/internal/metrics"
	"github.com/lunamail/campaignd/internal/models"
	"github.com/lunamail/campaignd/internal/pipeline"
	"github.com/lunamail/campaignd/internal/queue"
	"github.com/lunamail/campaignd/internal/ratelimit"
	"github.com/lunamail/campaignd/internal/segment"
	"github.com/lunamail/campaignd/internal/store"
)

// App is the main application
type App struct {
	config    *config.Config
	db        *store.DB
	storage   *queue.BoltStorage
	processor *queue.Processor
	cleaner   *queue.Cleaner
	pipeline  *pipeline.Service
	scheduler *pipeline.Scheduler
	webhook   *feedback.Server
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	storage, err := queue.NewBoltStorage(cfg.Queue.Path)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create queue storage: %w", err)
	}

	pacer, err := newPacer(cfg.RateLimit, storage)
	if err != nil {
		storage.Close()
		db.Close()
		return nil, err
	}
	logger.Info("rate limiter ready", "backend", cfg.RateLimit.Backend)

	m := metrics.New()

	svc := pipeline.NewService(pipeline.Config{
		BatchSize:        cfg.Pipeline.BatchSize,
		StaleRunAfter:    cfg.Pipeline.StaleRunAfter,
		SendMaxAttempts:  cfg.Pipeline.SendMaxAttempts,
		DefaultPerSecond: cfg.RateLimit.DefaultPerSecond,
		QueryTimeout:     cfg.Segment.QueryTimeout,
	}, pipeline.Deps{
		DB:       db,
		Pacer:    pacer,
		Enqueuer: storage,
		Sources:  segment.ForConnector,
		Metrics:  m,
		Logger:   logger,
	})

	ingestor := feedback.NewIngestor(db, m, logger)

	processor := queue.NewProcessor(storage, queue.ProcessorConfig{
		Workers:         cfg.Queue.Workers,
		RetryInterval:   cfg.Queue.RetryInterval,
		ProcessInterval: cfg.Queue.ProcessInterval,
	}, logger.With("component", "processor"))
	svc.RegisterHandlers(processor)
	ingestor.RegisterHandlers(processor)

	scheduler := pipeline.NewScheduler(svc, cfg.Pipeline.SchedulerInterval)

	cleaner := queue.NewCleaner(storage, queue.CleanerConfig{
		CompletedMaxAge: cfg.Queue.Cleanup.CompletedMaxAge,
		DeadMaxAge:      cfg.Queue.Cleanup.DeadMaxAge,
		Interval:        cfg.Queue.Cleanup.Interval,
	}, logger.With("component", "cleaner"))

	webhook := feedback.NewServer(
		cfg.Server.ListenAddr,
		store.NewReferenceRepository(db.DB),
		storage,
		svc,
		m,
		logger,
	)

	return &App{
		config:    cfg,
		db:        db,
		storage:   storage,
		processor: processor,
		cleaner:   cleaner,
		pipeline:  svc,
		scheduler: scheduler,
		webhook:   webhook,
		metrics:   m,
		logger:    logger,
	}, nil
}

// newPacer builds the configured rate-limiter backend. bolt shares the
// queue's database file; redis is for multi-instance deployments.
func newPacer(cfg config.RateLimitConfig, storage *queue.BoltStorage) (ratelimit.Pacer, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return ratelimit.NewRedisPacer(client), nil
	default:
		return ratelimit.NewBoltPacer(storage.DB())
	}
}

// Pipeline exposes the pipeline service for CLI commands
func (a *App) Pipeline() *pipeline.Service {
	return a.pipeline
}

// TriggerCampaign starts a run for a campaign, for manual triggering
func (a *App) TriggerCampaign(ctx context.Context, campaignID string) (*models.Run, error) {
	return a.pipeline.Trigger(ctx, campaignID)
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting campaignd",
		"listen_addr", a.config.Server.ListenAddr,
		"database", a.config.Database.Path,
		"queue", a.config.Queue.Path,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.processor.Start(ctx)
	a.scheduler.Start(ctx)
	a.cleaner.Start(ctx)
	go a.exportQueueDepth(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.webhook.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := a.webhook.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("webhook server shutdown error", "error", err)
	}

	a.scheduler.Stop()
	a.cleaner.Stop()
	a.processor.Stop()

	if err := a.storage.Close(); err != nil {
		a.logger.Error("queue storage close error", "error", err)
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("database close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// exportQueueDepth keeps the queue gauges current
func (a *App) exportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.storage.Stats(ctx)
			if err != nil {
				continue
			}
			a.metrics.QueuePending.Set(float64(stats.Pending))
			a.metrics.QueueDeferred.Set(float64(stats.Deferred))
			a.metrics.QueueDead.Set(float64(stats.Dead))
		}
	}
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

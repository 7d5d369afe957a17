package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CleanerConfig contains cleanup settings
type CleanerConfig struct {
	// Retention for completed jobs
	CompletedMaxAge time.Duration

	// Retention for dead jobs
	DeadMaxAge time.Duration

	Interval time.Duration
}

// Cleaner prunes terminal jobs past their retention window
type Cleaner struct {
	storage *BoltStorage
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(storage *BoltStorage, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		storage: storage,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.CompletedMaxAge <= 0 && c.cfg.DeadMaxAge <= 0 {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"completed_max_age", c.cfg.CompletedMaxAge,
		"dead_max_age", c.cfg.DeadMaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

func (c *Cleaner) run(ctx context.Context) {
	deleted, err := c.storage.cleanupTerminal(c.cfg.CompletedMaxAge, c.cfg.DeadMaxAge)
	if err != nil {
		c.logger.Error("failed to cleanup jobs", "error", err)
		return
	}

	if deleted > 0 {
		c.logger.Info("cleaned up terminal jobs", "deleted", deleted)
	}
}

func (s *BoltStorage) cleanupTerminal(completedMaxAge, deadMaxAge time.Duration) (int, error) {
	now := time.Now()
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := jobs.Cursor()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}

			var maxAge time.Duration
			switch j.Status {
			case StatusCompleted:
				maxAge = completedMaxAge
			case StatusDead:
				maxAge = deadMaxAge
			default:
				continue
			}

			if maxAge > 0 && now.Sub(j.UpdatedAt) > maxAge {
				if err := c.Delete(); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})

	return deleted, err
}

package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes a single claimed job. Returning nil completes the job;
// a NonRetryable error (or exhausting MaxAttempts) buries it; any other
// error defers it with exponential backoff.
type Handler func(ctx context.Context, job *Job) error

// Storage is the durable queue contract the processor runs against
type Storage interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context, queueName string) (*Job, error)
	Complete(ctx context.Context, job *Job) error
	Defer(ctx context.Context, job *Job, backoff time.Duration, lastError string) error
	Bury(ctx context.Context, job *Job, lastError string) error
}

// Processor polls named queues and dispatches claimed jobs to their
// registered handlers.
type Processor struct {
	storage         Storage
	workers         int
	retryInterval   time.Duration
	processInterval time.Duration
	logger          *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	queues   []string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ProcessorConfig contains processor configuration
type ProcessorConfig struct {
	Workers         int
	RetryInterval   time.Duration
	ProcessInterval time.Duration
}

// NewProcessor creates a new queue processor
func NewProcessor(storage Storage, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.ProcessInterval <= 0 {
		cfg.ProcessInterval = time.Second
	}

	return &Processor{
		storage:         storage,
		workers:         cfg.Workers,
		retryInterval:   cfg.RetryInterval,
		processInterval: cfg.ProcessInterval,
		logger:          logger,
		handlers:        make(map[string]Handler),
		stopCh:          make(chan struct{}),
	}
}

// Register binds a handler to a queue name. Must be called before Start.
func (p *Processor) Register(queueName string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.handlers[queueName]; !exists {
		p.queues = append(p.queues, queueName)
	}
	p.handlers[queueName] = h
}

// Start starts the processor workers
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("starting queue processor", "workers", p.workers, "queues", p.queues)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop stops the processor gracefully
func (p *Processor) Stop() {
	p.logger.Info("stopping queue processor")
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("queue processor stopped")
}

func (p *Processor) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Debug("worker started")

	ticker := time.NewTicker(p.processInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped by context")
			return
		case <-p.stopCh:
			logger.Debug("worker stopped by signal")
			return
		case <-ticker.C:
			// Drain one job per registered queue per tick
			for _, queueName := range p.queues {
				p.processOne(ctx, queueName, logger)
			}
		}
	}
}

func (p *Processor) processOne(ctx context.Context, queueName string, logger *slog.Logger) {
	job, err := p.storage.Dequeue(ctx, queueName)
	if err != nil {
		logger.Error("failed to dequeue job", "queue", queueName, "error", err)
		return
	}
	if job == nil {
		return // queue is empty
	}

	logger = logger.With("queue", queueName, "job_id", job.ID, "attempt", job.Attempts)

	p.mu.Lock()
	handler := p.handlers[queueName]
	p.mu.Unlock()
	if handler == nil {
		logger.Error("no handler registered for queue")
		_ = p.storage.Bury(ctx, job, "no handler registered")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	err = handler(jobCtx, job)
	cancel()

	if err == nil {
		if err := p.storage.Complete(ctx, job); err != nil {
			logger.Error("failed to complete job", "error", err)
		}
		logger.Debug("job completed")
		return
	}

	if IsNonRetryable(err) || job.FinalAttempt() {
		logger.Error("job failed permanently", "error", err, "max_attempts", job.MaxAttempts)
		if berr := p.storage.Bury(ctx, job, err.Error()); berr != nil {
			logger.Error("failed to bury job", "error", berr)
		}
		return
	}

	backoff := p.calculateBackoff(job.Attempts)
	logger.Warn("job deferred", "error", err, "backoff", backoff)
	if derr := p.storage.Defer(ctx, job, backoff, err.Error()); derr != nil {
		logger.Error("failed to defer job", "error", derr)
	}
}

// calculateBackoff calculates exponential backoff duration
func (p *Processor) calculateBackoff(attempts int) time.Duration {
	multiplier := 1 << (attempts - 1) // 2^(n-1)
	if multiplier > 12 {
		multiplier = 12
	}

	backoff := time.Duration(multiplier) * p.retryInterval

	// Max 1 hour
	maxBackoff := time.Hour
	if backoff > maxBackoff {
		return maxBackoff
	}

	return backoff
}

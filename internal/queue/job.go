package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// JobStatus represents the status of a job in the queue
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusDeferred  JobStatus = "deferred"
	StatusCompleted JobStatus = "completed"
	StatusDead      JobStatus = "dead"
)

// Queue names used by the pipeline
const (
	QueueTrigger       = "trigger-campaign"
	QueueBuildAudience = "build-audience"
	QueueSend          = "send-email"
	QueueSendBatch     = "send-email-batch"
	QueueFeedback      = "feedback-event"
)

// Job is a durable unit of work. The ID doubles as the dedup key: enqueueing
// a job whose ID already exists is a no-op, so deterministic IDs make
// re-enqueueing idempotent.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	NextRetryAt time.Time       `json:"next_retry_at"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// FinalAttempt reports whether the current delivery is the job's last
// allowed attempt.
func (j *Job) FinalAttempt() bool {
	return j.Attempts >= j.MaxAttempts
}

// Stats represents per-status queue statistics
type Stats struct {
	Pending   int64 `json:"pending"`
	Active    int64 `json:"active"`
	Deferred  int64 `json:"deferred"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
	Total     int64 `json:"total"`
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps an error so the processor sends the job straight to
// the dead set instead of scheduling a retry. Used for configuration
// errors that no amount of retrying will fix.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

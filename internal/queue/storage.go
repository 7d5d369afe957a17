package queue

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs     = []byte("jobs")
	bucketPending  = []byte("pending")
	bucketDeferred = []byte("deferred")
)

// BoltStorage is a durable job queue backed by BoltDB. Every mutation runs
// inside a single bolt transaction, which is what makes enqueue-dedup and
// dequeue-claim atomic across worker goroutines.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage creates a new BoltDB-backed queue
func NewBoltStorage(path string) (*BoltStorage, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketPending, bucketDeferred} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// DB exposes the underlying bolt handle so other components (the rate
// limiter counter) can share the same file.
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

// Enqueue adds a job to its queue. If a job with the same ID already
// exists the call is a no-op, so deterministic IDs give at-most-one
// enqueue per logical work item.
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		if jobs.Get([]byte(job.ID)) != nil {
			return nil // duplicate job id
		}

		now := time.Now()
		job.Status = StatusPending
		job.CreatedAt = now
		job.UpdatedAt = now

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := jobs.Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}

		pending := tx.Bucket(bucketPending)
		if err := pending.Put(pendingKey(job.Queue, now, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to index job: %w", err)
		}

		return nil
	})
}

// Dequeue claims the next job for the named queue, preferring deferred
// jobs whose retry time has arrived. Returns nil, nil when nothing is
// ready. The claimed job has its attempt counter already incremented.
func (s *BoltStorage) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	var claimed *Job

	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := time.Now()

		// Deferred jobs that are due
		deferred := tx.Bucket(bucketDeferred)
		c := deferred.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if keyTime(k).After(now) {
				break // the rest are in the future
			}

			data := jobs.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				continue
			}
			if j.Queue != queueName {
				continue
			}

			if err := c.Delete(); err != nil {
				return err
			}
			claimed = &j
			return claim(jobs, claimed, now)
		}

		// Pending jobs, oldest first
		pending := tx.Bucket(bucketPending)
		prefix := []byte(queueName + "/")
		pc := pending.Cursor()
		for k, v := pc.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = pc.Next() {
			data := jobs.Get(v)
			if data == nil {
				pc.Delete()
				continue
			}

			var j Job
			if err := json.Unmarshal(data, &j); err != nil {
				continue
			}

			if err := pc.Delete(); err != nil {
				return err
			}
			claimed = &j
			return claim(jobs, claimed, now)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

func claim(jobs *bolt.Bucket, j *Job, now time.Time) error {
	j.Status = StatusActive
	j.Attempts++
	j.UpdatedAt = now

	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return jobs.Put([]byte(j.ID), data)
}

// Complete marks a job done
func (s *BoltStorage) Complete(ctx context.Context, job *Job) error {
	job.Status = StatusCompleted
	return s.update(job)
}

// Defer schedules a job for another attempt after the backoff
func (s *BoltStorage) Defer(ctx context.Context, job *Job, backoff time.Duration, lastError string) error {
	job.Status = StatusDeferred
	job.NextRetryAt = time.Now().Add(backoff)
	job.LastError = lastError
	return s.update(job)
}

// Bury moves a job to the dead set; it will not be retried
func (s *BoltStorage) Bury(ctx context.Context, job *Job, lastError string) error {
	job.Status = StatusDead
	job.LastError = lastError
	return s.update(job)
}

func (s *BoltStorage) update(job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job.UpdatedAt = time.Now()

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}

		if job.Status == StatusDeferred {
			deferred := tx.Bucket(bucketDeferred)
			return deferred.Put(timeKey(job.NextRetryAt, job.ID), []byte(job.ID))
		}
		return nil
	})
}

// Get retrieves a job by ID, or nil if unknown
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		job = &j
		return nil
	})
	return job, err
}

// Delete removes a job and its index entries
func (s *BoltStorage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Stats returns per-status job counts
func (s *BoltStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				return nil
			}
			stats.Total++
			switch j.Status {
			case StatusPending:
				stats.Pending++
			case StatusActive:
				stats.Active++
			case StatusDeferred:
				stats.Deferred++
			case StatusCompleted:
				stats.Completed++
			case StatusDead:
				stats.Dead++
			}
			return nil
		})
	})
	return stats, err
}

// Close closes the underlying database
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func pendingKey(queueName string, t time.Time, id string) []byte {
	key := append([]byte(queueName+"/"), timeKey(t, id)...)
	return key
}

func timeKey(t time.Time, id string) []byte {
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return append(key, id...)
}

func keyTime(k []byte) time.Time {
	if len(k) < 8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[:8])))
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

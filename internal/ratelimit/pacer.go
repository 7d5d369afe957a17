package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPacer = []byte("send_pacer")

// counterTTL bounds how long a stale pacing counter is honored. A counter
// older than this is treated as absent, so an idle sender restarts at full
// rate instead of inheriting an ancient timestamp.
const counterTTL = 60 * time.Second

// Pacer spaces out sends per sender identity. Acquire reserves the next
// send slot for the key and returns how long the caller must wait before
// using it. The reservation is atomic across concurrent callers, which is
// what keeps aggregate throughput at the configured rate.
type Pacer interface {
	Acquire(ctx context.Context, key string, perSecond float64) (time.Duration, error)
}

// Interval converts a per-second rate to the spacing between sends.
func Interval(perSecond float64) time.Duration {
	if perSecond <= 0 {
		perSecond = 1
	}
	return time.Duration(math.Ceil(1000/perSecond)) * time.Millisecond
}

type counter struct {
	NextAt    int64 `json:"next_at"` // unix milliseconds
	UpdatedAt int64 `json:"updated_at"`
}

// BoltPacer implements Pacer on a shared BoltDB file. A bolt Update
// transaction is a single-writer atomic read-modify-write, so concurrent
// workers cannot both claim the same slot.
type BoltPacer struct {
	db *bolt.DB
}

// NewBoltPacer creates a pacer on an existing bolt handle
func NewBoltPacer(db *bolt.DB) (*BoltPacer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPacer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pacer bucket: %w", err)
	}
	return &BoltPacer{db: db}, nil
}

// Acquire reserves the next send slot for key at the given rate
func (p *BoltPacer) Acquire(ctx context.Context, key string, perSecond float64) (time.Duration, error) {
	interval := Interval(perSecond)
	var delay time.Duration

	err := p.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPacer)
		now := time.Now()
		nowMs := now.UnixMilli()

		var c counter
		if data := bucket.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &c); err != nil {
				c = counter{}
			}
		}
		if now.Sub(time.UnixMilli(c.UpdatedAt)) > counterTTL {
			c = counter{}
		}

		startAt := nowMs
		if c.NextAt > startAt {
			startAt = c.NextAt
		}

		c.NextAt = startAt + interval.Milliseconds()
		c.UpdatedAt = nowMs

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), data); err != nil {
			return err
		}

		delay = time.Duration(startAt-nowMs) * time.Millisecond
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to acquire send slot: %w", err)
	}

	return delay, nil
}

// Wait acquires a slot, sleeps out the delay honoring ctx, and reports
// how long the slot made the caller wait.
func Wait(ctx context.Context, p Pacer, key string, perSecond float64) (time.Duration, error) {
	delay, err := p.Acquire(ctx, key, perSecond)
	if err != nil {
		return 0, err
	}
	if delay <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return delay, ctx.Err()
	case <-timer.C:
		return delay, nil
	}
}

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// acquireScript atomically reads the shared next-send-at counter, reserves
// the next slot and writes it back with a TTL. Running it as a single EVAL
// is what keeps the read-compute-write atomic across worker processes.
const acquireScript = `
local next = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local start = now
if next > now then
  start = next
end
redis.call('SET', KEYS[1], start + tonumber(ARGV[2]), 'PX', tonumber(ARGV[3]))
return start - now
`

// RedisPacer implements Pacer against a shared Redis, for deployments
// where workers run as separate processes.
type RedisPacer struct {
	client *redis.Client
	script *redis.Script
}

// NewRedisPacer creates a pacer on an existing Redis client
func NewRedisPacer(client *redis.Client) *RedisPacer {
	return &RedisPacer{
		client: client,
		script: redis.NewScript(acquireScript),
	}
}

// Acquire reserves the next send slot for key at the given rate
func (p *RedisPacer) Acquire(ctx context.Context, key string, perSecond float64) (time.Duration, error) {
	interval := Interval(perSecond)

	delayMs, err := p.script.Run(ctx, p.client,
		[]string{"pacer:" + key},
		time.Now().UnixMilli(),
		interval.Milliseconds(),
		counterTTL.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to acquire send slot: %w", err)
	}

	return time.Duration(delayMs) * time.Millisecond, nil
}

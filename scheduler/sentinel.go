package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces sentinel keys in the shared Redis.
const keyPrefix = "treasuryd:jobs"

// Locker is the single Redis operation the sentinel needs. *redis.Client
// satisfies it.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Sentinel provides cross-process batch idempotency: the first instance to
// claim a job-period key runs the batch, everyone else skips. The TTL
// outlives the period so a crashed claimant cannot cause a double run
// within it.
type Sentinel struct {
	client Locker
}

// NewSentinel wraps the Redis client.
func NewSentinel(client Locker) (*Sentinel, error) {
	if client == nil {
		return nil, fmt.Errorf("scheduler: redis client required")
	}
	return &Sentinel{client: client}, nil
}

// Acquire claims the job for the period. True means this process runs the
// batch; false means another process already did.
func (s *Sentinel) Acquire(ctx context.Context, job, period string, ttl time.Duration) (bool, error) {
	job = strings.TrimSpace(job)
	period = strings.TrimSpace(period)
	if job == "" || period == "" {
		return false, fmt.Errorf("scheduler: job and period required")
	}
	key := fmt.Sprintf("%s:%s:%s", keyPrefix, job, period)
	ok, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: acquire %s: %w", key, err)
	}
	return ok, nil
}

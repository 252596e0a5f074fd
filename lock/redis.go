package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix      = "lock:"
	defaultLockTTL     = 10 * time.Second
	defaultRetryPeriod = 25 * time.Millisecond
	releaseTimeout     = 2 * time.Second
)

// ErrNotAcquired is returned when a key stays held past the caller's deadline.
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if it still holds our token, so an
// expired lock re-taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Redis is a distributed per-key lock on a single Redis node.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Redis{client: client, ttl: ttl, retry: defaultRetryPeriod}
}

// Acquire takes every key in order, retrying until ctx is done.
// The TTL bounds how long a crashed holder can block others.
func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			releaseScript.Run(rctx, r.client, []string{held[i]}, token)
		}
	}

	for _, key := range keys {
		full := lockKeyPrefix + key
		if err := r.take(ctx, full, token); err != nil {
			release()
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		held = append(held, full)
	}
	return release, nil
}

func (r *Redis) take(ctx context.Context, key, token string) error {
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
			}
			return err
		}
		if ok {
			return nil
		}

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", ErrNotAcquired, ctx.Err())
		case <-t.C:
		}
	}
}

// Package redisclient holds the per-consultation lock used by the
// development backend's status transitions and expiry sweep.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired means another actor holds the key. Callers map it to a
// retryable conflict.
var ErrLockNotAcquired = errors.New("consultation lock not acquired")

type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

const keyPrefix = "consult:lock:"

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
}

type RedisLockerOption func(*RedisLocker)

// WithWait retries a busy key for up to d before giving up. The default is
// to fail immediately.
func WithWait(d time.Duration) RedisLockerOption {
	return func(l *RedisLocker) { l.wait = d }
}

// NewRedisLocker returns a SET NX based lock. ttl bounds both the key's
// lifetime and the time fn may run.
func NewRedisLocker(client *redis.Client, ttl time.Duration, opts ...RedisLockerOption) *RedisLocker {
	l := &RedisLocker{client: client, ttl: ttl}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	key = keyPrefix + key
	owner := uuid.NewString()

	if err := l.acquire(ctx, key, owner); err != nil {
		return err
	}
	defer l.release(key, owner)

	fnCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()
	return fn(fnCtx)
}

func (l *RedisLocker) acquire(ctx context.Context, key, owner string) error {
	deadline := time.Now().Add(l.wait)
	backoff := 10 * time.Millisecond

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Add(backoff).Before(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// compare-and-delete so an expired lock re-taken by someone else survives
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// release runs on its own context so a cancelled request still frees the key.
func (l *RedisLocker) release(key, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{key}, owner).Err()
}

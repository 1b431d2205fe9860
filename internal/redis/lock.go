package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// caller's acquire timeout.
var ErrLockTimeout = errors.New("redis: lock acquire timeout")

const lockRetryInterval = 50 * time.Millisecond

// Lock is a distributed mutex held by exactly one owner. The value stored
// under the key is a per-holder UUID, so a lock that expired and was taken
// over by someone else is never released by the previous holder.
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// AcquireLock takes the named lock, polling until acquireTimeout elapses.
// The lock auto-expires after lockTimeout unless extended.
func AcquireLock(ctx context.Context, rdb *redis.Client, key string, acquireTimeout, lockTimeout time.Duration) (*Lock, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(acquireTimeout)
	for {
		ok, err := rdb.SetNX(ctx, key, token, lockTimeout).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{rdb: rdb, key: key, token: token, ttl: lockTimeout}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Extend resets the lock TTL. Returns an error when the lock is no longer
// held by this owner.
func (l *Lock) Extend(ctx context.Context) error {
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, l.key).Result()
		if err != nil {
			return err
		}
		if current != l.token {
			return fmt.Errorf("lock %s taken over by another holder", l.key)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, l.key, l.ttl)
			return nil
		})
		return err
	}, l.key)
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock %s expired", l.key)
	}
	return err
}

// Release deletes the lock if this owner still holds it. Releasing a lock
// that expired or changed hands is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	err := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, l.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != l.token {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, l.key)
			return nil
		})
		return err
	}, l.key)
	if errors.Is(err, redis.TxFailedErr) {
		// Key changed between WATCH and EXEC, nothing left to release.
		return nil
	}
	return err
}

// Package redis provides the shared Redis fabric: connection pool setup,
// the service keyspace, a lock primitive, stream helpers and access to the
// time-series module. All state shared between workers lives behind this
// package.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTimeout bounds every blocking Redis call.
	DefaultTimeout = 30 * time.Second

	defaultPoolSize = 100
)

// NewClient builds a client pool from a redis:// or rediss:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = defaultPoolSize
	}
	opts.DialTimeout = 10 * time.Second
	opts.ReadTimeout = DefaultTimeout
	opts.WriteTimeout = DefaultTimeout
	return redis.NewClient(opts), nil
}

// WaitReady pings the server until it responds or the timeout elapses.
// A server answering LOADING is treated as not yet ready.
func WaitReady(ctx context.Context, rdb *redis.Client, timeout time.Duration) error {
	return WithRetry(ctx, timeout, func() error {
		return rdb.Ping(ctx).Err()
	})
}

// WithRetry runs op, retrying transient failures with exponential back-off
// until timeout elapses. Non-transient errors abort immediately.
func WithRetry(ctx context.Context, timeout time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// IsTransient reports whether err is worth retrying: connection problems
// and a server that is still loading its dataset.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}

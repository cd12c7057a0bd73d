// Package redis holds the Redis-backed pieces: the idempotency lock and
// record store, and the streams broker adapter.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/courier/internal/infrastructure/config"
	"github.com/cassiomorais/courier/pkg/retry"
	"github.com/redis/go-redis/v9"
)

const (
	defaultConnectRetries    = 5
	defaultConnectRetryDelay = time.Second
)

// NewClient connects and pings with backoff. Per-call deadlines come from
// the callers (redis.operation_timeout), so the client timeouts are only a
// backstop.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		// Contexts carry the deadline for every lock and cache call.
		ContextTimeoutEnabled: true,
	})

	rc := retry.DefaultConfig()
	rc.MaxAttempts = uint(defaultConnectRetries)
	if cfg.ConnectRetries > 0 {
		rc.MaxAttempts = uint(cfg.ConnectRetries)
	}
	rc.InitialDelay = defaultConnectRetryDelay
	if cfg.ConnectRetryDelay > 0 {
		rc.InitialDelay = cfg.ConnectRetryDelay
	}

	if err := retry.Do(ctx, rc, func() error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable after %d attempts: %w", cfg.RedisAddr(), rc.MaxAttempts, err)
	}
	return client, nil
}

// withTimeout bounds a single Redis call. A zero timeout leaves ctx untouched.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

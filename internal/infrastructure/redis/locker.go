package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua script for safe lock release (only owner can release)
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

const lockKeyPrefix = "lock:idempotency:"

// Locker implements idempotency.Locker with SET NX PX and an owner-checked delete.
type Locker struct {
	client    *redis.Client
	opTimeout time.Duration
}

func NewLocker(client *redis.Client, opTimeout time.Duration) *Locker {
	return &Locker{client: client, opTimeout: opTimeout}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (idempotency.Lease, bool, error) {
	if ttl <= 0 {
		return idempotency.Lease{}, false, errors.New("lock ttl must be positive")
	}
	ctx, cancel := withTimeout(ctx, l.opTimeout)
	defer cancel()

	lease := idempotency.Lease{Key: key, Token: uuid.New().String()}
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+key, lease.Token, ttl).Result()
	if err != nil {
		return idempotency.Lease{}, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return idempotency.Lease{}, false, nil
	}
	return lease, true, nil
}

// Release returns ErrLockNotHeld when the lock expired or passed to another owner.
func (l *Locker) Release(ctx context.Context, lease idempotency.Lease) error {
	ctx, cancel := withTimeout(ctx, l.opTimeout)
	defer cancel()

	result, err := releaseLockScript.Run(ctx, l.client, []string{lockKeyPrefix + lease.Key}, lease.Token).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	val, ok := result.(int64)
	if !ok || val == 0 {
		return domainErrors.ErrLockNotHeld
	}
	return nil
}

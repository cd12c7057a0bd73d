package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/redis/go-redis/v9"
)

const (
	recordKeyPrefix = "idempotency:record:"
	indexKeyPrefix  = "idempotency:index:"
)

// IdempotencyStore keeps each record as JSON under its own key with a native TTL.
// A per-key set of request hashes lets Get find every live record for a key.
type IdempotencyStore struct {
	client    *redis.Client
	opTimeout time.Duration
	now       func() time.Time
}

func NewIdempotencyStore(client *redis.Client, opTimeout time.Duration) *IdempotencyStore {
	return &IdempotencyStore{client: client, opTimeout: opTimeout, now: time.Now}
}

func recordKey(key, hash string) string {
	return recordKeyPrefix + key + ":" + hash
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]*idempotency.Record, error) {
	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	hashes, err := s.client.SMembers(ctx, indexKeyPrefix+key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency index: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = recordKey(key, h)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency records: %w", err)
	}

	var (
		records []*idempotency.Record
		stale   []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, hashes[i])
			continue
		}
		var rec idempotency.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
		}
		records = append(records, &rec)
	}

	if len(stale) > 0 {
		// Index entries outlive their records; prune the ones whose record expired.
		s.client.SRem(ctx, indexKeyPrefix+key, stale...)
	}
	return records, nil
}

// Save writes with SET NX, so a live record is never replaced. An expired one
// has already been evicted by Redis.
func (s *IdempotencyStore) Save(ctx context.Context, record *idempotency.Record) error {
	ttl := record.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	ctx, cancel := withTimeout(ctx, s.opTimeout)
	defer cancel()

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, recordKey(record.Key, record.RequestHash), data, ttl)
		pipe.SAdd(ctx, indexKeyPrefix+record.Key, record.RequestHash)
		pipe.PExpire(ctx, indexKeyPrefix+record.Key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op: Redis evicts records by TTL.
func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

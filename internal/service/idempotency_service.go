package service

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

type IdempotencyConfig struct {
	TTL          time.Duration
	LockTTL      time.Duration
	LockWait     time.Duration
	PollInterval time.Duration
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		TTL:          idempotency.DefaultTTL,
		LockTTL:      idempotency.DefaultLockTTL,
		LockWait:     2 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// IdempotencyService stores completed HTTP responses per idempotency key and
// serializes first attempts with a per-key lock.
type IdempotencyService struct {
	store  idempotency.Store
	locker idempotency.Locker
	cfg    IdempotencyConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewIdempotencyService(store idempotency.Store, locker idempotency.Locker, cfg IdempotencyConfig, logger zerolog.Logger) *IdempotencyService {
	def := DefaultIdempotencyConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &IdempotencyService{
		store:  store,
		locker: locker,
		cfg:    cfg,
		logger: observability.Component(logger, "idempotency"),
		now:    time.Now,
	}
}

// WithClock replaces the time source used for expiry decisions.
func (s *IdempotencyService) WithClock(now func() time.Time) *IdempotencyService {
	s.now = now
	return s
}

// Lookup returns the live record stored for (key, hash), or nil when there is
// none. A live record for key under another hash is ErrIdempotencyKeyConflict.
func (s *IdempotencyService) Lookup(ctx context.Context, key, hash string) (*idempotency.Record, error) {
	records, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	now := s.now()
	conflict := false
	for _, rec := range records {
		if rec.IsExpired(now) {
			continue
		}
		if rec.RequestHash == hash {
			return rec, nil
		}
		conflict = true
	}
	if conflict {
		return nil, domainErrors.ErrIdempotencyKeyConflict
	}
	return nil, nil
}

// Acquire either finds a stored response to replay or takes the key's lock so
// the caller may execute the request. Exactly one of the record and the lease
// is set on success. While another holder owns the lock Acquire polls for up
// to LockWait, then fails with ErrLockContention.
func (s *IdempotencyService) Acquire(ctx context.Context, key, hash string) (*idempotency.Record, idempotency.Lease, error) {
	deadline := time.Now().Add(s.cfg.LockWait)
	for {
		rec, err := s.Lookup(ctx, key, hash)
		if err != nil || rec != nil {
			return rec, idempotency.Lease{}, err
		}

		lease, ok, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
		if err != nil {
			return nil, idempotency.Lease{}, fmt.Errorf("acquire idempotency lock: %w", err)
		}
		if ok {
			// The previous holder may have stored its result between our lookup and acquire.
			rec, err := s.Lookup(ctx, key, hash)
			if err != nil || rec != nil {
				s.release(ctx, lease)
				return rec, idempotency.Lease{}, err
			}
			return nil, lease, nil
		}

		if !time.Now().Before(deadline) {
			return nil, idempotency.Lease{}, domainErrors.ErrLockContention
		}
		select {
		case <-ctx.Done():
			return nil, idempotency.Lease{}, ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// Complete stores the response and releases the lease. The lock is released
// even when the save fails, so the next attempt can execute.
func (s *IdempotencyService) Complete(ctx context.Context, lease idempotency.Lease, hash string, status int, contentType string, body []byte) error {
	defer s.release(ctx, lease)

	now := s.now()
	err := s.store.Save(ctx, &idempotency.Record{
		Key:            lease.Key,
		RequestHash:    hash,
		ResponseStatus: status,
		ContentType:    contentType,
		ResponseBody:   body,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.TTL),
	})
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	return nil
}

// Abandon releases the lease without storing a response.
func (s *IdempotencyService) Abandon(ctx context.Context, lease idempotency.Lease) {
	s.release(ctx, lease)
}

func (s *IdempotencyService) release(ctx context.Context, lease idempotency.Lease) {
	if err := s.locker.Release(context.WithoutCancel(ctx), lease); err != nil {
		// An expired lock is harmless here; the record, if any, is already saved.
		s.logger.Warn().Err(err).Str("idempotency_key", lease.Key).Msg("Failed to release idempotency lock")
	}
}

// Cleanup deletes expired records.
func (s *IdempotencyService) Cleanup(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return n, nil
}

// RunCleanup calls Cleanup every interval until ctx is cancelled.
func (s *IdempotencyService) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Cleanup(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("Idempotency cleanup failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int64("deleted", n).Msg("Deleted expired idempotency records")
			}
		}
	}
}

// RetryAfter is the delay suggested to a client that hit lock contention.
func (s *IdempotencyService) RetryAfter() time.Duration {
	if s.cfg.LockWait > time.Second {
		return s.cfg.LockWait
	}
	return time.Second
}

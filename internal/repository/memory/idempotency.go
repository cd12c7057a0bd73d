package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/google/uuid"
)

// IdempotencyStore keeps records per key and request hash. Expiry is judged
// against the injected clock.
type IdempotencyStore struct {
	mu      sync.Mutex
	records map[string]map[string]*idempotency.Record
	now     func() time.Time
}

func NewIdempotencyStore(now func() time.Time) *IdempotencyStore {
	if now == nil {
		now = time.Now
	}
	return &IdempotencyStore{
		records: make(map[string]map[string]*idempotency.Record),
		now:     now,
	}
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*idempotency.Record
	for _, rec := range s.records[key] {
		if rec.IsExpired(now) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (s *IdempotencyStore) Save(ctx context.Context, record *idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHash, ok := s.records[record.Key]
	if !ok {
		byHash = make(map[string]*idempotency.Record)
		s.records[record.Key] = byHash
	}
	if existing, ok := byHash[record.RequestHash]; ok && !existing.IsExpired(s.now()) {
		return nil
	}
	cp := *record
	byHash[record.RequestHash] = &cp
	return nil
}

func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, byHash := range s.records {
		for hash, rec := range byHash {
			if rec.IsExpired(now) {
				delete(byHash, hash)
				n++
			}
		}
		if len(byHash) == 0 {
			delete(s.records, key)
		}
	}
	return n, nil
}

// Locker is a process-local idempotency.Locker with clock-based expiry.
type Locker struct {
	mu   sync.Mutex
	held map[string]lease
	now  func() time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

func NewLocker(now func() time.Time) *Locker {
	if now == nil {
		now = time.Now
	}
	return &Locker{held: make(map[string]lease), now: now}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (idempotency.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Lease{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expiresAt) {
		return idempotency.Lease{}, false, nil
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expiresAt: now.Add(ttl)}
	return idempotency.Lease{Key: key, Token: token}, true, nil
}

func (l *Locker) Release(ctx context.Context, ls idempotency.Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.held[ls.Key]; ok && cur.token == ls.Token {
		delete(l.held, ls.Key)
	}
	return nil
}

package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/google/uuid"
)

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Append(ctx context.Context, record *outbox.Record) error {
	if _, ok := txFromCtx(ctx); !ok {
		return domainErrors.ErrTransactionRequired
	}
	rec := *record
	return r.db.exec(ctx, func(st *state) error {
		if _, exists := st.outbox[rec.ID]; exists {
			return fmt.Errorf("insert outbox record: duplicate id %s", rec.ID)
		}
		st.outbox[rec.ID] = &rec
		return nil
	})
}

func (r *OutboxRepository) Claim(ctx context.Context, limit int, workerID string, now time.Time) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 10
	}

	var claimed []*outbox.Record
	err := r.db.commit([]op{func(st *state) error {
		var due []*outbox.Record
		for _, rec := range st.outbox {
			if rec.Status == outbox.StatusPending && !rec.NextAttemptAt.After(now) {
				due = append(due, rec)
			}
		}
		slices.SortFunc(due, func(a, b *outbox.Record) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		})
		if len(due) > limit {
			due = due[:limit]
		}

		for _, rec := range due {
			next := *rec
			next.Status = outbox.StatusInFlight
			next.ClaimedAt = &now
			next.ClaimedBy = &workerID
			st.outbox[next.ID] = &next

			out := next
			claimed = append(claimed, &out)
		}
		return nil
	}})
	return claimed, err
}

func (r *OutboxRepository) MarkDispatched(ctx context.Context, id uuid.UUID, lease outbox.Lease, brokerMessageID string, at time.Time) error {
	return r.db.commit([]op{func(st *state) error {
		rec, ok := st.outbox[id]
		if !ok || !rec.Holds(lease) {
			return fmt.Errorf("mark outbox %s dispatched: %w", id, domainErrors.ErrClaimLost)
		}
		next := *rec
		next.Status = outbox.StatusDispatched
		next.DispatchedAt = &at
		next.BrokerMessageID = &brokerMessageID
		next.ClaimedAt, next.ClaimedBy, next.LastError = nil, nil, nil
		st.outbox[id] = &next
		return nil
	}})
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lease outbox.Lease, cause string, nextAttemptAt time.Time) (outbox.Status, error) {
	var status outbox.Status
	err := r.db.commit([]op{func(st *state) error {
		rec, ok := st.outbox[id]
		if !ok || !rec.Holds(lease) {
			return fmt.Errorf("mark outbox %s failed: %w", id, domainErrors.ErrClaimLost)
		}
		next := *rec
		if next.Exhausted() {
			next.Status = outbox.StatusFailed
		} else {
			next.Status = outbox.StatusPending
		}
		next.RetryCount++
		next.NextAttemptAt = nextAttemptAt
		next.LastError = &cause
		next.ClaimedAt, next.ClaimedBy = nil, nil
		st.outbox[id] = &next
		status = next.Status
		return nil
	}})
	return status, err
}

func (r *OutboxRepository) ReclaimStuck(ctx context.Context, claimedBefore time.Time) (int64, error) {
	var n int64
	err := r.db.commit([]op{func(st *state) error {
		for id, rec := range st.outbox {
			if rec.Status != outbox.StatusInFlight || rec.ClaimedAt == nil || !rec.ClaimedAt.Before(claimedBefore) {
				continue
			}
			next := *rec
			next.Status = outbox.StatusPending
			next.ClaimedAt, next.ClaimedBy = nil, nil
			st.outbox[id] = &next
			n++
		}
		return nil
	}})
	return n, err
}

func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	var out *outbox.Record
	r.db.read(func(st *state) {
		if rec, ok := st.outbox[id]; ok {
			cp := *rec
			out = &cp
		}
	})
	if out == nil {
		return nil, domainErrors.ErrOutboxRecordNotFound
	}
	return out, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*outbox.Record
	r.db.read(func(st *state) {
		for _, rec := range st.outbox {
			if rec.Status == status {
				cp := *rec
				out = append(out, &cp)
			}
		}
	})
	slices.SortFunc(out, func(a, b *outbox.Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *OutboxRepository) Redrive(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.commit([]op{func(st *state) error {
		rec, ok := st.outbox[id]
		if !ok {
			return domainErrors.ErrOutboxRecordNotFound
		}
		if rec.Status != outbox.StatusFailed && rec.Status != outbox.StatusDispatched {
			return fmt.Errorf("redrive outbox %s: %w", id, domainErrors.ErrInvalidStateTransition)
		}
		next := *rec
		next.Status = outbox.StatusPending
		next.RetryCount = 0
		next.NextAttemptAt = at
		next.DispatchedAt, next.BrokerMessageID, next.LastError = nil, nil, nil
		st.outbox[id] = &next
		return nil
	}})
}

// Count returns the number of stored records in any status.
func (r *OutboxRepository) Count() int {
	var n int
	r.db.read(func(st *state) { n = len(st.outbox) })
	return n
}

package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/inbox"
)

type InboxRepository struct {
	db *DB
}

func NewInboxRepository(db *DB) *InboxRepository {
	return &InboxRepository{db: db}
}

// Begin commits immediately, even inside a transaction, so the claim is visible
// to concurrent callers the moment it returns.
func (r *InboxRepository) Begin(ctx context.Context, messageID string) (bool, error) {
	claimed := false
	err := r.db.commit([]op{func(st *state) error {
		if _, exists := st.inbox[messageID]; exists {
			return nil
		}
		st.inbox[messageID] = &inbox.Record{
			MessageID:   messageID,
			Status:      inbox.StatusInProgress,
			FirstSeenAt: r.db.now(),
		}
		claimed = true
		return nil
	}})
	return claimed, err
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, messageID string) error {
	return r.db.exec(ctx, func(st *state) error {
		rec, ok := st.inbox[messageID]
		if !ok {
			return domainErrors.ErrInboxRecordNotFound
		}
		switch rec.Status {
		case inbox.StatusProcessed:
			return nil
		case inbox.StatusInProgress:
		default:
			return fmt.Errorf("mark inbox %s processed from %s: %w", messageID, rec.Status, domainErrors.ErrInvalidStateTransition)
		}
		now := r.db.now()
		next := *rec
		next.Status = inbox.StatusProcessed
		next.Attempts++
		next.ProcessedAt = &now
		next.LastAttemptAt = &now
		st.inbox[messageID] = &next
		return nil
	})
}

func (r *InboxRepository) RecordFailure(ctx context.Context, messageID string, cause error) error {
	msg := inbox.TruncateError(cause)
	return r.db.exec(ctx, func(st *state) error {
		rec, ok := st.inbox[messageID]
		if !ok {
			return domainErrors.ErrInboxRecordNotFound
		}
		if rec.Status == inbox.StatusProcessed {
			return fmt.Errorf("record inbox %s failure from %s: %w", messageID, rec.Status, domainErrors.ErrInvalidStateTransition)
		}
		now := r.db.now()
		next := *rec
		next.Status = inbox.StatusFailed
		next.Attempts++
		next.LastAttemptAt = &now
		next.LastError = &msg
		st.inbox[messageID] = &next
		return nil
	})
}

func (r *InboxRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	processed := false
	r.db.read(func(st *state) {
		rec, ok := st.inbox[messageID]
		processed = ok && rec.Status == inbox.StatusProcessed
	})
	return processed, nil
}

func (r *InboxRepository) Get(ctx context.Context, messageID string) (*inbox.Record, error) {
	var out *inbox.Record
	r.db.read(func(st *state) {
		if rec, ok := st.inbox[messageID]; ok {
			cp := *rec
			out = &cp
		}
	})
	if out == nil {
		return nil, domainErrors.ErrInboxRecordNotFound
	}
	return out, nil
}

func (r *InboxRepository) ListByStatus(ctx context.Context, status inbox.Status, limit int) ([]*inbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*inbox.Record
	r.db.read(func(st *state) {
		for _, rec := range st.inbox {
			if rec.Status == status {
				cp := *rec
				out = append(out, &cp)
			}
		}
	})
	slices.SortFunc(out, func(a, b *inbox.Record) int {
		return a.FirstSeenAt.Compare(b.FirstSeenAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InboxRepository) Reset(ctx context.Context, messageID string, staleBefore time.Time) error {
	return r.db.commit([]op{func(st *state) error {
		rec, ok := st.inbox[messageID]
		if !ok {
			return domainErrors.ErrInboxRecordNotFound
		}
		stale := rec.Status == inbox.StatusInProgress && rec.FirstSeenAt.Before(staleBefore)
		if rec.Status != inbox.StatusFailed && !stale {
			return fmt.Errorf("reset inbox %s from %s: %w", messageID, rec.Status, domainErrors.ErrInvalidStateTransition)
		}
		delete(st.inbox, messageID)
		return nil
	}})
}

func (r *InboxRepository) Release(ctx context.Context, messageID string) error {
	return r.db.commit([]op{func(st *state) error {
		if rec, ok := st.inbox[messageID]; ok && rec.Status == inbox.StatusInProgress {
			delete(st.inbox, messageID)
		}
		return nil
	}})
}

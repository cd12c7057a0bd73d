package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/inbox"
	"github.com/jackc/pgx/v5"
)

const inboxColumns = `message_id, status, attempts, first_seen_at, last_attempt_at, processed_at, last_error`

type InboxRepository struct {
	db DBTX
}

func NewInboxRepository(db DBTX) *InboxRepository {
	return &InboxRepository{db: db}
}

func (r *InboxRepository) conn(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.db)
}

// Begin relies on the message_id primary key: exactly one concurrent insert wins.
func (r *InboxRepository) Begin(ctx context.Context, messageID string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO inbox (message_id, status, attempts, first_seen_at)
		 VALUES ($1, 'IN_PROGRESS', 0, NOW())
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbox record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, messageID string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE inbox SET status = 'PROCESSED', processed_at = NOW(),
		        attempts = attempts + 1, last_attempt_at = NOW()
		 WHERE message_id = $1 AND status = 'IN_PROGRESS'`,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("mark inbox processed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := r.statusOf(ctx, messageID)
	if err != nil {
		return err
	}
	if status == inbox.StatusProcessed {
		return nil
	}
	return fmt.Errorf("mark inbox %s processed from %s: %w", messageID, status, domainErrors.ErrInvalidStateTransition)
}

func (r *InboxRepository) RecordFailure(ctx context.Context, messageID string, cause error) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE inbox SET status = 'FAILED', attempts = attempts + 1,
		        last_attempt_at = NOW(), last_error = $2
		 WHERE message_id = $1 AND status <> 'PROCESSED'`,
		messageID, inbox.TruncateError(cause),
	)
	if err != nil {
		return fmt.Errorf("record inbox failure: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := r.statusOf(ctx, messageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("record inbox %s failure from %s: %w", messageID, status, domainErrors.ErrInvalidStateTransition)
}

func (r *InboxRepository) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var processed bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM inbox WHERE message_id = $1 AND status = 'PROCESSED')`,
		messageID,
	).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("check inbox processed: %w", err)
	}
	return processed, nil
}

func (r *InboxRepository) Get(ctx context.Context, messageID string) (*inbox.Record, error) {
	rec, err := scanInboxRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+inboxColumns+` FROM inbox WHERE message_id = $1`, messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainErrors.ErrInboxRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox record: %w", err)
	}
	return rec, nil
}

func (r *InboxRepository) ListByStatus(ctx context.Context, status inbox.Status, limit int) ([]*inbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+inboxColumns+` FROM inbox WHERE status = $1 ORDER BY first_seen_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list inbox records: %w", err)
	}
	defer rows.Close()

	var records []*inbox.Record
	for rows.Next() {
		rec, err := scanInboxRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbox record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Reset deletes a FAILED record or a stale IN_PROGRESS one. PROCESSED records
// and live claims are left alone.
func (r *InboxRepository) Reset(ctx context.Context, messageID string, staleBefore time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM inbox WHERE message_id = $1
		   AND (status = 'FAILED' OR (status = 'IN_PROGRESS' AND first_seen_at < $2))`,
		messageID, staleBefore,
	)
	if err != nil {
		return fmt.Errorf("reset inbox record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, err := r.statusOf(ctx, messageID)
	if err != nil {
		return err
	}
	return fmt.Errorf("reset inbox %s from %s: %w", messageID, status, domainErrors.ErrInvalidStateTransition)
}

func (r *InboxRepository) Release(ctx context.Context, messageID string) error {
	if _, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM inbox WHERE message_id = $1 AND status = 'IN_PROGRESS'`, messageID,
	); err != nil {
		return fmt.Errorf("release inbox record: %w", err)
	}
	return nil
}

func (r *InboxRepository) statusOf(ctx context.Context, messageID string) (inbox.Status, error) {
	var status string
	err := r.conn(ctx).QueryRow(ctx, `SELECT status FROM inbox WHERE message_id = $1`, messageID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domainErrors.ErrInboxRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read inbox status: %w", err)
	}
	return inbox.Status(status), nil
}

func scanInboxRecord(row pgx.Row) (*inbox.Record, error) {
	rec := &inbox.Record{}
	var status string
	if err := row.Scan(
		&rec.MessageID, &status, &rec.Attempts, &rec.FirstSeenAt,
		&rec.LastAttemptAt, &rec.ProcessedAt, &rec.LastError,
	); err != nil {
		return nil, err
	}
	rec.Status = inbox.Status(status)
	return rec, nil
}

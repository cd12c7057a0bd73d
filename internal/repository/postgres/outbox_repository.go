package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries,
	created_at, dispatched_at, broker_message_id, next_attempt_at, claimed_at, claimed_by, last_error`

type OutboxRepository struct {
	db DBTX
}

func NewOutboxRepository(db DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) conn(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.db)
}

// Append inserts the record using the transaction carried by ctx. Without one it
// refuses to write, so an event can never be stored apart from its business change.
func (r *OutboxRepository) Append(ctx context.Context, record *outbox.Record) error {
	tx, ok := TxFromCtx(ctx)
	if !ok {
		return domainErrors.ErrTransactionRequired
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, status, retry_count, max_retries, created_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		record.ID, record.AggregateType, record.AggregateID, record.EventType, record.Payload,
		string(record.Status), record.RetryCount, record.MaxRetries, record.CreatedAt, record.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// Claim flips due PENDING rows to IN_FLIGHT in one statement. SKIP LOCKED keeps
// concurrent dispatchers from blocking on, or double-claiming, the same rows.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, workerID string, now time.Time) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.conn(ctx).Query(ctx,
		`UPDATE outbox SET status = 'IN_FLIGHT', claimed_at = $1, claimed_by = $2
		 WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'PENDING' AND next_attempt_at <= $1
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now, workerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim outbox records: %w", err)
	}
	defer rows.Close()

	records, err := scanOutboxRecords(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(records, func(a, b *outbox.Record) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return records, nil
}

// MarkDispatched and MarkFailed match on the claim's own claimed_by and
// claimed_at. A reclaimed row, even one re-claimed by a peer, no longer matches.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, id uuid.UUID, lease outbox.Lease, brokerMessageID string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'DISPATCHED', dispatched_at = $2, broker_message_id = $3,
		        claimed_at = NULL, claimed_by = NULL, last_error = NULL
		 WHERE id = $1 AND status = 'IN_FLIGHT' AND claimed_by = $4 AND claimed_at = $5`,
		id, at, brokerMessageID, lease.WorkerID, lease.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("mark outbox dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark outbox %s dispatched: %w", id, domainErrors.ErrClaimLost)
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, lease outbox.Lease, cause string, nextAttemptAt time.Time) (outbox.Status, error) {
	var status string
	err := r.conn(ctx).QueryRow(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1,
		        status = CASE WHEN retry_count + 1 >= max_retries THEN 'FAILED' ELSE 'PENDING' END,
		        next_attempt_at = $2, last_error = $3, claimed_at = NULL, claimed_by = NULL
		 WHERE id = $1 AND status = 'IN_FLIGHT' AND claimed_by = $4 AND claimed_at = $5
		 RETURNING status`,
		id, nextAttemptAt, cause, lease.WorkerID, lease.ClaimedAt,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("mark outbox %s failed: %w", id, domainErrors.ErrClaimLost)
	}
	if err != nil {
		return "", fmt.Errorf("mark outbox failed: %w", err)
	}
	return outbox.Status(status), nil
}

func (r *OutboxRepository) ReclaimStuck(ctx context.Context, claimedBefore time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', claimed_at = NULL, claimed_by = NULL
		 WHERE status = 'IN_FLIGHT' AND claimed_at < $1`,
		claimedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck outbox records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	rec, err := scanOutboxRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainErrors.ErrOutboxRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox record: %w", err)
	}
	return rec, nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox records: %w", err)
	}
	defer rows.Close()
	return scanOutboxRecords(rows)
}

func (r *OutboxRepository) Redrive(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', retry_count = 0, next_attempt_at = $2,
		        dispatched_at = NULL, broker_message_id = NULL, last_error = NULL
		 WHERE id = $1 AND status IN ('FAILED', 'DISPATCHED')`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("redrive outbox record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("redrive outbox %s: %w", id, domainErrors.ErrInvalidStateTransition)
}

func scanOutboxRecord(row pgx.Row) (*outbox.Record, error) {
	rec := &outbox.Record{}
	var status string
	if err := row.Scan(
		&rec.ID, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &rec.Payload, &status,
		&rec.RetryCount, &rec.MaxRetries, &rec.CreatedAt, &rec.DispatchedAt, &rec.BrokerMessageID,
		&rec.NextAttemptAt, &rec.ClaimedAt, &rec.ClaimedBy, &rec.LastError,
	); err != nil {
		return nil, err
	}
	rec.Status = outbox.Status(status)
	return rec, nil
}

func scanOutboxRecords(rows pgx.Rows) ([]*outbox.Record, error) {
	var records []*outbox.Record
	for rows.Next() {
		rec, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

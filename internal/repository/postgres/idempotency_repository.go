package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cassiomorais/courier/internal/domain/idempotency"
)

type IdempotencyRepository struct {
	db DBTX
}

func NewIdempotencyRepository(db DBTX) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

func (r *IdempotencyRepository) conn(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.db)
}

// Get returns the unexpired records stored under key, one per request hash.
func (r *IdempotencyRepository) Get(ctx context.Context, key string) ([]*idempotency.Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT idempotency_key, request_hash, response_status, content_type, response_body, created_at, expires_at
		 FROM idempotency_records
		 WHERE idempotency_key = $1 AND expires_at > NOW()`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("get idempotency records: %w", err)
	}
	defer rows.Close()

	var records []*idempotency.Record
	for rows.Next() {
		rec := &idempotency.Record{}
		if err := rows.Scan(&rec.Key, &rec.RequestHash, &rec.ResponseStatus, &rec.ContentType,
			&rec.ResponseBody, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan idempotency record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Save inserts the record. A row left behind by an expired entry is overwritten;
// a live one is kept as is.
func (r *IdempotencyRepository) Save(ctx context.Context, record *idempotency.Record) error {
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO idempotency_records (idempotency_key, request_hash, response_status, content_type, response_body, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key, request_hash) DO UPDATE
		 SET response_status = EXCLUDED.response_status,
		     content_type = EXCLUDED.content_type,
		     response_body = EXCLUDED.response_body,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE idempotency_records.expires_at <= EXCLUDED.created_at`,
		record.Key, record.RequestHash, record.ResponseStatus, record.ContentType,
		record.ResponseBody, record.CreatedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save idempotency record: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= $1`, now,
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}

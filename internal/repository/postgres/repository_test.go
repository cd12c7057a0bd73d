package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/cassiomorais/courier/internal/domain/inbox"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})
	return mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

var outboxColumnNames = []string{
	"id", "aggregate_type", "aggregate_id", "event_type", "payload", "status", "retry_count", "max_retries",
	"created_at", "dispatched_at", "broker_message_id", "next_attempt_at", "claimed_at", "claimed_by", "last_error",
}

func outboxRow(id uuid.UUID, status string, createdAt time.Time) []any {
	return []any{
		id, "order", "ord_1", "order.created", []byte(`{}`), status, 0, 5,
		createdAt, nil, nil, createdAt, nil, nil, nil,
	}
}

// --- TxManager ---

func TestTxManager_CommitsOnSuccess(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	txm := NewTxManager(mock)
	repo := NewOutboxRepository(mock)

	err := txm.WithTransaction(context.Background(), func(ctx context.Context) error {
		return repo.Append(ctx, outbox.NewRecord("order", "ord_1", "order.created", []byte(`{}`), time.Now()))
	})
	require.NoError(t, err)
}

func TestTxManager_RollsBackOnError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectRollback()

	txm := NewTxManager(mock)
	repo := NewOutboxRepository(mock)
	businessErr := errors.New("business rule violated")

	err := txm.WithTransaction(context.Background(), func(ctx context.Context) error {
		if err := repo.Append(ctx, outbox.NewRecord("order", "ord_1", "order.created", nil, time.Now())); err != nil {
			return err
		}
		return businessErr
	})
	assert.ErrorIs(t, err, businessErr)
}

func TestTxManager_AppendFailureAbortsTransaction(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO outbox").WithArgs(anyArgs(10)...).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	txm := NewTxManager(mock)
	repo := NewOutboxRepository(mock)

	err := txm.WithTransaction(context.Background(), func(ctx context.Context) error {
		return repo.Append(ctx, outbox.NewRecord("order", "ord_1", "order.created", nil, time.Now()))
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert outbox record")
}

func TestTxManager_JoinsExistingTransaction(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	txm := NewTxManager(mock)
	calls := 0
	err := txm.WithTransaction(context.Background(), func(ctx context.Context) error {
		return txm.WithTransaction(ctx, func(inner context.Context) error {
			calls++
			_, ok := TxFromCtx(inner)
			assert.True(t, ok)
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestTxManager_BeginError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	err := NewTxManager(mock).WithTransaction(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not run")
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin transaction")
}

// --- Outbox ---

func TestOutboxRepository_AppendRequiresTransaction(t *testing.T) {
	mock := newMock(t)
	repo := NewOutboxRepository(mock)

	err := repo.Append(context.Background(), outbox.NewRecord("order", "ord_1", "order.created", nil, time.Now()))
	assert.ErrorIs(t, err, domainErrors.ErrTransactionRequired)
}

func TestOutboxRepository_Claim(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	first, second := uuid.New(), uuid.New()

	rows := mock.NewRows(outboxColumnNames).
		AddRow(outboxRow(second, "IN_FLIGHT", now.Add(-time.Second))...).
		AddRow(outboxRow(first, "IN_FLIGHT", now.Add(-time.Minute))...)
	mock.ExpectQuery(`UPDATE outbox SET status = 'IN_FLIGHT'.+FOR UPDATE SKIP LOCKED`).
		WithArgs(now, "worker-1", 10).
		WillReturnRows(rows)

	records, err := NewOutboxRepository(mock).Claim(context.Background(), 10, "worker-1", now)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first, records[0].ID, "records are ordered by created_at")
	assert.Equal(t, second, records[1].ID)
	assert.Equal(t, outbox.StatusInFlight, records[0].Status)
}

func TestOutboxRepository_Claim_DefaultLimit(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("UPDATE outbox").
		WithArgs(now, "w", 10).
		WillReturnRows(mock.NewRows(outboxColumnNames))

	records, err := NewOutboxRepository(mock).Claim(context.Background(), 0, "w", now)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestOutboxRepository_MarkDispatched(t *testing.T) {
	id := uuid.New()
	at := time.Now()
	lease := outbox.Lease{WorkerID: "w", ClaimedAt: at.Add(-time.Second)}

	t.Run("in flight", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE outbox SET status = 'DISPATCHED'.+status = 'IN_FLIGHT' AND claimed_by = \$4 AND claimed_at = \$5`).
			WithArgs(id, at, "1-0", lease.WorkerID, lease.ClaimedAt).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewOutboxRepository(mock).MarkDispatched(context.Background(), id, lease, "1-0", at))
	})

	t.Run("claim lost", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("UPDATE outbox SET status = 'DISPATCHED'").
			WithArgs(id, at, "1-0", lease.WorkerID, lease.ClaimedAt).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := NewOutboxRepository(mock).MarkDispatched(context.Background(), id, lease, "1-0", at)
		assert.ErrorIs(t, err, domainErrors.ErrClaimLost)
	})
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	id := uuid.New()
	next := time.Now().Add(time.Minute)
	lease := outbox.Lease{WorkerID: "w", ClaimedAt: time.Now()}

	tests := []struct {
		name   string
		status string
	}{
		{"retryable", "PENDING"},
		{"exhausted", "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectQuery(`UPDATE outbox SET retry_count = retry_count \+ 1.+claimed_by = \$4 AND claimed_at = \$5`).
				WithArgs(id, next, "timeout", lease.WorkerID, lease.ClaimedAt).
				WillReturnRows(mock.NewRows([]string{"status"}).AddRow(tt.status))

			status, err := NewOutboxRepository(mock).MarkFailed(context.Background(), id, lease, "timeout", next)
			require.NoError(t, err)
			assert.Equal(t, outbox.Status(tt.status), status)
		})
	}

	t.Run("claim lost", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectQuery("UPDATE outbox SET retry_count").
			WithArgs(id, next, "timeout", lease.WorkerID, lease.ClaimedAt).
			WillReturnError(pgx.ErrNoRows)

		_, err := NewOutboxRepository(mock).MarkFailed(context.Background(), id, lease, "timeout", next)
		assert.ErrorIs(t, err, domainErrors.ErrClaimLost)
	})
}

func TestOutboxRepository_ReclaimStuck(t *testing.T) {
	mock := newMock(t)
	cutoff := time.Now().Add(-2 * time.Minute)
	mock.ExpectExec(`UPDATE outbox SET status = 'PENDING'.+status = 'IN_FLIGHT' AND claimed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := NewOutboxRepository(mock).ReclaimStuck(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestOutboxRepository_Get_NotFound(t *testing.T) {
	mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery("SELECT .+ FROM outbox WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := NewOutboxRepository(mock).Get(context.Background(), id)
	assert.ErrorIs(t, err, domainErrors.ErrOutboxRecordNotFound)
}

func TestOutboxRepository_Redrive(t *testing.T) {
	id := uuid.New()
	at := time.Now()

	t.Run("failed record", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE outbox SET status = 'PENDING', retry_count = 0`).
			WithArgs(id, at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewOutboxRepository(mock).Redrive(context.Background(), id, at))
	})

	t.Run("pending record", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("UPDATE outbox SET status = 'PENDING', retry_count = 0").
			WithArgs(id, at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .+ FROM outbox WHERE id").
			WithArgs(id).
			WillReturnRows(mock.NewRows(outboxColumnNames).AddRow(outboxRow(id, "PENDING", at)...))

		err := NewOutboxRepository(mock).Redrive(context.Background(), id, at)
		assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
	})

	t.Run("missing record", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("UPDATE outbox SET status = 'PENDING', retry_count = 0").
			WithArgs(id, at).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT .+ FROM outbox WHERE id").WithArgs(id).WillReturnError(pgx.ErrNoRows)

		err := NewOutboxRepository(mock).Redrive(context.Background(), id, at)
		assert.ErrorIs(t, err, domainErrors.ErrOutboxRecordNotFound)
	})
}

// --- Inbox ---

func TestInboxRepository_Begin(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"first delivery", 1, true},
		{"already seen", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectExec(`INSERT INTO inbox .+ ON CONFLICT \(message_id\) DO NOTHING`).
				WithArgs("msg-1").
				WillReturnResult(pgxmock.NewResult("INSERT", tt.affected))

			claimed, err := NewInboxRepository(mock).Begin(context.Background(), "msg-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, claimed)
		})
	}
}

func TestInboxRepository_Begin_StorageError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO inbox").WithArgs("msg-1").WillReturnError(errors.New("connection reset"))

	claimed, err := NewInboxRepository(mock).Begin(context.Background(), "msg-1")
	require.Error(t, err)
	assert.False(t, claimed)
}

func TestInboxRepository_MarkProcessed(t *testing.T) {
	t.Run("in progress", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`UPDATE inbox SET status = 'PROCESSED'`).
			WithArgs("msg-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, NewInboxRepository(mock).MarkProcessed(context.Background(), "msg-1"))
	})

	t.Run("already processed is a no-op", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("UPDATE inbox SET status = 'PROCESSED'").
			WithArgs("msg-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM inbox").
			WithArgs("msg-1").
			WillReturnRows(mock.NewRows([]string{"status"}).AddRow("PROCESSED"))

		require.NoError(t, NewInboxRepository(mock).MarkProcessed(context.Background(), "msg-1"))
	})

	t.Run("failed record", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("UPDATE inbox SET status = 'PROCESSED'").
			WithArgs("msg-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM inbox").
			WithArgs("msg-1").
			WillReturnRows(mock.NewRows([]string{"status"}).AddRow("FAILED"))

		err := NewInboxRepository(mock).MarkProcessed(context.Background(), "msg-1")
		assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
	})

	t.Run("missing record", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec("UPDATE inbox SET status = 'PROCESSED'").
			WithArgs("msg-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))
		mock.ExpectQuery("SELECT status FROM inbox").WithArgs("msg-1").WillReturnError(pgx.ErrNoRows)

		err := NewInboxRepository(mock).MarkProcessed(context.Background(), "msg-1")
		assert.ErrorIs(t, err, domainErrors.ErrInboxRecordNotFound)
	})
}

func TestInboxRepository_RecordFailure(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`UPDATE inbox SET status = 'FAILED', attempts = attempts \+ 1`).
		WithArgs("msg-1", "handler exploded").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := NewInboxRepository(mock).RecordFailure(context.Background(), "msg-1", errors.New("handler exploded"))
	require.NoError(t, err)
}

func TestInboxRepository_IsProcessed(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("msg-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	processed, err := NewInboxRepository(mock).IsProcessed(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestInboxRepository_Reset(t *testing.T) {
	staleBefore := time.Now().Add(-15 * time.Minute)

	t.Run("failed or stale record is deleted", func(t *testing.T) {
		mock := newMock(t)
		mock.ExpectExec(`DELETE FROM inbox WHERE message_id = \$1\s+AND \(status = 'FAILED' OR \(status = 'IN_PROGRESS' AND first_seen_at < \$2\)\)`).
			WithArgs("msg-1", staleBefore).
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		require.NoError(t, NewInboxRepository(mock).Reset(context.Background(), "msg-1", staleBefore))
	})

	for _, status := range []string{"PROCESSED", "IN_PROGRESS"} {
		t.Run(status+" record is kept", func(t *testing.T) {
			mock := newMock(t)
			mock.ExpectExec("DELETE FROM inbox").
				WithArgs("msg-1", staleBefore).
				WillReturnResult(pgxmock.NewResult("DELETE", 0))
			mock.ExpectQuery("SELECT status FROM inbox").
				WithArgs("msg-1").
				WillReturnRows(mock.NewRows([]string{"status"}).AddRow(status))

			err := NewInboxRepository(mock).Reset(context.Background(), "msg-1", staleBefore)
			assert.ErrorIs(t, err, domainErrors.ErrInvalidStateTransition)
		})
	}
}

func TestInboxRepository_Release(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`DELETE FROM inbox WHERE message_id = \$1 AND status = 'IN_PROGRESS'`).
		WithArgs("msg-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, NewInboxRepository(mock).Release(context.Background(), "msg-1"))
}

func TestInboxRepository_Get(t *testing.T) {
	mock := newMock(t)
	seen := time.Now()
	mock.ExpectQuery("SELECT .+ FROM inbox WHERE message_id").
		WithArgs("msg-1").
		WillReturnRows(mock.NewRows([]string{
			"message_id", "status", "attempts", "first_seen_at", "last_attempt_at", "processed_at", "last_error",
		}).AddRow("msg-1", "IN_PROGRESS", 0, seen, nil, nil, nil))

	rec, err := NewInboxRepository(mock).Get(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", rec.MessageID)
	assert.Equal(t, inbox.StatusInProgress, rec.Status)
	assert.Nil(t, rec.ProcessedAt)
}

// --- Idempotency ---

func TestIdempotencyRepository_Get(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM idempotency_records\s+WHERE idempotency_key = \$1 AND expires_at > NOW\(\)`).
		WithArgs("k1").
		WillReturnRows(mock.NewRows([]string{
			"idempotency_key", "request_hash", "response_status", "content_type", "response_body", "created_at", "expires_at",
		}).AddRow("k1", "abc", 201, "application/json", []byte(`{"id":"1"}`), now, now.Add(time.Hour)))

	records, err := NewIdempotencyRepository(mock).Get(context.Background(), "k1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "abc", records[0].RequestHash)
	assert.Equal(t, 201, records[0].ResponseStatus)
	assert.Equal(t, []byte(`{"id":"1"}`), records[0].ResponseBody)
}

func TestIdempotencyRepository_Save(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	rec := &idempotency.Record{
		Key: "k1", RequestHash: "abc", ResponseStatus: 201, ContentType: "application/json",
		ResponseBody: []byte(`{}`), CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}
	mock.ExpectExec(`INSERT INTO idempotency_records .+ ON CONFLICT \(idempotency_key, request_hash\) DO UPDATE`).
		WithArgs("k1", "abc", 201, "application/json", []byte(`{}`), now, rec.ExpiresAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewIdempotencyRepository(mock).Save(context.Background(), rec))
}

func TestIdempotencyRepository_DeleteExpired(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	mock.ExpectExec("DELETE FROM idempotency_records WHERE expires_at <= ").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := NewIdempotencyRepository(mock).DeleteExpired(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

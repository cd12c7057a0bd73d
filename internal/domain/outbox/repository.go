package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Append stores a new PENDING record. It must run inside the caller's transaction.
	Append(ctx context.Context, record *Record) error

	// Claim atomically moves up to limit due PENDING records to IN_FLIGHT and returns them
	// ordered by CreatedAt. Concurrent callers never receive the same record.
	Claim(ctx context.Context, limit int, workerID string, now time.Time) ([]*Record, error)

	// MarkDispatched moves a record still IN_FLIGHT under lease to DISPATCHED.
	// It returns ErrClaimLost once the claim was reclaimed or settled.
	MarkDispatched(ctx context.Context, id uuid.UUID, lease Lease, brokerMessageID string, at time.Time) error

	// MarkFailed increments the retry count of a record still IN_FLIGHT under lease and
	// returns its new status: FAILED once the ceiling is reached, PENDING (due at
	// nextAttemptAt) otherwise. It returns ErrClaimLost like MarkDispatched.
	MarkFailed(ctx context.Context, id uuid.UUID, lease Lease, cause string, nextAttemptAt time.Time) (Status, error)

	// ReclaimStuck returns IN_FLIGHT records claimed before the cutoff to PENDING.
	ReclaimStuck(ctx context.Context, claimedBefore time.Time) (int64, error)

	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// Redrive resets a FAILED or DISPATCHED record to PENDING with a zero retry count.
	Redrive(ctx context.Context, id uuid.UUID, at time.Time) error
}

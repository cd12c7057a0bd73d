package inbox

import (
	"context"
	"time"
	"unicode/utf8"
)

// MaxErrorLength bounds the stored LastError text.
const MaxErrorLength = 1024

// Record tracks one broker message id on the consuming side. Its existence is
// what marks the message as claimed.
type Record struct {
	MessageID     string
	Status        Status
	Attempts      int
	FirstSeenAt   time.Time
	LastAttemptAt *time.Time
	ProcessedAt   *time.Time
	LastError     *string
}

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusInProgress, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// TruncateError returns the error text clipped to at most MaxErrorLength
// bytes. The cut never splits a UTF-8 sequence.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	n := MaxErrorLength
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}

type Repository interface {
	// Begin inserts an IN_PROGRESS record. It returns true only for the caller whose
	// insert created the row; every other caller gets false.
	Begin(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed moves an IN_PROGRESS record to PROCESSED. Calling it again is a no-op.
	MarkProcessed(ctx context.Context, messageID string) error

	// RecordFailure increments attempts, stores the error and moves the record to FAILED.
	RecordFailure(ctx context.Context, messageID string, cause error) error

	IsProcessed(ctx context.Context, messageID string) (bool, error)
	Get(ctx context.Context, messageID string) (*Record, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// Reset deletes a FAILED record, or an IN_PROGRESS one first seen before
	// staleBefore, so the message id can be claimed again. An IN_PROGRESS record
	// that old was orphaned by a consumer that stopped mid-message.
	Reset(ctx context.Context, messageID string, staleBefore time.Time) error

	// Release deletes an IN_PROGRESS record, giving up a claim whose handler was
	// interrupted so the redelivery is processed. Missing records are ignored.
	Release(ctx context.Context, messageID string) error
}

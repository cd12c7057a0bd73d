// Package errors holds the sentinels shared by the outbox, the inbox and the
// idempotency cache. Callers wrap them with %w and match with errors.Is.
package errors

import (
	"errors"
	"fmt"
)

// Outbox
var (
	ErrOutboxRecordNotFound = errors.New("outbox record not found")
	// ErrTransactionRequired is returned by Append outside a unit of work.
	ErrTransactionRequired = errors.New("outbox append requires an active transaction")
	// ErrTransientPublish marks broker failures worth another attempt,
	// including calls rejected by an open circuit breaker.
	ErrTransientPublish = errors.New("transient publish failure")
	// ErrInvalidStateTransition is returned by conditional updates that found
	// the record in a different status than expected.
	ErrInvalidStateTransition = errors.New("invalid state transition")
	// ErrClaimLost is returned when a dispatcher settles a record it no
	// longer holds: the claim was reclaimed, possibly by a peer.
	ErrClaimLost = errors.New("outbox claim lost")
)

// Inbox
var (
	ErrInboxRecordNotFound = errors.New("inbox record not found")
	ErrPoisonMessage       = errors.New("poison message")
	ErrNoHandler           = errors.New("no handler registered for subject")
)

// Idempotency and locking
var (
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused with a different request")
	ErrLockContention         = errors.New("idempotency key is locked by an in-flight request")
	ErrLockNotHeld            = errors.New("lock not held")
)

// Input
var (
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError carries a stable machine code next to a human message.
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error { return e.Err }

func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// ValidationError names the offending input field. It matches
// ErrValidationFailed under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

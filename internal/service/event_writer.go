package service

import (
	"context"
	"fmt"
	"time"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/outbox"
)

// EventWriter records domain events in the outbox.
type EventWriter struct {
	outboxRepo outbox.Repository
	txManager  TransactionManager
	maxRetries int
	now        func() time.Time
}

// NewEventWriter creates a new EventWriter. maxRetries <= 0 keeps the record default.
func NewEventWriter(outboxRepo outbox.Repository, txManager TransactionManager, maxRetries int) *EventWriter {
	return &EventWriter{
		outboxRepo: outboxRepo,
		txManager:  txManager,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Append stores the event in the caller's transaction, so it commits or rolls
// back together with the business change. It never talks to the broker and
// fails with ErrTransactionRequired when ctx carries no transaction.
func (w *EventWriter) Append(ctx context.Context, req AppendEventRequest) (*outbox.Record, error) {
	if err := validateAppend(req); err != nil {
		return nil, err
	}

	rec := outbox.NewRecord(req.AggregateType, req.AggregateID, req.EventType, req.Payload, w.now())
	if w.maxRetries > 0 {
		rec.MaxRetries = w.maxRetries
	}
	if err := w.outboxRepo.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("append %s event: %w", req.EventType, err)
	}
	return rec, nil
}

// Emit appends the event in a transaction of its own. It serves callers whose
// business change is the event itself.
func (w *EventWriter) Emit(ctx context.Context, req AppendEventRequest) (*outbox.Record, error) {
	var rec *outbox.Record
	err := w.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		var err error
		rec, err = w.Append(txCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func validateAppend(req AppendEventRequest) error {
	switch {
	case req.AggregateType == "":
		return domainErrors.NewValidationError("aggregate_type", "is required")
	case req.AggregateID == "":
		return domainErrors.NewValidationError("aggregate_id", "is required")
	case req.EventType == "":
		return domainErrors.NewValidationError("event_type", "is required")
	}
	return nil
}

package service

import (
	"context"
	"errors"
	"testing"

	domainErrors "github.com/cassiomorais/courier/internal/domain/errors"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validAppend() AppendEventRequest {
	return AppendEventRequest{
		AggregateType: "order",
		AggregateID:   "ord_1",
		EventType:     "order.created",
		Payload:       []byte(`{}`),
	}
}

func TestEventWriter_AppendRequiresTransaction(t *testing.T) {
	f := newFixture()

	_, err := f.writer.Append(context.Background(), validAppend())

	assert.ErrorIs(t, err, domainErrors.ErrTransactionRequired)
	assert.Zero(t, f.outbox.Count())
}

func TestEventWriter_AppendValidation(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(*AppendEventRequest)
		field string
	}{
		{"missing aggregate type", func(r *AppendEventRequest) { r.AggregateType = "" }, "aggregate_type"},
		{"missing aggregate id", func(r *AppendEventRequest) { r.AggregateID = "" }, "aggregate_id"},
		{"missing event type", func(r *AppendEventRequest) { r.EventType = "" }, "event_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := validAppend()
			tt.mod(&req)

			_, err := f.writer.Emit(context.Background(), req)

			var vErr *domainErrors.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
			assert.Zero(t, f.outbox.Count())
		})
	}
}

func TestEventWriter_EmitStoresPendingRecord(t *testing.T) {
	f := newFixture()

	rec, err := f.writer.Emit(context.Background(), validAppend())
	require.NoError(t, err)

	stored, err := f.outbox.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, stored.Status)
	assert.Equal(t, 3, stored.MaxRetries)
	assert.Equal(t, testStart, stored.CreatedAt)
	assert.Equal(t, testStart, stored.NextAttemptAt)
	assert.Zero(t, f.publisher.Calls(), "appending never publishes")
}

func TestEventWriter_RollbackDiscardsEvent(t *testing.T) {
	f := newFixture()
	businessErr := errors.New("insufficient stock")

	err := f.tx.WithTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := f.writer.Append(ctx, validAppend()); err != nil {
			return err
		}
		return businessErr
	})

	assert.ErrorIs(t, err, businessErr)
	assert.Zero(t, f.outbox.Count())
}

func TestEventWriter_AppendJoinsCallerTransaction(t *testing.T) {
	f := newFixture()

	err := f.tx.WithTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := f.writer.Append(ctx, validAppend()); err != nil {
			return err
		}
		_, err := f.writer.Emit(ctx, validAppend())
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, 2, f.outbox.Count())
}

package controller

import (
	"encoding/json"
	"time"

	"github.com/cassiomorais/courier/internal/domain/inbox"
	"github.com/cassiomorais/courier/internal/domain/outbox"
)

// --- Request DTOs ---
// Controllers convert these to service layer DTOs before calling business logic.

// AppendEventRequest holds the input for POST /api/v1/events.
type AppendEventRequest struct {
	AggregateType string          `json:"aggregate_type" validate:"required,max=255"`
	AggregateID   string          `json:"aggregate_id" validate:"required,max=255"`
	EventType     string          `json:"event_type" validate:"required,max=255"`
	Payload       json.RawMessage `json:"payload" validate:"required"`
}

// --- Response DTOs ---

type OutboxRecordResponse struct {
	ID              string          `json:"id"`
	AggregateType   string          `json:"aggregate_type"`
	AggregateID     string          `json:"aggregate_id"`
	EventType       string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	CreatedAt       time.Time       `json:"created_at"`
	NextAttemptAt   time.Time       `json:"next_attempt_at"`
	DispatchedAt    *time.Time      `json:"dispatched_at,omitempty"`
	BrokerMessageID *string         `json:"broker_message_id,omitempty"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	ClaimedBy       *string         `json:"claimed_by,omitempty"`
	LastError       *string         `json:"last_error,omitempty"`
}

type InboxRecordResponse struct {
	MessageID     string     `json:"message_id"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

func FromOutboxRecord(r *outbox.Record) *OutboxRecordResponse {
	resp := &OutboxRecordResponse{
		ID:              r.ID.String(),
		AggregateType:   r.AggregateType,
		AggregateID:     r.AggregateID,
		EventType:       r.EventType,
		Status:          string(r.Status),
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		CreatedAt:       r.CreatedAt,
		NextAttemptAt:   r.NextAttemptAt,
		DispatchedAt:    r.DispatchedAt,
		BrokerMessageID: r.BrokerMessageID,
		ClaimedAt:       r.ClaimedAt,
		ClaimedBy:       r.ClaimedBy,
		LastError:       r.LastError,
	}
	// Payloads are opaque bytes; only embed them raw when they are JSON.
	if json.Valid(r.Payload) {
		resp.Payload = r.Payload
	} else if r.Payload != nil {
		quoted, _ := json.Marshal(r.Payload)
		resp.Payload = quoted
	}
	return resp
}

func FromInboxRecord(r *inbox.Record) *InboxRecordResponse {
	return &InboxRecordResponse{
		MessageID:     r.MessageID,
		Status:        string(r.Status),
		Attempts:      r.Attempts,
		FirstSeenAt:   r.FirstSeenAt,
		LastAttemptAt: r.LastAttemptAt,
		ProcessedAt:   r.ProcessedAt,
		LastError:     r.LastError,
	}
}

package outbox

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the publish attempt ceiling applied when none is configured.
const DefaultMaxRetries = 5

// Record is a domain event captured in the same transaction as the business
// write that produced it.
type Record struct {
	ID              uuid.UUID
	AggregateType   string
	AggregateID     string
	EventType       string
	Payload         []byte
	Status          Status
	RetryCount      int
	MaxRetries      int
	CreatedAt       time.Time
	DispatchedAt    *time.Time
	BrokerMessageID *string
	NextAttemptAt   time.Time
	ClaimedAt       *time.Time
	ClaimedBy       *string
	LastError       *string
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInFlight   Status = "IN_FLIGHT"
	StatusDispatched Status = "DISPATCHED"
	StatusFailed     Status = "FAILED"
)

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInFlight},
	StatusInFlight:   {StatusDispatched, StatusPending, StatusFailed},
	StatusDispatched: {StatusPending},
	StatusFailed:     {StatusPending},
}

// CanTransitionTo reports whether moving from s to next is allowed.
// DISPATCHED and FAILED only go back to PENDING through an operator redrive.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

func NewRecord(aggregateType, aggregateID, eventType string, payload []byte, now time.Time) *Record {
	return &Record{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		RetryCount:    0,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
}

// Lease identifies one claim on an IN_FLIGHT record. MarkDispatched and
// MarkFailed only apply while the record still carries the same lease, so a
// worker whose claim was reclaimed cannot overwrite a peer's outcome.
type Lease struct {
	WorkerID  string
	ClaimedAt time.Time
}

// Lease returns the record's current claim. Unclaimed records return the zero Lease.
func (r *Record) Lease() Lease {
	var l Lease
	if r.ClaimedBy != nil {
		l.WorkerID = *r.ClaimedBy
	}
	if r.ClaimedAt != nil {
		l.ClaimedAt = *r.ClaimedAt
	}
	return l
}

// Holds reports whether the record is IN_FLIGHT under lease l.
func (r *Record) Holds(l Lease) bool {
	return r.Status == StatusInFlight && r.ClaimedAt != nil && r.ClaimedBy != nil &&
		*r.ClaimedBy == l.WorkerID && r.ClaimedAt.Equal(l.ClaimedAt)
}

// Exhausted reports whether one more failed attempt moves the record to FAILED.
func (r *Record) Exhausted() bool {
	return r.RetryCount+1 >= r.MaxRetries
}

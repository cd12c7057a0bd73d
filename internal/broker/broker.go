// Package broker defines the transport port used by the outbox dispatcher and
// the inbox consumer. Adapters live under internal/infrastructure.
package broker

import "context"

const (
	PropAggregateType = "aggregate_type"
	PropAggregateID   = "aggregate_id"
)

// Message is what the dispatcher hands to a Publisher. ID is the outbox record id
// and doubles as the broker message id so republishes stay deduplicable downstream.
type Message struct {
	ID         string
	Subject    string
	Properties map[string]string
	Payload    []byte
}

type Publisher interface {
	// Publish sends msg and returns the id the broker assigned to it.
	// Callers bound the call with a context deadline.
	Publish(ctx context.Context, msg Message) (string, error)
}

// Delivery is a message received from a Subscriber.
type Delivery struct {
	MessageID  string
	Subject    string
	Properties map[string]string
	Payload    []byte
	// Redelivered is set when the transport knows this is not the first delivery.
	Redelivered bool
}

// Handler processes one delivery. Returning nil acknowledges it; an error leaves
// it unacknowledged so the transport redelivers.
type Handler func(ctx context.Context, d Delivery) error

type Subscriber interface {
	// Subscribe blocks, feeding deliveries to h until ctx is cancelled.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

package testutil

import (
	"sync"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/google/uuid"
)

// Clock is a manually advanced clock. The zero value starts at the Unix epoch;
// use NewClock for a realistic start time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func NewTestRecord(eventType string, payload []byte, now time.Time) *outbox.Record {
	return outbox.NewRecord("order", uuid.NewString(), eventType, payload, now)
}

func NewTestDelivery(subject string, payload []byte) broker.Delivery {
	return broker.Delivery{
		MessageID: uuid.NewString(),
		Subject:   subject,
		Properties: map[string]string{
			broker.PropAggregateType: "order",
			broker.PropAggregateID:   uuid.NewString(),
		},
		Payload: payload,
	}
}

// DeliveryFor builds the delivery a subscriber would produce for msg.
func DeliveryFor(msg broker.Message) broker.Delivery {
	return broker.Delivery{
		MessageID:  msg.ID,
		Subject:    msg.Subject,
		Properties: msg.Properties,
		Payload:    msg.Payload,
	}
}

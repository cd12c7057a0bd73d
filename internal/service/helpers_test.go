package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cassiomorais/courier/internal/broker"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	"github.com/cassiomorais/courier/internal/repository/memory"
	"github.com/cassiomorais/courier/internal/testutil"
	"github.com/cassiomorais/courier/pkg/retry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock     *testutil.Clock
	db        *memory.DB
	tx        *memory.TxManager
	outbox    *memory.OutboxRepository
	inbox     *memory.InboxRepository
	publisher *testutil.MockPublisher
	writer    *EventWriter
}

func newFixture() *fixture {
	clock := testutil.NewClock(testStart)
	db := memory.NewDB(clock.Now)
	f := &fixture{
		clock:     clock,
		db:        db,
		tx:        memory.NewTxManager(db),
		outbox:    memory.NewOutboxRepository(db),
		inbox:     memory.NewInboxRepository(db),
		publisher: testutil.NewMockPublisher(),
	}
	f.writer = NewEventWriter(f.outbox, f.tx, 3)
	f.writer.now = clock.Now
	return f
}

func testDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		WorkerID:       "worker-test",
		PollInterval:   10 * time.Millisecond,
		BatchSize:      10,
		PublishTimeout: time.Second,
		ClaimTimeout:   30 * time.Second,
		Backoff: retry.Config{
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
		},
	}
}

func (f *fixture) dispatcher() *Dispatcher {
	return NewDispatcher(f.outbox, f.publisher, testDispatcherConfig(), zerolog.Nop(), observability.NewNopMetrics()).
		WithClock(f.clock.Now)
}

func (f *fixture) consumer(h func(ctx context.Context, msgID string) error, cfg InboxConsumerConfig) *InboxConsumer {
	return NewInboxConsumer(f.inbox, f.tx, func(ctx context.Context, d broker.Delivery) error {
		return h(ctx, d.MessageID)
	}, cfg, zerolog.Nop(), observability.NewNopMetrics())
}

func (f *fixture) emit(eventType string) uuid.UUID {
	rec, err := f.writer.Emit(context.Background(), AppendEventRequest{
		AggregateType: "order",
		AggregateID:   uuid.NewString(),
		EventType:     eventType,
		Payload:       []byte(`{"total":100}`),
	})
	if err != nil {
		panic(err)
	}
	return rec.ID
}

// flakyOutbox fails the first failDispatched MarkDispatched calls, modelling a
// process that crashed between publish and the status update.
type flakyOutbox struct {
	*memory.OutboxRepository
	mu             sync.Mutex
	failDispatched int
}

func (r *flakyOutbox) MarkDispatched(ctx context.Context, id uuid.UUID, lease outbox.Lease, brokerMessageID string, at time.Time) error {
	r.mu.Lock()
	if r.failDispatched > 0 {
		r.failDispatched--
		r.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.OutboxRepository.MarkDispatched(ctx, id, lease, brokerMessageID, at)
}

// effects counts side effects that commit with the surrounding transaction.
type effects struct {
	mu     sync.Mutex
	counts map[string]int
}

func newEffects() *effects {
	return &effects{counts: make(map[string]int)}
}

func (e *effects) apply(db *memory.DB) func(ctx context.Context, msgID string) error {
	return func(ctx context.Context, msgID string) error {
		db.OnCommit(ctx, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.counts[msgID]++
		})
		return nil
	}
}

func (e *effects) count(msgID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[msgID]
}

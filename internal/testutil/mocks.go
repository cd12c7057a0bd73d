package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/cassiomorais/courier/internal/broker"
)

// --- Publisher Mock ---

// MockPublisher records every successfully published message. PublishFunc, when
// set, decides the outcome of each call.
type MockPublisher struct {
	mu        sync.Mutex
	published []broker.Message
	calls     int

	PublishFunc func(ctx context.Context, msg broker.Message) (string, error)
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) Publish(ctx context.Context, msg broker.Message) (string, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	id := fmt.Sprintf("%d-0", n)
	if m.PublishFunc != nil {
		var err error
		id, err = m.PublishFunc(ctx, msg)
		if err != nil {
			return "", err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	return id, nil
}

// Published returns a copy of the messages published so far.
func (m *MockPublisher) Published() []broker.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.Message, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockPublisher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Transaction Manager Mock ---

// MockTransactionManager is a mock implementation of TransactionManager.
type MockTransactionManager struct {
	WithTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewMockTransactionManager() *MockTransactionManager {
	return &MockTransactionManager{}
}

func (m *MockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.WithTransactionFunc != nil {
		return m.WithTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

// --- Pinger Mock ---

type MockPinger struct {
	PingFunc func(ctx context.Context) error
}

func (m *MockPinger) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	return nil
}

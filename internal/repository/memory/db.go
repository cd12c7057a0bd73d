// Package memory holds in-process implementations of the storage ports. They
// keep the same atomicity guarantees as the Postgres repositories and back the
// service tests.
package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/cassiomorais/courier/internal/domain/inbox"
	"github.com/cassiomorais/courier/internal/domain/outbox"
	"github.com/google/uuid"
)

type state struct {
	outbox map[uuid.UUID]*outbox.Record
	inbox  map[string]*inbox.Record
}

func (s *state) clone() *state {
	return &state{
		outbox: maps.Clone(s.outbox),
		inbox:  maps.Clone(s.inbox),
	}
}

// op mutates a private copy of the state. Records must be copied before they
// are changed so a discarded copy never leaks into the committed one.
type op func(st *state) error

// DB is a single-lock store shared by the memory repositories. Writes made
// inside a transaction are buffered and applied all-or-nothing on commit.
// Reads always see committed state.
type DB struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

func NewDB(now func() time.Time) *DB {
	if now == nil {
		now = time.Now
	}
	return &DB{
		st: &state{
			outbox: make(map[uuid.UUID]*outbox.Record),
			inbox:  make(map[string]*inbox.Record),
		},
		now: now,
	}
}

type txKey struct{}

type tx struct {
	mu    sync.Mutex
	ops   []op
	after []func()
}

func txFromCtx(ctx context.Context) (*tx, bool) {
	t, ok := ctx.Value(txKey{}).(*tx)
	return t, ok
}

func (db *DB) commit(ops []op) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	next := db.st.clone()
	for _, o := range ops {
		if err := o(next); err != nil {
			return err
		}
	}
	db.st = next
	return nil
}

// exec buffers o in the transaction carried by ctx, or commits it right away.
func (db *DB) exec(ctx context.Context, o op) error {
	if t, ok := txFromCtx(ctx); ok {
		t.mu.Lock()
		t.ops = append(t.ops, o)
		t.mu.Unlock()
		return nil
	}
	return db.commit([]op{o})
}

// read runs fn against the committed state under the lock.
func (db *DB) read(fn func(st *state)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	fn(db.st)
}

// OnCommit registers fn to run once the surrounding transaction commits. It
// stands in for a database-local side effect in tests. Outside a transaction fn
// runs immediately.
func (db *DB) OnCommit(ctx context.Context, fn func()) {
	if t, ok := txFromCtx(ctx); ok {
		t.mu.Lock()
		t.after = append(t.after, fn)
		t.mu.Unlock()
		return
	}
	fn()
}

// TxManager runs a function as one unit of work against a DB.
type TxManager struct {
	db *DB
}

func NewTxManager(db *DB) *TxManager {
	return &TxManager{db: db}
}

func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromCtx(ctx); ok {
		return fn(ctx)
	}

	t := &tx{}
	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	if err := m.db.commit(t.ops); err != nil {
		return err
	}
	for _, fn := range t.after {
		fn()
	}
	return nil
}

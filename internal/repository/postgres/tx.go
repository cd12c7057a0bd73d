package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type txKey struct{}

// DBTX is what repositories query through: a pool, a connection or a pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DB can also open transactions. *pgxpool.Pool and pgxmock satisfy it.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxManager is the unit of work shared by the outbox append and the inbox
// consumer. The transaction travels in the context, so repositories built on
// the pool pick it up through ConnFromCtx.
type TxManager struct {
	db DB
}

func NewTxManager(db DB) *TxManager {
	return &TxManager{db: db}
}

// WithTransaction commits when fn returns nil and rolls back otherwise,
// including when fn panics. A context that already carries a transaction
// joins it instead of nesting.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := TxFromCtx(ctx); ok {
		return fn(ctx)
	}

	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	// Rollback must run even if the caller's context was cancelled mid-flight.
	rollbackCtx := context.WithoutCancel(ctx)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(rollbackCtx)
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// TxFromCtx returns the transaction carried by ctx, if any.
func TxFromCtx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// ConnFromCtx prefers the context's transaction over db.
func ConnFromCtx(ctx context.Context, db DBTX) DBTX {
	if tx, ok := TxFromCtx(ctx); ok {
		return tx
	}
	return db
}

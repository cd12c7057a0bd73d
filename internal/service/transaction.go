package service

import "context"

// TransactionManager is the unit of work. EventWriter appends only inside one,
// and InboxConsumer commits a handler's local writes together with the
// PROCESSED mark through it. postgres.TxManager and memory.TxManager
// implement it.
type TransactionManager interface {
	// WithTransaction commits when fn returns nil and rolls back otherwise.
	// fn must use the context it is given.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Package store defines the storage contract shared by every credit ledger
// backend.
package store

import (
	"context"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
)

// Store is the unified storage interface for accounts and transactions.
type Store interface {
	account.Store
	transaction.Store

	// WithAccountLock acquires the account's exclusive lock, blocking until
	// it is available, and runs fn with the freshly read account. Writes
	// made through tx commit together when fn returns nil and are discarded
	// otherwise; the lock is released on every exit path. If the account
	// does not exist, ErrAccountNotFound is returned and fn is not called.
	WithAccountLock(ctx context.Context, accountID id.AccountID, fn func(ctx context.Context, acct *account.Account, tx Tx) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the unit of work handed to WithAccountLock.
type Tx interface {
	// GetTransaction re-reads a transaction inside the unit of work.
	GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error)

	// UpdateAccount persists the locked account's balance and timestamps.
	UpdateAccount(ctx context.Context, a *account.Account) error

	// UpdateTransaction persists a settlement, under the same PENDING
	// precondition as transaction.Store.
	UpdateTransaction(ctx context.Context, t *transaction.Transaction) error
}

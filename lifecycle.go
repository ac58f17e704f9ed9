package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Writer persists settlements. Both store.Store and the store.Tx handed to
// WithAccountLock satisfy it.
type Writer interface {
	GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error)
	UpdateTransaction(ctx context.Context, t *transaction.Transaction) error
}

// Lifecycle creates transactions and moves them through the state machine
// PENDING → COMPLETED | FAILED.
type Lifecycle struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
}

func newLifecycle(s store.Store, plugins *plugin.Registry, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{store: s, plugins: plugins, logger: logger}
}

// CreateCredit creates a PENDING credit. See create.
func (m *Lifecycle) CreateCredit(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, description, key string) (*transaction.Transaction, bool, error) {
	return m.create(ctx, accountID, transaction.TypeCredit, amount, description, key)
}

// CreateDebit creates a PENDING debit. See create.
func (m *Lifecycle) CreateDebit(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, description, key string) (*transaction.Transaction, bool, error) {
	return m.create(ctx, accountID, transaction.TypeDebit, amount, description, key)
}

// create returns the transaction bound to key when one exists, with
// created=false, whatever its status. Otherwise it persists a new PENDING
// transaction. Losing an insert race on the key is not an error: the
// winner's row is returned.
func (m *Lifecycle) create(ctx context.Context, accountID id.AccountID, typ transaction.Type, amount decimal.Decimal, description, key string) (*transaction.Transaction, bool, error) {
	if err := types.ValidateAmount(amount); err != nil {
		return nil, false, invalidAmount(err)
	}
	if len(key) > transaction.MaxIdempotencyKeyLength {
		return nil, false, ValidationError{Field: "idempotency_key", Message: "too long"}
	}

	if key != "" {
		existing, err := m.Lookup(ctx, key)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return nil, false, err
		}
	}

	if _, err := m.store.GetAccount(ctx, accountID); err != nil {
		return nil, false, err
	}

	t := transaction.New(accountID, typ, amount, description, key)
	if err := m.store.CreateTransaction(ctx, t); err != nil {
		if key != "" && errors.Is(err, ErrDuplicateTransaction) {
			existing, lookupErr := m.Lookup(ctx, key)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("credits: fetch transaction for key %q: %w", key, lookupErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("credits: create transaction: %w", err)
	}

	m.logger.Debug("transaction created",
		"transaction_id", t.ID.String(),
		"account_id", accountID.String(),
		"type", string(typ),
		"amount", types.FormatAmount(amount),
	)
	m.plugins.EmitTransactionCreated(ctx, t)

	return t, true, nil
}

// Complete marks t COMPLETED and persists it through w. Call it only after
// the balance change has been written through the same unit of work.
func (m *Lifecycle) Complete(ctx context.Context, w Writer, t *transaction.Transaction) error {
	if !transaction.CanTransition(t.Status, transaction.StatusCompleted) {
		return &InvalidTransactionStateError{TransactionID: t.ID, Current: t.Status, Target: transaction.StatusCompleted}
	}

	next := t.Clone()
	now := types.Now()
	next.Status = transaction.StatusCompleted
	next.CompletedAt = &now
	next.UpdatedAt = now

	if err := w.UpdateTransaction(ctx, next); err != nil {
		return m.stateError(ctx, w, err, t, transaction.StatusCompleted)
	}
	*t = *next
	return nil
}

// Fail marks t FAILED with reason and persists it through w.
func (m *Lifecycle) Fail(ctx context.Context, w Writer, t *transaction.Transaction, reason string) error {
	if !transaction.CanTransition(t.Status, transaction.StatusFailed) {
		return &InvalidTransactionStateError{TransactionID: t.ID, Current: t.Status, Target: transaction.StatusFailed}
	}

	next := t.Clone()
	next.Status = transaction.StatusFailed
	next.FailureReason = reason
	next.UpdatedAt = types.Now()

	if err := w.UpdateTransaction(ctx, next); err != nil {
		return m.stateError(ctx, w, err, t, transaction.StatusFailed)
	}
	*t = *next
	return nil
}

// Settled publishes a committed settlement to plugins. It must run after
// the unit of work that settled t has committed and released the lock.
func (m *Lifecycle) Settled(ctx context.Context, t *transaction.Transaction) {
	switch t.Status {
	case transaction.StatusCompleted:
		m.logger.Info("transaction completed",
			"transaction_id", t.ID.String(),
			"account_id", t.AccountID.String(),
			"type", string(t.Type),
			"amount", types.FormatAmount(t.Amount),
		)
		m.plugins.EmitTransactionCompleted(ctx, t)
	case transaction.StatusFailed:
		m.logger.Warn("transaction failed",
			"transaction_id", t.ID.String(),
			"account_id", t.AccountID.String(),
			"type", string(t.Type),
			"reason", t.FailureReason,
		)
		m.plugins.EmitTransactionFailed(ctx, t)
	}
}

// stateError turns a store-level PENDING precondition failure into an
// InvalidTransactionStateError carrying the stored status.
func (m *Lifecycle) stateError(ctx context.Context, w Writer, err error, t *transaction.Transaction, target transaction.Status) error {
	if !errors.Is(err, ErrInvalidTransactionState) {
		return fmt.Errorf("credits: settle transaction %s: %w", t.ID, err)
	}
	current := t.Status
	if stored, getErr := w.GetTransaction(ctx, t.ID); getErr == nil {
		current = stored.Status
	}
	return &InvalidTransactionStateError{TransactionID: t.ID, Current: current, Target: target}
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// Get returns a transaction by ID.
func (m *Lifecycle) Get(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	return m.store.GetTransaction(ctx, txID)
}

// Lookup returns the transaction bound to an idempotency key.
func (m *Lifecycle) Lookup(ctx context.Context, key string) (*transaction.Transaction, error) {
	return m.store.GetTransactionByIdempotencyKey(ctx, key)
}

// List returns an account's transactions, newest first.
func (m *Lifecycle) List(ctx context.Context, accountID id.AccountID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	return m.store.ListTransactions(ctx, accountID, opts)
}

// ListPending returns expired PENDING transactions, oldest first.
func (m *Lifecycle) ListPending(ctx context.Context, opts transaction.PendingOpts) ([]*transaction.Transaction, error) {
	return m.store.ListPendingTransactions(ctx, opts)
}

// Package plugin provides an extensible plugin system for the credit ledger.
// Plugins hook into account, transaction and reconciliation events. Hooks
// run after the ledger has committed the change they describe, so a slow or
// failing plugin can never alter a balance or a settlement.
package plugin

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/transaction"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened is called when an account is lazily opened.
type OnAccountOpened interface {
	Plugin
	OnAccountOpened(ctx context.Context, acct *account.Account) error
}

// OnBalanceInsufficient is called when a debit is rejected, either on the
// unlocked fast path or under the account lock.
type OnBalanceInsufficient interface {
	Plugin
	OnBalanceInsufficient(ctx context.Context, externalID string, balance, requested decimal.Decimal) error
}

// ──────────────────────────────────────────────────
// Transaction hooks
// ──────────────────────────────────────────────────

// OnTransactionCreated is called when a PENDING transaction is persisted.
type OnTransactionCreated interface {
	Plugin
	OnTransactionCreated(ctx context.Context, tx *transaction.Transaction) error
}

// OnTransactionCompleted is called after a settlement to COMPLETED commits.
// Notification publishers hang off this hook.
type OnTransactionCompleted interface {
	Plugin
	OnTransactionCompleted(ctx context.Context, tx *transaction.Transaction) error
}

// OnTransactionFailed is called after a settlement to FAILED commits.
type OnTransactionFailed interface {
	Plugin
	OnTransactionFailed(ctx context.Context, tx *transaction.Transaction) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnReconcileCompleted is called at the end of every sweep cycle.
type OnReconcileCompleted interface {
	Plugin
	OnReconcileCompleted(ctx context.Context, scanned, completed, failed int, elapsed time.Duration) error
}

// OnReconcileItemFailed is called when a single transaction could not be
// reconciled because of an unexpected error.
type OnReconcileItemFailed interface {
	Plugin
	OnReconcileItemFailed(ctx context.Context, txID string, err error) error
}

// Package audithook bridges credit ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnAccountOpened        = (*Extension)(nil)
	_ plugin.OnBalanceInsufficient  = (*Extension)(nil)
	_ plugin.OnTransactionCreated   = (*Extension)(nil)
	_ plugin.OnTransactionCompleted = (*Extension)(nil)
	_ plugin.OnTransactionFailed    = (*Extension)(nil)
	_ plugin.OnReconcileCompleted   = (*Extension)(nil)
	_ plugin.OnReconcileItemFailed  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// It matches chronicle.Emitter; callers inject the concrete emitter at
// wiring time.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (e *Extension) OnAccountOpened(ctx context.Context, acct *account.Account) error {
	return e.record(ctx, ActionAccountOpened, SeverityInfo, OutcomeSuccess,
		ResourceAccount, acct.ID.String(), CategoryLedger, nil,
		"external_id", acct.ExternalID,
		"name", acct.Name,
	)
}

// OnBalanceInsufficient implements plugin.OnBalanceInsufficient.
func (e *Extension) OnBalanceInsufficient(ctx context.Context, externalID string, balance, requested decimal.Decimal) error {
	return e.record(ctx, ActionBalanceInsufficient, SeverityWarning, OutcomeFailure,
		ResourceAccount, externalID, CategoryAccess, nil,
		"external_id", externalID,
		"balance", types.FormatAmount(balance),
		"requested", types.FormatAmount(requested),
	)
}

// ──────────────────────────────────────────────────
// Transaction hooks
// ──────────────────────────────────────────────────

// OnTransactionCreated implements plugin.OnTransactionCreated.
func (e *Extension) OnTransactionCreated(ctx context.Context, tx *transaction.Transaction) error {
	return e.record(ctx, ActionTransactionCreated, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, tx.ID.String(), CategoryLedger, nil,
		transactionMeta(tx)...,
	)
}

// OnTransactionCompleted implements plugin.OnTransactionCompleted.
func (e *Extension) OnTransactionCompleted(ctx context.Context, tx *transaction.Transaction) error {
	return e.record(ctx, ActionTransactionCompleted, SeverityInfo, OutcomeSuccess,
		ResourceTransaction, tx.ID.String(), CategoryLedger, nil,
		transactionMeta(tx)...,
	)
}

// OnTransactionFailed implements plugin.OnTransactionFailed.
func (e *Extension) OnTransactionFailed(ctx context.Context, tx *transaction.Transaction) error {
	return e.record(ctx, ActionTransactionFailed, SeverityWarning, OutcomeFailure,
		ResourceTransaction, tx.ID.String(), CategoryLedger, errors.New(tx.FailureReason),
		transactionMeta(tx)...,
	)
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnReconcileCompleted implements plugin.OnReconcileCompleted.
func (e *Extension) OnReconcileCompleted(ctx context.Context, scanned, completed, failed int, elapsed time.Duration) error {
	outcome := OutcomeSuccess
	if scanned > completed+failed {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionReconcileCompleted, SeverityInfo, outcome,
		ResourceReconcile, "", CategoryReconcile, nil,
		"scanned", scanned,
		"completed", completed,
		"failed", failed,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnReconcileItemFailed implements plugin.OnReconcileItemFailed.
func (e *Extension) OnReconcileItemFailed(ctx context.Context, txID string, err error) error {
	return e.record(ctx, ActionReconcileItemFailed, SeverityError, OutcomeFailure,
		ResourceTransaction, txID, CategoryReconcile, err,
		"transaction_id", txID,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func transactionMeta(tx *transaction.Transaction) []any {
	return []any{
		"account_id", tx.AccountID.String(),
		"type", string(tx.Type),
		"amount", types.FormatAmount(tx.Amount),
		"status", string(tx.Status),
	}
}

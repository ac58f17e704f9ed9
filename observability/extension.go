// Package observability provides a metrics extension for the credit ledger
// that records lifecycle event counts via a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/transaction"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnInit                 = (*MetricsExtension)(nil)
	_ plugin.OnAccountOpened        = (*MetricsExtension)(nil)
	_ plugin.OnBalanceInsufficient  = (*MetricsExtension)(nil)
	_ plugin.OnTransactionCreated   = (*MetricsExtension)(nil)
	_ plugin.OnTransactionCompleted = (*MetricsExtension)(nil)
	_ plugin.OnTransactionFailed    = (*MetricsExtension)(nil)
	_ plugin.OnReconcileCompleted   = (*MetricsExtension)(nil)
	_ plugin.OnReconcileItemFailed  = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide ledger metrics.
// Register it as a plugin to automatically track credit metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Account metrics
	AccountsOpened      Counter
	InsufficientBalance Counter

	// Transaction metrics
	TransactionsCreated   Counter
	CreditsCompleted      Counter
	DebitsCompleted       Counter
	TransactionsFailed    Counter
	CreditedAmount        Counter
	DebitedAmount         Counter
	TransactionAmount     Histogram
	SettlementLatency     Histogram
	ReconcileCycles       Counter
	ReconcileScanned      Counter
	ReconcileCompleted    Counter
	ReconcileFailed       Counter
	ReconcileItemFailures Counter
	ReconcileLatency      Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		AccountsOpened:      factory.Counter("credits.account.opened"),
		InsufficientBalance: factory.Counter("credits.account.insufficient_balance"),

		TransactionsCreated: factory.Counter("credits.transaction.created"),
		CreditsCompleted:    factory.Counter("credits.transaction.credit.completed"),
		DebitsCompleted:     factory.Counter("credits.transaction.debit.completed"),
		TransactionsFailed:  factory.Counter("credits.transaction.failed"),
		CreditedAmount:      factory.Counter("credits.transaction.credit.amount"),
		DebitedAmount:       factory.Counter("credits.transaction.debit.amount"),
		TransactionAmount:   factory.Histogram("credits.transaction.amount"),
		SettlementLatency:   factory.Histogram("credits.transaction.settlement.latency_ms"),

		ReconcileCycles:       factory.Counter("credits.reconcile.cycles"),
		ReconcileScanned:      factory.Counter("credits.reconcile.scanned"),
		ReconcileCompleted:    factory.Counter("credits.reconcile.completed"),
		ReconcileFailed:       factory.Counter("credits.reconcile.failed"),
		ReconcileItemFailures: factory.Counter("credits.reconcile.item.failures"),
		ReconcileLatency:      factory.Histogram("credits.reconcile.latency_ms"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ interface{}) error {
	return nil
}

// ──────────────────────────────────────────────────
// Account hooks
// ──────────────────────────────────────────────────

// OnAccountOpened implements plugin.OnAccountOpened.
func (m *MetricsExtension) OnAccountOpened(_ context.Context, _ *account.Account) error {
	m.AccountsOpened.Inc()
	return nil
}

// OnBalanceInsufficient implements plugin.OnBalanceInsufficient.
func (m *MetricsExtension) OnBalanceInsufficient(_ context.Context, _ string, _, _ decimal.Decimal) error {
	m.InsufficientBalance.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Transaction hooks
// ──────────────────────────────────────────────────

// OnTransactionCreated implements plugin.OnTransactionCreated.
func (m *MetricsExtension) OnTransactionCreated(_ context.Context, _ *transaction.Transaction) error {
	m.TransactionsCreated.Inc()
	return nil
}

// OnTransactionCompleted implements plugin.OnTransactionCompleted.
func (m *MetricsExtension) OnTransactionCompleted(_ context.Context, tx *transaction.Transaction) error {
	amount := tx.Amount.InexactFloat64()
	switch tx.Type {
	case transaction.TypeCredit:
		m.CreditsCompleted.Inc()
		m.CreditedAmount.Add(amount)
	case transaction.TypeDebit:
		m.DebitsCompleted.Inc()
		m.DebitedAmount.Add(amount)
	}
	m.TransactionAmount.Observe(amount)
	if tx.CompletedAt != nil {
		m.SettlementLatency.Observe(float64(tx.CompletedAt.Sub(tx.CreatedAt).Milliseconds()))
	}
	return nil
}

// OnTransactionFailed implements plugin.OnTransactionFailed.
func (m *MetricsExtension) OnTransactionFailed(_ context.Context, _ *transaction.Transaction) error {
	m.TransactionsFailed.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnReconcileCompleted implements plugin.OnReconcileCompleted.
func (m *MetricsExtension) OnReconcileCompleted(_ context.Context, scanned, completed, failed int, elapsed time.Duration) error {
	m.ReconcileCycles.Inc()
	m.ReconcileScanned.Add(float64(scanned))
	m.ReconcileCompleted.Add(float64(completed))
	m.ReconcileFailed.Add(float64(failed))
	m.ReconcileLatency.Observe(float64(elapsed.Milliseconds()))
	return nil
}

// OnReconcileItemFailed implements plugin.OnReconcileItemFailed.
func (m *MetricsExtension) OnReconcileItemFailed(_ context.Context, _ string, _ error) error {
	m.ReconcileItemFailures.Inc()
	return nil
}

package audithook

// Action constants for audit events.
const (
	// Account actions
	ActionAccountOpened       = "account.opened"
	ActionBalanceInsufficient = "account.balance_insufficient"

	// Transaction actions
	ActionTransactionCreated   = "transaction.created"
	ActionTransactionCompleted = "transaction.completed"
	ActionTransactionFailed    = "transaction.failed"

	// Reconciliation actions
	ActionReconcileCompleted  = "reconcile.completed"
	ActionReconcileItemFailed = "reconcile.item_failed"
)

// Resource constants for audit events.
const (
	ResourceAccount     = "account"
	ResourceTransaction = "transaction"
	ResourceReconcile   = "reconcile"
)

// Category constants for audit events.
const (
	CategoryLedger    = "ledger"
	CategoryReconcile = "reconciliation"
	CategoryAccess    = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomePartial = "partial"
)

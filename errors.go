package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("credits: not found")
	ErrAlreadyExists = errors.New("credits: already exists")
	ErrInvalidInput  = errors.New("credits: invalid input")

	// Account errors
	ErrAccountNotFound     = errors.New("credits: account not found")
	ErrAccountExists       = errors.New("credits: account already exists")
	ErrInvalidAmount       = errors.New("credits: invalid amount")
	ErrInsufficientBalance = errors.New("credits: insufficient balance")

	// Transaction errors
	ErrTransactionNotFound     = errors.New("credits: transaction not found")
	ErrDuplicateTransaction    = errors.New("credits: duplicate transaction")
	ErrInvalidTransactionState = errors.New("credits: invalid transaction state")

	// Reconciliation errors
	ErrReconcileItemFailed = errors.New("credits: reconciliation item failed")
	ErrReconcileInProgress = errors.New("credits: reconciliation cycle already running")

	// Store errors
	ErrStoreClosed = errors.New("credits: store is closed")
)

// Machine-readable error codes for boundary layers.
const (
	CodeNotFound                = "NOT_FOUND"
	CodeInvalidAmount           = "INVALID_AMOUNT"
	CodeInvalidInput            = "INVALID_INPUT"
	CodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	CodeDuplicateTransaction    = "DUPLICATE_TRANSACTION"
	CodeInvalidTransactionState = "INVALID_TRANSACTION_STATE"
	CodeReconcileItemFailed     = "RECONCILIATION_ITEM_FAILED"
	CodeInternal                = "INTERNAL"
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("credits: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// InsufficientBalanceError reports a debit the balance cannot cover.
// TransactionID is set when the rejection happened under the account lock
// and the debit was recorded as FAILED.
type InsufficientBalanceError struct {
	AccountID     string
	TransactionID id.TransactionID
	Current       decimal.Decimal
	Requested     decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("credits: account %s has insufficient balance: current=%s, requested=%s",
		e.AccountID, types.FormatAmount(e.Current), types.FormatAmount(e.Requested))
}

// Unwrap lets errors.Is match ErrInsufficientBalance.
func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DuplicateTransactionError reports an idempotency key already bound to a
// transaction that does not match the request.
type DuplicateTransactionError struct {
	IdempotencyKey string
	ExistingID     id.TransactionID
}

func (e *DuplicateTransactionError) Error() string {
	return fmt.Sprintf("credits: idempotency key %q already used by transaction %s", e.IdempotencyKey, e.ExistingID)
}

// Unwrap lets errors.Is match ErrDuplicateTransaction.
func (e *DuplicateTransactionError) Unwrap() error { return ErrDuplicateTransaction }

// InvalidTransactionStateError reports an illegal state transition.
type InvalidTransactionStateError struct {
	TransactionID id.TransactionID
	Current       transaction.Status
	Target        transaction.Status
}

func (e *InvalidTransactionStateError) Error() string {
	return fmt.Sprintf("credits: transaction %s is %s, cannot move to %s", e.TransactionID, e.Current, e.Target)
}

// Unwrap lets errors.Is match ErrInvalidTransactionState.
func (e *InvalidTransactionStateError) Unwrap() error { return ErrInvalidTransactionState }

// ReconcileItemError wraps the failure of a single transaction during a
// sweep. It never aborts the sweep.
type ReconcileItemError struct {
	TransactionID id.TransactionID
	Err           error
}

func (e *ReconcileItemError) Error() string {
	return fmt.Sprintf("credits: reconcile transaction %s: %v", e.TransactionID, e.Err)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *ReconcileItemError) Unwrap() []error { return []error{ErrReconcileItemFailed, e.Err} }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "credits: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("credits: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

// IsInsufficientBalance returns true if the error is a rejected debit.
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

// Code maps an error to its machine-readable code. Nil maps to "".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconcileItemFailed):
		return CodeReconcileItemFailed
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrDuplicateTransaction):
		return CodeDuplicateTransaction
	case errors.Is(err, ErrInvalidTransactionState):
		return CodeInvalidTransactionState
	default:
		return CodeInternal
	}
}

// invalidAmount wraps an amount validation failure.
func invalidAmount(err error) error {
	return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
}

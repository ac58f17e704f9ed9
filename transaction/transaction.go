// Package transaction defines ledger transaction records and their state
// machine.
package transaction

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Type is the direction of a balance change.
type Type string

const (
	TypeCredit Type = "CREDIT"
	TypeDebit  Type = "DEBIT"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	return t == TypeCredit || t == TypeDebit
}

// Status is the settlement state of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from one status to another is legal.
// PENDING may settle to COMPLETED or FAILED; terminal states are final.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.IsTerminal()
}

// MaxIdempotencyKeyLength bounds caller-supplied keys.
const MaxIdempotencyKeyLength = 100

// Transaction records one attempt to change an account balance. Amount and
// Type never change after creation; CompletedAt and FailureReason are
// written once, on settlement.
type Transaction struct {
	types.Entity
	ID             id.TransactionID `json:"id"`
	AccountID      id.AccountID     `json:"account_id"`
	Type           Type             `json:"type"`
	Amount         decimal.Decimal  `json:"amount"`
	Description    string           `json:"description"`
	Status         Status           `json:"status"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
}

// New returns a PENDING transaction for the given account.
func New(accountID id.AccountID, typ Type, amount decimal.Decimal, description, key string) *Transaction {
	return &Transaction{
		Entity:         types.NewEntity(),
		ID:             id.NewTransactionID(),
		AccountID:      accountID,
		Type:           typ,
		Amount:         amount,
		Description:    description,
		Status:         StatusPending,
		IdempotencyKey: key,
	}
}

// IsPending reports whether the transaction still awaits settlement.
func (t *Transaction) IsPending() bool {
	return t.Status == StatusPending
}

// SignedAmount returns the amount with the sign of its effect on the balance.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Type == TypeDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// Clone returns a copy that shares no pointers with t.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

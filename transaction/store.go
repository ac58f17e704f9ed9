package transaction

import (
	"context"
	"time"

	"github.com/xraph/credits/id"
)

// Store persists transactions.
//
// UpdateTransaction writes a settlement and succeeds only while the stored
// record is still PENDING, so two settlers racing on the same transaction
// cannot both win.
type Store interface {
	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, txID id.TransactionID) (*Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error
	ListTransactions(ctx context.Context, accountID id.AccountID, opts ListOpts) ([]*Transaction, error)
	ListPendingTransactions(ctx context.Context, opts PendingOpts) ([]*Transaction, error)
}

// ListOpts filters an account's history. Results are newest first. The
// creation-time range applies only when both Start and End are set.
type ListOpts struct {
	Start  time.Time
	End    time.Time
	Type   Type
	Status Status
	Limit  int
	Offset int
}

// HasRange reports whether a creation-time range filter is in effect.
func (o ListOpts) HasRange() bool {
	return !o.Start.IsZero() && !o.End.IsZero()
}

// PendingOpts selects PENDING transactions created before Cutoff, oldest
// first. AfterCreatedAt and AfterID form a keyset cursor: when AfterID is
// set, only rows strictly after (AfterCreatedAt, AfterID) are returned.
type PendingOpts struct {
	Cutoff         time.Time
	AfterCreatedAt time.Time
	AfterID        id.TransactionID
	Limit          int
}

// After advances the cursor past t.
func (o PendingOpts) After(t *Transaction) PendingOpts {
	o.AfterCreatedAt = t.CreatedAt
	o.AfterID = t.ID
	return o
}

// Matches reports whether t satisfies the filter. Backends that evaluate
// filters in memory use it; SQL and document stores express the same
// predicate natively.
func (o ListOpts) Matches(t *Transaction) bool {
	if o.Type != "" && t.Type != o.Type {
		return false
	}
	if o.Status != "" && t.Status != o.Status {
		return false
	}
	if o.HasRange() && (t.CreatedAt.Before(o.Start) || t.CreatedAt.After(o.End)) {
		return false
	}
	return true
}

// Matches reports whether t is selected by the pending query.
func (o PendingOpts) Matches(t *Transaction) bool {
	if t.Status != StatusPending || !t.CreatedAt.Before(o.Cutoff) {
		return false
	}
	if o.AfterID.IsNil() {
		return true
	}
	if t.CreatedAt.Equal(o.AfterCreatedAt) {
		return t.ID.Compare(o.AfterID) > 0
	}
	return t.CreatedAt.After(o.AfterCreatedAt)
}

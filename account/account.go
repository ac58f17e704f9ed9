// Package account defines the partner credit account aggregate.
package account

import (
	"github.com/shopspring/decimal"

	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

// Account is a partner's credit balance. The balance is only ever changed
// while the account's exclusive lock is held.
type Account struct {
	types.Entity
	ID         id.AccountID    `json:"id"`
	ExternalID string          `json:"external_id"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
}

// Open returns a new zero-balance account for the given external identifier.
func Open(externalID, name string) *Account {
	if name == "" {
		name = DefaultName(externalID)
	}
	return &Account{
		Entity:     types.NewEntity(),
		ID:         id.NewAccountID(),
		ExternalID: externalID,
		Name:       name,
		Balance:    decimal.Zero,
	}
}

// DefaultName is the display name given to lazily opened accounts.
func DefaultName(externalID string) string {
	return "partner-" + externalID
}

// Covers reports whether the balance can absorb a debit of amount.
func (a *Account) Covers(amount decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}

// Credit adds amount to the balance.
func (a *Account) Credit(amount decimal.Decimal) {
	a.Balance = a.Balance.Add(amount)
	a.Touch()
}

// Debit subtracts amount from the balance. Callers check Covers first.
func (a *Account) Debit(amount decimal.Decimal) {
	a.Balance = a.Balance.Sub(amount)
	a.Touch()
}

package credits

import (
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Re-export common types for convenience so users don't have to import the
// leaf packages.

// Account is re-exported from the account package.
type Account = account.Account

// Transaction is re-exported from the transaction package.
type Transaction = transaction.Transaction

// Entity is re-exported from types package.
type Entity = types.Entity

// Transaction types and statuses.
const (
	TypeCredit = transaction.TypeCredit
	TypeDebit  = transaction.TypeDebit

	StatusPending   = transaction.StatusPending
	StatusCompleted = transaction.StatusCompleted
	StatusFailed    = transaction.StatusFailed
)

// Re-export amount helpers.
var (
	ParseAmount  = types.ParseAmount
	MustAmount   = types.MustAmount
	FormatAmount = types.FormatAmount
)

// Re-export Entity constructor
var NewEntity = types.NewEntity

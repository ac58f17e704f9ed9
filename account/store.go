package account

import (
	"context"

	"github.com/xraph/credits/id"
)

// Store persists accounts. Balance writes go through the locked unit of
// work in the store package, never through this interface.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, accountID id.AccountID) (*Account, error)
	GetAccountByExternalID(ctx context.Context, externalID string) (*Account, error)
}

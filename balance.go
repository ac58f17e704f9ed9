package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
)

// History paging defaults.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Balance is a partner account's current balance.
type Balance struct {
	AccountID  string          `json:"account_id"`
	Name       string          `json:"name"`
	Balance    decimal.Decimal `json:"balance"`
	LastUpdate time.Time       `json:"last_update"`
}

// HistoryQuery selects a page of an account's transactions. Start and End
// bound the creation time inclusively and apply only when both are set.
type HistoryQuery struct {
	Start    time.Time
	End      time.Time
	Type     transaction.Type
	Status   transaction.Status
	Page     int // zero-based
	PageSize int // DefaultPageSize when zero
}

// Page is one page of transaction history, newest first.
type Page struct {
	Transactions []*transaction.Transaction `json:"transactions"`
	Page         int                        `json:"page"`
	PageSize     int                        `json:"page_size"`
	HasNext      bool                       `json:"has_next"`
}

// GetBalance returns a partner's balance, opening the account with a zero
// balance if it does not exist yet.
func (e *Engine) GetBalance(ctx context.Context, externalID string) (*Balance, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ValidationError{Field: "account_id", Message: "required"}
	}

	acct, err := e.openAccount(ctx, externalID)
	if err != nil {
		return nil, err
	}

	return &Balance{
		AccountID:  acct.ExternalID,
		Name:       acct.Name,
		Balance:    acct.Balance,
		LastUpdate: acct.UpdatedAt,
	}, nil
}

// ListTransactions returns a page of a partner's transactions, newest
// first. Unknown accounts fail with ErrAccountNotFound.
func (e *Engine) ListTransactions(ctx context.Context, externalID string, q HistoryQuery) (*Page, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, ValidationError{Field: "account_id", Message: "required"}
	}
	if q.Page < 0 {
		return nil, ValidationError{Field: "page", Message: "must not be negative"}
	}
	switch {
	case q.PageSize == 0:
		q.PageSize = DefaultPageSize
	case q.PageSize < 0 || q.PageSize > MaxPageSize:
		return nil, ValidationError{Field: "page_size", Message: fmt.Sprintf("must be between 1 and %d", MaxPageSize)}
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.Start.After(q.End) {
		return nil, ValidationError{Field: "start_time", Message: "must not be after end_time"}
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, ValidationError{Field: "type", Message: fmt.Sprintf("unknown type %q", q.Type)}
	}

	acct, err := e.store.GetAccountByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}

	// One extra row tells us whether another page exists.
	txs, err := e.lifecycle.List(ctx, acct.ID, transaction.ListOpts{
		Start:  q.Start,
		End:    q.End,
		Type:   q.Type,
		Status: q.Status,
		Limit:  q.PageSize + 1,
		Offset: q.Page * q.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("credits: list transactions: %w", err)
	}

	page := &Page{Page: q.Page, PageSize: q.PageSize}
	if len(txs) > q.PageSize {
		page.HasNext = true
		txs = txs[:q.PageSize]
	}
	if txs == nil {
		txs = []*transaction.Transaction{}
	}
	page.Transactions = txs

	return page, nil
}

// GetTransaction returns a transaction by ID.
func (e *Engine) GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	return e.lifecycle.Get(ctx, txID)
}

// openAccount returns the account for externalID, creating it when absent.
// Concurrent callers in this process share one creation; callers in other
// processes race on the external ID's uniqueness and the loser re-reads.
func (e *Engine) openAccount(ctx context.Context, externalID string) (*account.Account, error) {
	acct, err := e.store.GetAccountByExternalID(ctx, externalID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	// The flight is shared, so one caller's cancellation must not fail the rest.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := e.opening.Do(externalID, func() (any, error) {
		a := account.Open(externalID, "")
		if err := e.store.CreateAccount(ctx, a); err != nil {
			if errors.Is(err, ErrAccountExists) {
				return e.store.GetAccountByExternalID(ctx, externalID)
			}
			return nil, fmt.Errorf("credits: open account %q: %w", externalID, err)
		}

		e.logger.Info("account opened",
			"account_id", a.ID.String(),
			"external_id", externalID,
		)
		e.plugins.EmitAccountOpened(ctx, a)

		return a, nil
	})
	if err != nil {
		return nil, err
	}

	shared := *v.(*account.Account) //nolint:forcetypeassert // the flight only returns *account.Account
	return &shared, nil
}

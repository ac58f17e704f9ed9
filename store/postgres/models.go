package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// ==================== Account models ====================

const accountColumns = `id, external_id, name, balance::text, created_at, updated_at`

type accountModel struct {
	ID         string
	ExternalID string
	Name       string
	Balance    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (m *accountModel) dest() []any {
	return []any{&m.ID, &m.ExternalID, &m.Name, &m.Balance, &m.CreatedAt, &m.UpdatedAt}
}

func toAccountModel(a *account.Account) *accountModel {
	return &accountModel{
		ID:         a.ID.String(),
		ExternalID: a.ExternalID,
		Name:       a.Name,
		Balance:    a.Balance.StringFixed(types.AmountScale),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func fromAccountModel(m *accountModel) (*account.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	balance, err := decimal.NewFromString(m.Balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", m.Balance, err)
	}
	return &account.Account{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:         accountID,
		ExternalID: m.ExternalID,
		Name:       m.Name,
		Balance:    balance,
	}, nil
}

func scanAccount(row pgx.Row) (*account.Account, error) {
	var m accountModel
	if err := row.Scan(m.dest()...); err != nil {
		return nil, err
	}
	return fromAccountModel(&m)
}

// ==================== Transaction models ====================

const transactionColumns = `id, account_id, type, amount::text, description, status,
	COALESCE(idempotency_key, ''), completed_at, failure_reason, created_at, updated_at`

type transactionModel struct {
	ID             string
	AccountID      string
	Type           string
	Amount         string
	Description    string
	Status         string
	IdempotencyKey string
	CompletedAt    *time.Time
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (m *transactionModel) dest() []any {
	return []any{
		&m.ID, &m.AccountID, &m.Type, &m.Amount, &m.Description, &m.Status,
		&m.IdempotencyKey, &m.CompletedAt, &m.FailureReason, &m.CreatedAt, &m.UpdatedAt,
	}
}

func toTransactionModel(t *transaction.Transaction) *transactionModel {
	return &transactionModel{
		ID:             t.ID.String(),
		AccountID:      t.AccountID.String(),
		Type:           string(t.Type),
		Amount:         t.Amount.StringFixed(types.AmountScale),
		Description:    t.Description,
		Status:         string(t.Status),
		IdempotencyKey: t.IdempotencyKey,
		CompletedAt:    t.CompletedAt,
		FailureReason:  t.FailureReason,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func fromTransactionModel(m *transactionModel) (*transaction.Transaction, error) {
	txID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse transaction id: %w", err)
	}
	accountID, err := id.ParseAccountID(m.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	amount, err := decimal.NewFromString(m.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", m.Amount, err)
	}

	t := &transaction.Transaction{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:             txID,
		AccountID:      accountID,
		Type:           transaction.Type(m.Type),
		Amount:         amount,
		Description:    m.Description,
		Status:         transaction.Status(m.Status),
		IdempotencyKey: m.IdempotencyKey,
		FailureReason:  m.FailureReason,
	}
	if m.CompletedAt != nil {
		at := m.CompletedAt.UTC()
		t.CompletedAt = &at
	}
	return t, nil
}

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var m transactionModel
	if err := row.Scan(m.dest()...); err != nil {
		return nil, err
	}
	return fromTransactionModel(&m)
}

func collectTransactions(rows pgx.Rows) ([]*transaction.Transaction, error) {
	defer rows.Close()

	result := make([]*transaction.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// nullable maps an empty string to SQL NULL so unkeyed transactions stay
// outside the idempotency key's unique constraint.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xraph/grove"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:credits_accounts"`

	ID         string    `grove:"id,pk"       bson:"_id"`
	ExternalID string    `grove:"external_id" bson:"external_id"`
	Name       string    `grove:"name"        bson:"name"`
	Balance    string    `grove:"balance"     bson:"balance"`
	LockSeq    int64     `grove:"lock_seq"    bson:"lock_seq"`
	CreatedAt  time.Time `grove:"created_at"  bson:"created_at"`
	UpdatedAt  time.Time `grove:"updated_at"  bson:"updated_at"`
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

// ==================== Transaction models ====================

type transactionModel struct {
	grove.BaseModel `grove:"table:credits_transactions"`

	ID             string     `grove:"id,pk"           bson:"_id"`
	AccountID      string     `grove:"account_id"      bson:"account_id"`
	Type           string     `grove:"type"            bson:"type"`
	Amount         string     `grove:"amount"          bson:"amount"`
	Description    string     `grove:"description"     bson:"description"`
	Status         string     `grove:"status"          bson:"status"`
	IdempotencyKey string     `grove:"idempotency_key" bson:"idempotency_key,omitempty"`
	CompletedAt    *time.Time `grove:"completed_at"    bson:"completed_at,omitempty"`
	FailureReason  string     `grove:"failure_reason"  bson:"failure_reason"`
	CreatedAt      time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"      bson:"updated_at"`
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

func fromTransactionModels(models []transactionModel) ([]*transaction.Transaction, error) {
	result := make([]*transaction.Transaction, len(models))
	for i := range models {
		t, err := fromTransactionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = t
	}
	return result, nil
}

// Package postgres implements the credits store on PostgreSQL through pgx.
//
// The account lock is a row lock taken with SELECT ... FOR UPDATE inside the
// unit of work, so it blocks until available and is released by the commit
// or rollback that ends the unit of work.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	creditsstore "github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// Constraint names used to tell unique violations apart.
const (
	constraintExternalID     = "credits_accounts_external_id_key"
	constraintIdempotencyKey = "credits_transactions_idempotency_key_key"
	constraintAccountPK      = "credits_accounts_pkey"
	constraintTransactionPK  = "credits_transactions_pkey"
)

// compile-time interface check
var _ creditsstore.Store = (*Store)(nil)

// querier is satisfied by both the pool and an open pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store on an existing pool. The caller keeps ownership of
// the pool's configuration; Close closes it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and returns a store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: connect: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying pgx pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	m := toAccountModel(a)
	_, err := s.pool.Exec(ctx, `
INSERT INTO credits_accounts (id, external_id, name, balance, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.ExternalID, m.Name, m.Balance, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok && (c == constraintExternalID || c == constraintAccountPK) {
			return credits.ErrAccountExists
		}
		return fmt.Errorf("credits/postgres: create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credits_accounts WHERE id = $1`, accountID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get account: %w", err)
	}
	return a, nil
}

func (s *Store) GetAccountByExternalID(ctx context.Context, externalID string) (*account.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM credits_accounts WHERE external_id = $1`, externalID))
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get account by external id: %w", err)
	}
	return a, nil
}

// ==================== Transaction Store ====================

func (s *Store) CreateTransaction(ctx context.Context, t *transaction.Transaction) error {
	m := toTransactionModel(t)
	_, err := s.pool.Exec(ctx, `
INSERT INTO credits_transactions
    (id, account_id, type, amount, description, status, idempotency_key,
     completed_at, failure_reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.AccountID, m.Type, m.Amount, m.Description, m.Status, nullable(m.IdempotencyKey),
		m.CompletedAt, m.FailureReason, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if c, ok := uniqueViolation(err); ok {
			switch c {
			case constraintIdempotencyKey:
				return credits.ErrDuplicateTransaction
			case constraintTransactionPK:
				return credits.ErrAlreadyExists
			}
		}
		if isForeignKeyViolation(err) {
			return credits.ErrAccountNotFound
		}
		return fmt.Errorf("credits/postgres: create transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	return getTransaction(ctx, s.pool, txID)
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions WHERE idempotency_key = $1`, key))
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get transaction by key: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t *transaction.Transaction) error {
	return updateTransaction(ctx, s.pool, t)
}

func (s *Store) ListTransactions(ctx context.Context, accountID id.AccountID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var (
		where = []string{"account_id = $1"}
		args  = []any{accountID.String()}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Type != "" {
		where = append(where, "type = "+arg(string(opts.Type)))
	}
	if opts.Status != "" {
		where = append(where, "status = "+arg(string(opts.Status)))
	}
	if opts.HasRange() {
		where = append(where, "created_at BETWEEN "+arg(opts.Start)+" AND "+arg(opts.End))
	}

	query := `SELECT ` + transactionColumns + ` FROM credits_transactions WHERE ` +
		strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET " + arg(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (s *Store) ListPendingTransactions(ctx context.Context, opts transaction.PendingOpts) ([]*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM credits_transactions
WHERE status = 'PENDING' AND created_at < $1`
	args := []any{opts.Cutoff}

	if !opts.AfterID.IsNil() {
		query += ` AND (created_at, id) > ($2, $3)`
		args = append(args, opts.AfterCreatedAt, opts.AfterID.String())
	}
	query += ` ORDER BY created_at, id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("credits/postgres: list pending transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ==================== Account lock ====================

// WithAccountLock runs fn inside a database transaction holding the
// account's row lock.
func (s *Store) WithAccountLock(ctx context.Context, accountID id.AccountID, fn func(ctx context.Context, acct *account.Account, tx creditsstore.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		acct, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM credits_accounts WHERE id = $1 FOR UPDATE`, accountID.String()))
		if err != nil {
			if isNoRows(err) {
				return credits.ErrAccountNotFound
			}
			return fmt.Errorf("credits/postgres: lock account: %w", err)
		}
		return fn(ctx, acct, &unitOfWork{tx: tx, accountID: accountID})
	})
}

// unitOfWork writes through the open transaction holding the lock.
type unitOfWork struct {
	tx        pgx.Tx
	accountID id.AccountID
}

func (u *unitOfWork) GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	return getTransaction(ctx, u.tx, txID)
}

func (u *unitOfWork) UpdateAccount(ctx context.Context, a *account.Account) error {
	if a.ID != u.accountID {
		return credits.ErrAccountNotFound
	}
	m := toAccountModel(a)
	tag, err := u.tx.Exec(ctx,
		`UPDATE credits_accounts SET balance = $2, name = $3, updated_at = $4 WHERE id = $1`,
		m.ID, m.Balance, m.Name, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("credits/postgres: update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return credits.ErrAccountNotFound
	}
	return nil
}

func (u *unitOfWork) UpdateTransaction(ctx context.Context, t *transaction.Transaction) error {
	return updateTransaction(ctx, u.tx, t)
}

// ==================== Shared queries ====================

func getTransaction(ctx context.Context, q querier, txID id.TransactionID) (*transaction.Transaction, error) {
	t, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM credits_transactions WHERE id = $1`, txID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("credits/postgres: get transaction: %w", err)
	}
	return t, nil
}

// updateTransaction writes a settlement only while the row is PENDING.
func updateTransaction(ctx context.Context, q querier, t *transaction.Transaction) error {
	m := toTransactionModel(t)
	tag, err := q.Exec(ctx, `
UPDATE credits_transactions
SET status = $2, completed_at = $3, failure_reason = $4, updated_at = $5
WHERE id = $1 AND status = 'PENDING'`,
		m.ID, m.Status, m.CompletedAt, m.FailureReason, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("credits/postgres: update transaction: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = q.QueryRow(ctx, `SELECT status FROM credits_transactions WHERE id = $1`, m.ID).Scan(&status)
	if err != nil {
		if isNoRows(err) {
			return credits.ErrTransactionNotFound
		}
		return fmt.Errorf("credits/postgres: update transaction: %w", err)
	}
	return credits.ErrInvalidTransactionState
}

// ==================== Helpers ====================

// isNoRows checks if an error wraps pgx.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// uniqueViolation reports the violated constraint of a unique_violation.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

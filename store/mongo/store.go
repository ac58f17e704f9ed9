// Package mongo implements the credits store on MongoDB via Grove ORM.
//
// The account lock is a write to the account document inside a
// multi-document transaction. A concurrent unit of work on the same account
// hits a write conflict and is retried by the driver until the first one
// commits, so the deployment must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	creditsstore "github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// Collection name constants.
const (
	colAccounts     = "credits_accounts"
	colTransactions = "credits_transactions"
)

// Index names used to tell duplicate key errors apart.
const (
	idxExternalID     = "credits_accounts_external_id"
	idxIdempotencyKey = "credits_transactions_idempotency_key"
)

// compile-time interface check
var _ creditsstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for the credits collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(ctx context.Context, a *account.Account) error {
	_, err := s.mdb.NewInsert(toAccountModel(a)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAccountExists
		}
		return fmt.Errorf("credits/mongo: create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*account.Account, error) {
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": accountID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get account: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) GetAccountByExternalID(ctx context.Context, externalID string) (*account.Account, error) {
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"external_id": externalID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get account by external id: %w", err)
	}
	return fromAccountModel(&m)
}

// ==================== Transaction Store ====================

func (s *Store) CreateTransaction(ctx context.Context, t *transaction.Transaction) error {
	// Documents have no foreign keys; check the owner exists first.
	n, err := s.mdb.Collection(colAccounts).CountDocuments(ctx, bson.M{"_id": t.AccountID.String()})
	if err != nil {
		return fmt.Errorf("credits/mongo: create transaction: %w", err)
	}
	if n == 0 {
		return credits.ErrAccountNotFound
	}

	_, err = s.mdb.NewInsert(toTransactionModel(t)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), idxIdempotencyKey) {
				return credits.ErrDuplicateTransaction
			}
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create transaction: %w", err)
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	return s.getTransaction(ctx, txID)
}

func (s *Store) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	var m transactionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"idempotency_key": key}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get transaction by key: %w", err)
	}
	return fromTransactionModel(&m)
}

func (s *Store) UpdateTransaction(ctx context.Context, t *transaction.Transaction) error {
	return s.updateTransaction(ctx, t)
}

func (s *Store) ListTransactions(ctx context.Context, accountID id.AccountID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel

	filter := bson.M{"account_id": accountID.String()}
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.HasRange() {
		filter["created_at"] = bson.M{"$gte": opts.Start, "$lte": opts.End}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list transactions: %w", err)
	}
	return fromTransactionModels(models)
}

func (s *Store) ListPendingTransactions(ctx context.Context, opts transaction.PendingOpts) ([]*transaction.Transaction, error) {
	var models []transactionModel

	filter := bson.M{
		"status":     string(transaction.StatusPending),
		"created_at": bson.M{"$lt": opts.Cutoff},
	}
	if !opts.AfterID.IsNil() {
		filter["$or"] = bson.A{
			bson.M{"created_at": bson.M{"$gt": opts.AfterCreatedAt}},
			bson.M{"created_at": opts.AfterCreatedAt, "_id": bson.M{"$gt": opts.AfterID.String()}},
		}
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list pending transactions: %w", err)
	}
	return fromTransactionModels(models)
}

// ==================== Account lock ====================

// WithAccountLock runs fn inside a multi-document transaction that has
// already written the account document.
func (s *Store) WithAccountLock(ctx context.Context, accountID id.AccountID, fn func(ctx context.Context, acct *account.Account, tx creditsstore.Tx) error) error {
	client := s.mdb.Collection(colAccounts).Database().Client()

	sess, err := client.StartSession()
	if err != nil {
		return fmt.Errorf("credits/mongo: start session: %w", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		var m accountModel
		err := s.mdb.Collection(colAccounts).FindOneAndUpdate(ctx,
			bson.M{"_id": accountID.String()},
			bson.M{"$inc": bson.M{"lock_seq": 1}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				return nil, credits.ErrAccountNotFound
			}
			return nil, fmt.Errorf("credits/mongo: lock account: %w", err)
		}

		acct, err := fromAccountModel(&m)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, acct, &unitOfWork{store: s, accountID: accountID})
	})
	return err
}

// unitOfWork writes through the session carried by the callback context.
type unitOfWork struct {
	store     *Store
	accountID id.AccountID
}

func (u *unitOfWork) GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	return u.store.getTransaction(ctx, txID)
}

func (u *unitOfWork) UpdateAccount(ctx context.Context, a *account.Account) error {
	if a.ID != u.accountID {
		return credits.ErrAccountNotFound
	}
	m := toAccountModel(a)
	res, err := u.store.mdb.Collection(colAccounts).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{
			"balance":    m.Balance,
			"name":       m.Name,
			"updated_at": m.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: update account: %w", err)
	}
	if res.MatchedCount == 0 {
		return credits.ErrAccountNotFound
	}
	return nil
}

func (u *unitOfWork) UpdateTransaction(ctx context.Context, t *transaction.Transaction) error {
	return u.store.updateTransaction(ctx, t)
}

// ==================== Shared queries ====================

// getTransaction reads through the raw collection so a session in ctx is
// honoured.
func (s *Store) getTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	var m transactionModel
	err := s.mdb.Collection(colTransactions).FindOne(ctx, bson.M{"_id": txID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get transaction: %w", err)
	}
	return fromTransactionModel(&m)
}

// updateTransaction writes a settlement only while the document is PENDING.
func (s *Store) updateTransaction(ctx context.Context, t *transaction.Transaction) error {
	m := toTransactionModel(t)
	set := bson.M{
		"status":         m.Status,
		"failure_reason": m.FailureReason,
		"updated_at":     m.UpdatedAt,
	}
	if m.CompletedAt != nil {
		set["completed_at"] = *m.CompletedAt
	}

	col := s.mdb.Collection(colTransactions)
	res, err := col.UpdateOne(ctx,
		bson.M{"_id": m.ID, "status": string(transaction.StatusPending)},
		bson.M{"$set": set},
	)
	if err != nil {
		return fmt.Errorf("credits/mongo: update transaction: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := col.CountDocuments(ctx, bson.M{"_id": m.ID})
	if err != nil {
		return fmt.Errorf("credits/mongo: update transaction: %w", err)
	}
	if n == 0 {
		return credits.ErrTransactionNotFound
	}
	return credits.ErrInvalidTransactionState
}

// ==================== Helpers ====================

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for the credits collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys:    bson.D{{Key: "external_id", Value: 1}},
				Options: options.Index().SetName(idxExternalID).SetUnique(true),
			},
		},
		colTransactions: {
			{
				Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
				Options: options.Index().SetName(idxIdempotencyKey).SetUnique(true).SetSparse(true),
			},
			{Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
}

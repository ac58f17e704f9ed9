// Package storetest is a conformance suite every store.Store backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run runs the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"AccountUniqueness", testAccountUniqueness},
		{"IdempotencyKeyUnique", testIdempotencyKeyUnique},
		{"UpdateTransactionRequiresPending", testUpdateRequiresPending},
		{"WithAccountLockCommitsAtomically", testLockCommitsAtomically},
		{"WithAccountLockSerializes", testLockSerializes},
		{"WithAccountLockMissingAccount", testLockMissingAccount},
		{"ListTransactions", testListTransactions},
		{"ListPendingKeyset", testListPendingKeyset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func seed(t *testing.T, s store.Store, externalID string) *account.Account {
	t.Helper()
	a := account.Open(externalID, "")
	require.NoError(t, s.CreateAccount(context.Background(), a))
	return a
}

func newTx(a *account.Account, typ transaction.Type, amount int64, key string) *transaction.Transaction {
	return transaction.New(a.ID, typ, decimal.NewFromInt(amount), "conformance", key)
}

func testAccountUniqueness(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")

	err := s.CreateAccount(ctx, account.Open("p1", ""))
	require.ErrorIs(t, err, credits.ErrAccountExists)

	got, err := s.GetAccountByExternalID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, "partner-p1", got.Name)
	assert.True(t, got.Balance.IsZero())

	byID, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "p1", byID.ExternalID)

	_, err = s.GetAccount(ctx, id.NewAccountID())
	require.ErrorIs(t, err, credits.ErrAccountNotFound)
	_, err = s.GetAccountByExternalID(ctx, "nobody")
	require.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func testIdempotencyKeyUnique(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")

	first := newTx(a, transaction.TypeCredit, 1, "K")
	require.NoError(t, s.CreateTransaction(ctx, first))

	err := s.CreateTransaction(ctx, newTx(a, transaction.TypeDebit, 2, "K"))
	require.ErrorIs(t, err, credits.ErrDuplicateTransaction)

	// Keyless transactions never collide.
	require.NoError(t, s.CreateTransaction(ctx, newTx(a, transaction.TypeCredit, 1, "")))
	require.NoError(t, s.CreateTransaction(ctx, newTx(a, transaction.TypeCredit, 1, "")))

	got, err := s.GetTransactionByIdempotencyKey(ctx, "K")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, transaction.StatusPending, got.Status)

	_, err = s.GetTransactionByIdempotencyKey(ctx, "missing")
	require.ErrorIs(t, err, credits.ErrTransactionNotFound)
}

func testUpdateRequiresPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")

	tx := newTx(a, transaction.TypeCredit, 1, "")
	require.NoError(t, s.CreateTransaction(ctx, tx))

	done := tx.Clone()
	now := time.Now().UTC().Truncate(time.Millisecond)
	done.Status = transaction.StatusCompleted
	done.CompletedAt = &now
	require.NoError(t, s.UpdateTransaction(ctx, done))

	again := tx.Clone()
	again.Status = transaction.StatusFailed
	again.FailureReason = "late"
	require.ErrorIs(t, s.UpdateTransaction(ctx, again), credits.ErrInvalidTransactionState)

	stored, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, stored.Status)
	assert.Empty(t, stored.FailureReason)
	require.NotNil(t, stored.CompletedAt)

	missing := newTx(a, transaction.TypeCredit, 1, "")
	require.ErrorIs(t, s.UpdateTransaction(ctx, missing), credits.ErrTransactionNotFound)
}

func testLockCommitsAtomically(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")

	tx := newTx(a, transaction.TypeCredit, 5, "")
	require.NoError(t, s.CreateTransaction(ctx, tx))

	settle := func(ctx context.Context, acct *account.Account, utx store.Tx) error {
		current, err := utx.GetTransaction(ctx, tx.ID)
		if err != nil {
			return err
		}
		acct.Credit(current.Amount)
		if err := utx.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		current.Status = transaction.StatusCompleted
		return utx.UpdateTransaction(ctx, current)
	}

	errAbort := errors.New("abort")
	err := s.WithAccountLock(ctx, a.ID, func(ctx context.Context, acct *account.Account, utx store.Tx) error {
		if err := settle(ctx, acct, utx); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero(), "aborted unit of work must not write")
	stored, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPending())

	require.NoError(t, s.WithAccountLock(ctx, a.ID, settle))

	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5)))
	stored, err = s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, stored.Status)

	// A second settle of the same transaction is refused and rolls back.
	err = s.WithAccountLock(ctx, a.ID, settle)
	require.ErrorIs(t, err, credits.ErrInvalidTransactionState)
	got, err = s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(5)))
}

func testLockSerializes(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")

	const workers = 20
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithAccountLock(ctx, a.ID, func(ctx context.Context, acct *account.Account, utx store.Tx) error {
				acct.Credit(decimal.NewFromInt(1))
				return utx.UpdateAccount(ctx, acct)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(workers)), "balance %s", got.Balance)
}

func testLockMissingAccount(t *testing.T, s store.Store) {
	called := false
	err := s.WithAccountLock(context.Background(), id.NewAccountID(), func(context.Context, *account.Account, store.Tx) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, credits.ErrAccountNotFound)
	assert.False(t, called)
}

func testListTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")
	other := seed(t, s, "p2")

	var created []*transaction.Transaction
	for i := range 4 {
		typ := transaction.TypeCredit
		if i%2 == 1 {
			typ = transaction.TypeDebit
		}
		tx := newTx(a, typ, int64(i+1), "")
		require.NoError(t, s.CreateTransaction(ctx, tx))
		created = append(created, tx)
		time.Sleep(2 * time.Millisecond)
	}
	require.NoError(t, s.CreateTransaction(ctx, newTx(other, transaction.TypeCredit, 9, "")))

	all, err := s.ListTransactions(ctx, a.ID, transaction.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, created[3].ID, all[0].ID, "newest first")
	assert.Equal(t, created[0].ID, all[3].ID)

	page, err := s.ListTransactions(ctx, a.ID, transaction.ListOpts{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, created[2].ID, page[0].ID)
	assert.Equal(t, created[1].ID, page[1].ID)

	debits, err := s.ListTransactions(ctx, a.ID, transaction.ListOpts{Type: transaction.TypeDebit})
	require.NoError(t, err)
	assert.Len(t, debits, 2)

	ranged, err := s.ListTransactions(ctx, a.ID, transaction.ListOpts{
		Start: created[1].CreatedAt,
		End:   created[2].CreatedAt,
	})
	require.NoError(t, err)
	require.Len(t, ranged, 2, "range bounds are inclusive")

	none, err := s.ListTransactions(ctx, a.ID, transaction.ListOpts{Status: transaction.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListPendingKeyset(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := seed(t, s, "p1")

	var created []*transaction.Transaction
	for range 5 {
		tx := newTx(a, transaction.TypeCredit, 1, "")
		require.NoError(t, s.CreateTransaction(ctx, tx))
		created = append(created, tx)
		time.Sleep(2 * time.Millisecond)
	}
	settled := created[1].Clone()
	settled.Status = transaction.StatusCompleted
	require.NoError(t, s.UpdateTransaction(ctx, settled))

	opts := transaction.PendingOpts{Cutoff: time.Now().Add(time.Minute), Limit: 2}
	var seen []string
	for {
		page, err := s.ListPendingTransactions(ctx, opts)
		require.NoError(t, err)
		for _, tx := range page {
			seen = append(seen, tx.ID.String())
		}
		if len(page) < opts.Limit {
			break
		}
		opts = opts.After(page[len(page)-1])
	}

	assert.Equal(t, []string{
		created[0].ID.String(),
		created[2].ID.String(),
		created[3].ID.String(),
		created[4].ID.String(),
	}, seen)

	none, err := s.ListPendingTransactions(ctx, transaction.PendingOpts{Cutoff: created[0].CreatedAt, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, none, "cutoff is exclusive")
}

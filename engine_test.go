package credits_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, s store.Store, opts ...credits.Option) *credits.Engine {
	t.Helper()
	if s == nil {
		s = memory.New()
	}
	opts = append([]credits.Option{credits.WithLogger(quietLogger()), credits.WithoutReconciler()}, opts...)
	e := credits.New(s, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
	return e
}

func amt(s string) decimal.Decimal { return types.MustAmount(s) }

func req(accountID, amount, key string) credits.Request {
	return credits.Request{
		AccountID:      accountID,
		Amount:         amt(amount),
		Description:    "test " + amount,
		IdempotencyKey: key,
	}
}

func balanceOf(t *testing.T, e *credits.Engine, accountID string) decimal.Decimal {
	t.Helper()
	b, err := e.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b.Balance
}

func TestCreditConsumeScenario(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	assert.True(t, balanceOf(t, e, "p1").IsZero())

	credit, err := e.AddCredits(ctx, req("p1", "100.00", ""))
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, credit.Status)
	assert.Equal(t, transaction.TypeCredit, credit.Type)
	assert.NotNil(t, credit.CompletedAt)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("100.00")))

	_, err = e.ConsumeCredits(ctx, req("p1", "150.00", ""))
	require.Error(t, err)
	var insufficient *credits.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Current.Equal(amt("100.00")))
	assert.True(t, insufficient.Requested.Equal(amt("150.00")))
	assert.Equal(t, "p1", insufficient.AccountID)
	assert.Equal(t, credits.CodeInsufficientBalance, credits.Code(err))
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("100.00")))

	debit, err := e.ConsumeCredits(ctx, req("p1", "100.00", ""))
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, debit.Status)
	assert.True(t, debit.Amount.Equal(amt("100.00")), "debit records the debited amount")
	assert.True(t, balanceOf(t, e, "p1").IsZero())
}

func TestFastPathRejectionCreatesNoTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.AddCredits(ctx, req("p1", "10.00", ""))
	require.NoError(t, err)

	_, err = e.ConsumeCredits(ctx, req("p1", "10.01", "fast-path"))
	require.True(t, credits.IsInsufficientBalance(err))

	_, err = e.Lifecycle().Lookup(ctx, "fast-path")
	assert.ErrorIs(t, err, credits.ErrTransactionNotFound)

	page, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 1)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.AddCredits(ctx, req("p1", "100.00", ""))
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ConsumeCredits(ctx, req("p1", "60.00", fmt.Sprintf("debit-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case credits.IsInsufficientBalance(err):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("40.00")))
}

func TestManyConcurrentDebitsStayNonNegative(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.AddCredits(ctx, req("p1", "10.00", ""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 25 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = e.ConsumeCredits(ctx, req("p1", "1.00", fmt.Sprintf("k-%d", i)))
		}(i)
	}
	wg.Wait()

	assert.True(t, balanceOf(t, e, "p1").IsZero())

	page, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{
		Type:     transaction.TypeDebit,
		Status:   transaction.StatusCompleted,
		PageSize: credits.MaxPageSize,
	})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 10)
}

func TestIdempotentCreditAppliesOnce(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	first, err := e.AddCredits(ctx, req("p1", "50.00", "K1"))
	require.NoError(t, err)
	second, err := e.AddCredits(ctx, req("p1", "50.00", "K1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, transaction.StatusCompleted, second.Status)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("50.00")))
}

func TestIdempotentDebitAppliesOnce(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.AddCredits(ctx, req("p1", "50.00", ""))
	require.NoError(t, err)

	first, err := e.ConsumeCredits(ctx, req("p1", "30.00", "D1"))
	require.NoError(t, err)

	// The balance no longer covers a second 30.00, but the retry must still
	// return the original transaction.
	second, err := e.ConsumeCredits(ctx, req("p1", "30.00", "D1"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("20.00")))
}

func TestConcurrentSameKeyCreatesOneTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.GetBalance(ctx, "p1")
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := e.AddCredits(ctx, req("p1", "5.00", "same-key"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[tx.ID.String()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("5.00")))
}

func TestConcurrentKeylessCreditsAreDistinct(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := newEngine(t, nil, credits.WithKeyGenerator(idempotency.NewGenerator(func() time.Time { return frozen })))

	_, err := e.GetBalance(ctx, "p1")
	require.NoError(t, err)

	const n = 200
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]int{}
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := e.AddCredits(ctx, req("p1", "1.00", ""))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[tx.ID.String()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, n)
	assert.True(t, balanceOf(t, e, "p1").Equal(decimal.NewFromInt(n)))
}

type panickingPlugin struct{}

func (panickingPlugin) Name() string { return "panicking" }

func (panickingPlugin) OnTransactionCompleted(context.Context, *transaction.Transaction) error {
	panic("boom")
}

func TestPanickingPluginDoesNotAffectSettlement(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, credits.WithPlugin(panickingPlugin{}))

	tx, err := e.AddCredits(ctx, req("p1", "10.00", "k"))
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, tx.Status)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("10.00")))
}

func TestReusedKeyWithDifferentRequest(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	first, err := e.AddCredits(ctx, req("p1", "50.00", "K1"))
	require.NoError(t, err)

	_, err = e.AddCredits(ctx, req("p1", "75.00", "K1"))
	var dup *credits.DuplicateTransactionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)
	assert.Equal(t, credits.CodeDuplicateTransaction, credits.Code(err))

	_, err = e.ConsumeCredits(ctx, req("p1", "50.00", "K1"))
	require.ErrorIs(t, err, credits.ErrDuplicateTransaction)

	assert.True(t, balanceOf(t, e, "p1").Equal(amt("50.00")))
}

func TestConservation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	ops := []struct {
		credit bool
		amount string
	}{
		{true, "100.00"}, {false, "20.50"}, {true, "0.01"}, {false, "79.51"},
		{true, "12.34"}, {false, "500.00"}, {false, "2.34"},
	}

	want := decimal.Zero
	for _, op := range ops {
		var (
			tx  *transaction.Transaction
			err error
		)
		if op.credit {
			tx, err = e.AddCredits(ctx, req("p1", op.amount, ""))
		} else {
			tx, err = e.ConsumeCredits(ctx, req("p1", op.amount, ""))
		}
		if err != nil {
			require.True(t, credits.IsInsufficientBalance(err), "unexpected error: %v", err)
			continue
		}
		want = want.Add(tx.SignedAmount())
	}

	assert.True(t, balanceOf(t, e, "p1").Equal(want), "balance %s, want %s", balanceOf(t, e, "p1"), want)
	assert.True(t, want.Equal(amt("10.00")))
}

func TestDebitUnknownAccount(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.ConsumeCredits(context.Background(), req("ghost", "1.00", ""))
	require.ErrorIs(t, err, credits.ErrAccountNotFound)
	assert.Equal(t, credits.CodeNotFound, credits.Code(err))

	// Debits never open accounts.
	_, err = e.Store().GetAccountByExternalID(context.Background(), "ghost")
	assert.ErrorIs(t, err, credits.ErrAccountNotFound)
}

func TestRequestValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	tests := []struct {
		name string
		req  credits.Request
		want error
		code string
	}{
		{"zero amount", credits.Request{AccountID: "p1", Amount: decimal.Zero, Description: "x"}, credits.ErrInvalidAmount, credits.CodeInvalidAmount},
		{"negative amount", credits.Request{AccountID: "p1", Amount: decimal.RequireFromString("-1"), Description: "x"}, credits.ErrInvalidAmount, credits.CodeInvalidAmount},
		{"too many decimals", credits.Request{AccountID: "p1", Amount: decimal.RequireFromString("1.001"), Description: "x"}, credits.ErrInvalidAmount, credits.CodeInvalidAmount},
		{"missing account", credits.Request{Amount: amt("1"), Description: "x"}, credits.ErrInvalidInput, credits.CodeInvalidInput},
		{"missing description", credits.Request{AccountID: "p1", Amount: amt("1")}, credits.ErrInvalidInput, credits.CodeInvalidInput},
		{"long key", credits.Request{AccountID: "p1", Amount: amt("1"), Description: "x", IdempotencyKey: string(make([]byte, 101))}, credits.ErrInvalidInput, credits.CodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.AddCredits(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, credits.Code(err))

			_, err = e.ConsumeCredits(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSettledTransactionsNeverChange(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	tx, err := e.AddCredits(ctx, req("p1", "5.00", ""))
	require.NoError(t, err)

	err = e.Lifecycle().Fail(ctx, e.Store(), tx.Clone(), "late failure")
	var stateErr *credits.InvalidTransactionStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, transaction.StatusCompleted, stateErr.Current)
	assert.Equal(t, transaction.StatusFailed, stateErr.Target)

	stored, err := e.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, stored.Status)
	assert.Empty(t, stored.FailureReason)
}

// ──────────────────────────────────────────────────
// Compensation
// ──────────────────────────────────────────────────

var errLockUnavailable = errors.New("lock unavailable")

// lockFailingStore fails every account lock acquisition.
type lockFailingStore struct {
	*memory.Store
}

func (lockFailingStore) WithAccountLock(context.Context, id.AccountID, func(context.Context, *account.Account, store.Tx) error) error {
	return errLockUnavailable
}

func TestFailureMarksTransactionFailed(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, lockFailingStore{memory.New()})

	_, err := e.AddCredits(ctx, req("p1", "5.00", "K-fail"))
	require.ErrorIs(t, err, errLockUnavailable)
	assert.Equal(t, credits.CodeInternal, credits.Code(err))

	stored, err := e.Lifecycle().Lookup(ctx, "K-fail")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "error processing credit")
	assert.Contains(t, stored.FailureReason, errLockUnavailable.Error())
	assert.True(t, balanceOf(t, e, "p1").IsZero())
}

// accountUpdateFailingStore fails the balance write inside the unit of work.
type accountUpdateFailingStore struct {
	*memory.Store
}

type failingTx struct{ store.Tx }

func (failingTx) UpdateAccount(context.Context, *account.Account) error {
	return errors.New("disk full")
}

func (s accountUpdateFailingStore) WithAccountLock(ctx context.Context, accountID id.AccountID, fn func(context.Context, *account.Account, store.Tx) error) error {
	return s.Store.WithAccountLock(ctx, accountID, func(ctx context.Context, acct *account.Account, tx store.Tx) error {
		return fn(ctx, acct, failingTx{tx})
	})
}

func TestFailedBalanceWriteRollsBack(t *testing.T) {
	ctx := context.Background()
	s := accountUpdateFailingStore{memory.New()}
	e := newEngine(t, s)

	_, err := e.AddCredits(ctx, req("p1", "5.00", "K-disk"))
	require.Error(t, err)

	stored, err := e.Lifecycle().Lookup(ctx, "K-disk")
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusFailed, stored.Status)
	assert.Contains(t, stored.FailureReason, "disk full")
	assert.True(t, balanceOf(t, e, "p1").IsZero())
}

func TestCancelledContextAfterCreationStillSettles(t *testing.T) {
	e := newEngine(t, nil)
	_, err := e.GetBalance(context.Background(), "p1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx, err := e.AddCredits(ctx, req("p1", "1.00", ""))
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusCompleted, tx.Status)
}

package credits_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/transaction"
)

// gatedStore holds account creation until released and fails it when the
// creating context is done by then.
type gatedStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) CreateAccount(ctx context.Context, a *account.Account) error {
	close(s.entered)
	<-s.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.CreateAccount(ctx, a)
}

func TestGetBalanceOpensAccountOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	e := newEngine(t, nil, credits.WithPlugin(rec))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := e.GetBalance(ctx, "p1")
			if assert.NoError(t, err) {
				assert.True(t, b.Balance.IsZero())
			}
		}()
	}
	wg.Wait()

	b, err := e.GetBalance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", b.AccountID)
	assert.Equal(t, "partner-p1", b.Name)
	assert.False(t, b.LastUpdate.IsZero())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.opened, 1)
}

func TestGetBalanceOpeningSurvivesCallerCancellation(t *testing.T) {
	gs := &gatedStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, gs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.GetBalance(ctx, "p1")
		done <- err
	}()

	<-gs.entered
	cancel()
	close(gs.release)
	require.NoError(t, <-done)

	b, err := e.GetBalance(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, b.Balance.IsZero())
}

func TestGetBalanceRequiresAccountID(t *testing.T) {
	e := newEngine(t, nil)

	_, err := e.GetBalance(context.Background(), " ")
	require.ErrorIs(t, err, credits.ErrInvalidInput)
}

func TestListTransactionsPaging(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	var ids []string
	for i := range 5 {
		tx, err := e.AddCredits(ctx, req("p1", fmt.Sprintf("%d.00", i+1), ""))
		require.NoError(t, err)
		ids = append(ids, tx.ID.String())
		time.Sleep(2 * time.Millisecond)
	}

	first, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 2)
	assert.True(t, first.HasNext)
	assert.Equal(t, ids[4], first.Transactions[0].ID.String(), "newest first")
	assert.Equal(t, ids[3], first.Transactions[1].ID.String())

	last, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, last.Transactions, 1)
	assert.False(t, last.HasNext)
	assert.Equal(t, ids[0], last.Transactions[0].ID.String())

	beyond, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Page: 10, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, beyond.Transactions)
	assert.NotNil(t, beyond.Transactions)

	def, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, credits.DefaultPageSize, def.PageSize)
	assert.Len(t, def.Transactions, 5)
}

func TestListTransactionsFilters(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.AddCredits(ctx, req("p1", "10.00", ""))
	require.NoError(t, err)
	_, err = e.ConsumeCredits(ctx, req("p1", "4.00", ""))
	require.NoError(t, err)
	_, err = e.ConsumeCredits(ctx, req("p1", "7.00", ""))
	require.Error(t, err)

	debits, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Type: transaction.TypeDebit})
	require.NoError(t, err)
	require.Len(t, debits.Transactions, 1)
	assert.Equal(t, transaction.TypeDebit, debits.Transactions[0].Type)

	// The 7.00 debit was rejected on the fast path and never recorded.
	failed, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Status: transaction.StatusFailed})
	require.NoError(t, err)
	assert.Empty(t, failed.Transactions)

	now := time.Now()
	inRange, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Start: now.Add(-time.Hour), End: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, inRange.Transactions, 2)

	outOfRange, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, outOfRange.Transactions)

	// A single bound is ignored.
	openEnded, err := e.ListTransactions(ctx, "p1", credits.HistoryQuery{Start: now.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, openEnded.Transactions, 2)
}

func TestListTransactionsValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)
	_, err := e.GetBalance(ctx, "p1")
	require.NoError(t, err)

	now := time.Now()
	tests := []struct {
		name string
		q    credits.HistoryQuery
	}{
		{"negative page", credits.HistoryQuery{Page: -1}},
		{"page size too large", credits.HistoryQuery{PageSize: credits.MaxPageSize + 1}},
		{"negative page size", credits.HistoryQuery{PageSize: -5}},
		{"inverted range", credits.HistoryQuery{Start: now, End: now.Add(-time.Minute)}},
		{"unknown type", credits.HistoryQuery{Type: "REFUND"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ListTransactions(ctx, "p1", tt.q)
			require.ErrorIs(t, err, credits.ErrInvalidInput)
		})
	}

	_, err = e.ListTransactions(ctx, "nobody", credits.HistoryQuery{})
	require.ErrorIs(t, err, credits.ErrAccountNotFound)
}

package credits_test

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
	"github.com/xraph/credits/cyclelock"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/transaction"
)

// future makes every existing transaction look older than the default
// reconciliation timeout.
func future() time.Time { return time.Now().Add(time.Hour) }

// openWithBalance opens an account and settles a credit of amount.
func openWithBalance(t *testing.T, e *credits.Engine, externalID, amount string) *account.Account {
	t.Helper()
	ctx := context.Background()
	if amount != "" {
		_, err := e.AddCredits(ctx, req(externalID, amount, ""))
		require.NoError(t, err)
	} else {
		_, err := e.GetBalance(ctx, externalID)
		require.NoError(t, err)
	}
	acct, err := e.Store().GetAccountByExternalID(ctx, externalID)
	require.NoError(t, err)
	return acct
}

// strand creates a PENDING transaction without settling it, as if the
// process died between the two steps.
func strand(t *testing.T, e *credits.Engine, acct *account.Account, typ transaction.Type, amount string) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()

	var (
		tx  *transaction.Transaction
		err error
	)
	if typ == transaction.TypeCredit {
		tx, _, err = e.Lifecycle().CreateCredit(ctx, acct.ID, amt(amount), "stranded", "")
	} else {
		tx, _, err = e.Lifecycle().CreateDebit(ctx, acct.ID, amt(amount), "stranded", "")
	}
	require.NoError(t, err)
	require.True(t, tx.IsPending())
	return tx
}

func statusOf(t *testing.T, e *credits.Engine, txID id.TransactionID) *transaction.Transaction {
	t.Helper()
	tx, err := e.GetTransaction(context.Background(), txID)
	require.NoError(t, err)
	return tx
}

func TestReconcileConverges(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, credits.WithClock(future))

	acct := openWithBalance(t, e, "p1", "50.00")
	credit := strand(t, e, acct, transaction.TypeCredit, "10.00")
	smallDebit := strand(t, e, acct, transaction.TypeDebit, "30.00")
	largeDebit := strand(t, e, acct, transaction.TypeDebit, "100.00")

	report, err := e.Sweeper().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.NoError(t, report.Err())

	assert.Equal(t, transaction.StatusCompleted, statusOf(t, e, credit.ID).Status)
	assert.Equal(t, transaction.StatusCompleted, statusOf(t, e, smallDebit.ID).Status)

	failed := statusOf(t, e, largeDebit.ID)
	assert.Equal(t, transaction.StatusFailed, failed.Status)
	assert.Contains(t, failed.FailureReason, "insufficient balance during reconciliation")
	assert.Contains(t, failed.FailureReason, "required=100.00")

	assert.True(t, balanceOf(t, e, "p1").Equal(amt("30.00")))

	pending, err := e.Lifecycle().ListPending(ctx, transaction.PendingOpts{Cutoff: future(), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcileIgnoresFreshTransactions(t *testing.T) {
	e := newEngine(t, nil)

	acct := openWithBalance(t, e, "p1", "")
	tx := strand(t, e, acct, transaction.TypeCredit, "10.00")

	report, err := e.Sweeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.True(t, statusOf(t, e, tx.ID).IsPending())
}

func TestReconcilePagesThroughBatches(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil,
		credits.WithClock(future),
		credits.WithReconcileConfig(0, 0, 2),
	)

	acct := openWithBalance(t, e, "p1", "")
	for range 5 {
		strand(t, e, acct, transaction.TypeCredit, "1.00")
	}

	report, err := e.Sweeper().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Scanned)
	assert.Equal(t, 5, report.Completed)
	assert.True(t, balanceOf(t, e, "p1").Equal(amt("5.00")))
}

func TestReconcileFailsOrphanedTransaction(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	e := newEngine(t, s, credits.WithClock(future))

	orphan := transaction.New(id.NewAccountID(), transaction.TypeCredit, amt("5.00"), "orphan", "")
	require.NoError(t, s.CreateTransaction(ctx, orphan))

	report, err := e.Sweeper().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, report.Errors)

	stored := statusOf(t, e, orphan.ID)
	assert.Equal(t, transaction.StatusFailed, stored.Status)
	assert.Equal(t, credits.ReasonAccountMissing, stored.FailureReason)
}

// staleListStore serves a fixed pending list, as a replica lagging behind
// a concurrent settle would.
type staleListStore struct {
	*memory.Store
	stale []*transaction.Transaction
}

func (s *staleListStore) ListPendingTransactions(_ context.Context, opts transaction.PendingOpts) ([]*transaction.Transaction, error) {
	if !opts.AfterID.IsNil() {
		return nil, nil
	}
	return s.stale, nil
}

func TestReconcileSkipsAlreadySettled(t *testing.T) {
	ctx := context.Background()
	s := &staleListStore{Store: memory.New()}
	e := newEngine(t, s, credits.WithClock(future))

	acct := openWithBalance(t, e, "p1", "")
	tx := strand(t, e, acct, transaction.TypeCredit, "10.00")
	s.stale = []*transaction.Transaction{tx.Clone()}

	// Another settler wins before the sweeper gets the lock.
	require.NoError(t, e.Lifecycle().Fail(ctx, s.Store, tx, "settled elsewhere"))

	report, err := e.Sweeper().RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Completed)
	assert.Zero(t, report.Failed)

	stored := statusOf(t, e, tx.ID)
	assert.Equal(t, transaction.StatusFailed, stored.Status)
	assert.Equal(t, "settled elsewhere", stored.FailureReason)
	assert.True(t, balanceOf(t, e, "p1").IsZero())
}

// flakyStore fails or panics when locking a chosen account.
type flakyStore struct {
	*memory.Store
	broken id.AccountID
	panics bool
}

func (s *flakyStore) WithAccountLock(ctx context.Context, accountID id.AccountID, fn func(context.Context, *account.Account, store.Tx) error) error {
	if accountID == s.broken {
		if s.panics {
			panic("lock table corrupted")
		}
		return errors.New("connection reset")
	}
	return s.Store.WithAccountLock(ctx, accountID, fn)
}

func TestReconcileIsolatesItemFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		name := "error"
		if panics {
			name = "panic"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := &flakyStore{Store: memory.New(), panics: panics}
			rec := &recorder{}
			e := newEngine(t, s, credits.WithClock(future), credits.WithPlugin(rec))

			bad := openWithBalance(t, e, "bad", "")
			good := openWithBalance(t, e, "good", "")
			badTx := strand(t, e, bad, transaction.TypeCredit, "1.00")
			goodTx := strand(t, e, good, transaction.TypeCredit, "2.00")
			s.broken = bad.ID

			report, err := e.Sweeper().RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, report.Scanned)
			assert.Equal(t, 1, report.Completed)
			assert.Equal(t, 1, report.Failed)
			require.Len(t, report.Errors, 1)

			itemErr := report.Errors[0]
			assert.ErrorIs(t, itemErr, credits.ErrReconcileItemFailed)
			assert.Equal(t, credits.CodeReconcileItemFailed, credits.Code(itemErr))
			var typed *credits.ReconcileItemError
			require.ErrorAs(t, itemErr, &typed)
			assert.Equal(t, badTx.ID, typed.TransactionID)
			assert.ErrorIs(t, report.Err(), credits.ErrReconcileItemFailed)

			assert.Equal(t, transaction.StatusCompleted, statusOf(t, e, goodTx.ID).Status)
			failed := statusOf(t, e, badTx.ID)
			assert.Equal(t, transaction.StatusFailed, failed.Status)
			assert.Contains(t, failed.FailureReason, "reconciliation error")

			assert.Equal(t, []string{badTx.ID.String()}, rec.itemFailures())
			assert.Equal(t, 1, rec.cycles())
		})
	}
}

// blockingStore parks the first pending-list call until released.
type blockingStore struct {
	*memory.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingStore) ListPendingTransactions(ctx context.Context, opts transaction.PendingOpts) ([]*transaction.Transaction, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.Store.ListPendingTransactions(ctx, opts)
}

func TestReconcileCyclesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	s := &blockingStore{Store: memory.New(), entered: make(chan struct{}), release: make(chan struct{})}
	e := newEngine(t, s, credits.WithClock(future))

	done := make(chan error, 1)
	go func() {
		_, err := e.Sweeper().RunOnce(ctx)
		done <- err
	}()

	<-s.entered
	_, err := e.Sweeper().RunOnce(ctx)
	assert.ErrorIs(t, err, credits.ErrReconcileInProgress)

	close(s.release)
	require.NoError(t, <-done)

	_, err = e.Sweeper().RunOnce(ctx)
	assert.NoError(t, err)
}

// heldLock reports every cycle lock as held elsewhere.
type heldLock struct{}

func (heldLock) Acquire(context.Context, string) (cyclelock.Release, error) {
	return nil, cyclelock.ErrNotAcquired
}

func TestReconcileRespectsCycleLock(t *testing.T) {
	e := newEngine(t, nil, credits.WithClock(future), credits.WithCycleLock(heldLock{}))

	acct := openWithBalance(t, e, "p1", "")
	tx := strand(t, e, acct, transaction.TypeCredit, "1.00")

	_, err := e.Sweeper().RunOnce(context.Background())
	require.ErrorIs(t, err, credits.ErrReconcileInProgress)
	assert.True(t, statusOf(t, e, tx.ID).IsPending())
}

func TestSweeperRunsOnInterval(t *testing.T) {
	s := memory.New()
	e := credits.New(s,
		credits.WithLogger(quietLogger()),
		credits.WithClock(future),
		credits.WithReconcileConfig(10*time.Millisecond, 0, 0),
	)
	require.NoError(t, e.Start(context.Background()))

	acct := openWithBalance(t, e, "p1", "")
	tx := strand(t, e, acct, transaction.TypeCredit, "3.00")

	assert.Eventually(t, func() bool {
		stored, err := e.GetTransaction(context.Background(), tx.ID)
		return err == nil && !stored.IsPending()
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop())
	assert.Equal(t, transaction.StatusCompleted, statusOf(t, e, tx.ID).Status)
	assert.True(t, balanceOf(t, e, "p1").Equal(decimal.RequireFromString("3")))
}

package notify_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/notify"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type capturePublisher struct {
	mu      sync.Mutex
	events  []*notify.Event
	closed  bool
	err     error
	started chan struct{}
	release chan struct{}
}

func (p *capturePublisher) Publish(_ context.Context, evt *notify.Event) error {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, evt)
	return nil
}

func (p *capturePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *capturePublisher) published() []*notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*notify.Event(nil), p.events...)
}

func completed(typ transaction.Type, amount string) *transaction.Transaction {
	t := transaction.New(id.NewAccountID(), typ, types.MustAmount(amount), "test", "")
	t.Status = transaction.StatusCompleted
	return t
}

func TestSignificant(t *testing.T) {
	threshold := decimal.NewFromInt(1000)

	tests := []struct {
		typ    transaction.Type
		amount string
		want   bool
	}{
		{transaction.TypeCredit, "1000.00", true},
		{transaction.TypeCredit, "999.99", false},
		{transaction.TypeDebit, "500.00", true},
		{transaction.TypeDebit, "499.99", false},
		{transaction.TypeDebit, "1500.00", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"_"+tt.amount, func(t *testing.T) {
			assert.Equal(t, tt.want, notify.Significant(completed(tt.typ, tt.amount), threshold))
		})
	}
}

func TestNotifierPublishesSignificantSettlements(t *testing.T) {
	pub := &capturePublisher{}
	n := notify.New(pub, notify.WithThreshold(decimal.NewFromInt(100)), notify.WithLogger(quiet))

	eng := credits.New(memory.New(),
		credits.WithLogger(quiet),
		credits.WithoutReconciler(),
		credits.WithPlugin(n),
	)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))

	_, err := eng.AddCredits(ctx, credits.Request{AccountID: "p1", Amount: types.MustAmount("150.00"), Description: "top up"})
	require.NoError(t, err)
	_, err = eng.AddCredits(ctx, credits.Request{AccountID: "p1", Amount: types.MustAmount("10.00"), Description: "small"})
	require.NoError(t, err)
	debit, err := eng.ConsumeCredits(ctx, credits.Request{AccountID: "p1", Amount: types.MustAmount("60.00"), Description: "usage"})
	require.NoError(t, err)

	require.NoError(t, eng.Stop())

	events := pub.published()
	require.Len(t, events, 2)
	assert.Equal(t, "CREDIT", events[0].TxType)
	assert.Equal(t, "150.00", events[0].Amount)
	assert.Equal(t, "p1", events[0].PartnerID)
	assert.Equal(t, notify.EventType, events[0].Type)

	assert.Equal(t, debit.ID.String(), events[1].TransactionID)
	assert.Equal(t, "DEBIT", events[1].TxType)
	assert.Equal(t, "COMPLETED", events[1].Status)

	_, err = id.ParseEventID(events[0].ID)
	require.NoError(t, err)
	assert.True(t, pub.closed)
}

func TestNotifierDropsWhenQueueFull(t *testing.T) {
	pub := &capturePublisher{
		started: make(chan struct{}, 3),
		release: make(chan struct{}),
	}
	n := notify.New(pub, notify.WithQueueSize(1), notify.WithLogger(quiet))
	ctx := context.Background()

	require.NoError(t, n.OnTransactionCompleted(ctx, completed(transaction.TypeCredit, "5000.00")))
	<-pub.started // worker is busy with the first event

	require.NoError(t, n.OnTransactionCompleted(ctx, completed(transaction.TypeCredit, "5000.00")))
	require.NoError(t, n.OnTransactionCompleted(ctx, completed(transaction.TypeCredit, "5000.00")))

	close(pub.release)
	require.NoError(t, n.Close())

	published, dropped, failed := n.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(1), dropped)
	assert.Zero(t, failed)
}

func TestNotifierCountsPublishFailures(t *testing.T) {
	pub := &capturePublisher{err: errors.New("broker down")}
	n := notify.New(pub, notify.WithLogger(quiet))

	require.NoError(t, n.OnTransactionCompleted(context.Background(), completed(transaction.TypeDebit, "800.00")))
	require.NoError(t, n.Close())

	published, _, failed := n.Stats()
	assert.Zero(t, published)
	assert.Equal(t, int64(1), failed)
}

func TestNotifierCloseIsIdempotent(t *testing.T) {
	pub := &capturePublisher{}
	n := notify.New(pub, notify.WithLogger(quiet))

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	require.NoError(t, n.OnTransactionCompleted(context.Background(), completed(transaction.TypeCredit, "5000.00")))
	_, dropped, _ := n.Stats()
	assert.Equal(t, int64(1), dropped)
	assert.Empty(t, pub.published())
}

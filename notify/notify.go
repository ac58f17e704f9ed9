// Package notify publishes significant ledger settlements to an external
// broker. It hooks into transaction completion as a plugin and publishes on
// a background worker, so a slow or unavailable broker never delays a
// ledger operation. Events that do not fit in the queue are dropped.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Defaults.
const (
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 5 * time.Second
)

// DefaultThreshold is the amount at or above which a settlement is
// significant. Debits qualify at half of it.
var DefaultThreshold = decimal.NewFromInt(1000)

// Ensure Notifier implements the hooks it relies on.
var (
	_ plugin.Plugin                 = (*Notifier)(nil)
	_ plugin.OnInit                 = (*Notifier)(nil)
	_ plugin.OnTransactionCompleted = (*Notifier)(nil)
	_ plugin.OnShutdown             = (*Notifier)(nil)
)

// EventType is the kind of a published event.
const EventType = "credits.transaction.completed"

// Event is the payload published for a significant settlement.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	PartnerID     string    `json:"partner_id,omitempty"`
	TxType        string    `json:"tx_type"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, evt *Event) error
	Close() error
}

// Significant reports whether t is large enough to notify about.
func Significant(t *transaction.Transaction, threshold decimal.Decimal) bool {
	if t.Amount.GreaterThanOrEqual(threshold) {
		return true
	}
	return t.Type == transaction.TypeDebit && t.Amount.GreaterThanOrEqual(threshold.Div(decimal.NewFromInt(2)))
}

// NewEvent builds the event for t. partnerID may be empty when the account
// could not be resolved.
func NewEvent(t *transaction.Transaction, partnerID string) *Event {
	return &Event{
		ID:            id.NewEventID().String(),
		Type:          EventType,
		TransactionID: t.ID.String(),
		PartnerID:     partnerID,
		TxType:        string(t.Type),
		Amount:        types.FormatAmount(t.Amount),
		Status:        string(t.Status),
		Timestamp:     t.CreatedAt,
	}
}

// Notifier is a plugin that publishes completed significant transactions.
type Notifier struct {
	publisher Publisher
	threshold decimal.Decimal
	timeout   time.Duration
	logger    *slog.Logger
	accounts  account.Store

	mu     sync.RWMutex
	closed bool
	queue  chan *transaction.Transaction
	wg     sync.WaitGroup

	published atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithThreshold sets the significance threshold. Non-positive values keep
// the default.
func WithThreshold(d decimal.Decimal) Option {
	return func(n *Notifier) {
		if d.IsPositive() {
			n.threshold = d
		}
	}
}

// WithQueueSize bounds the number of events waiting for publication.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan *transaction.Transaction, size)
		}
	}
}

// WithPublishTimeout bounds a single publication.
func WithPublishTimeout(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// WithAccounts sets the store used to resolve partner identifiers. When
// unset, the engine's store is picked up at init.
func WithAccounts(s account.Store) Option {
	return func(n *Notifier) { n.accounts = s }
}

// New creates a Notifier publishing through p and starts its worker.
func New(p Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		publisher: p,
		threshold: DefaultThreshold,
		timeout:   DefaultPublishTimeout,
		logger:    slog.Default(),
		queue:     make(chan *transaction.Transaction, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.wg.Add(1)
	go n.run()
	return n
}

// Name implements plugin.Plugin.
func (n *Notifier) Name() string { return "notify" }

// OnInit picks up the engine's store for partner lookups.
func (n *Notifier) OnInit(_ context.Context, engine interface{}) error {
	if n.accounts != nil {
		return nil
	}
	if e, ok := engine.(interface{ Store() store.Store }); ok {
		n.accounts = e.Store()
	}
	return nil
}

// OnTransactionCompleted queues t when it is significant.
func (n *Notifier) OnTransactionCompleted(_ context.Context, t *transaction.Transaction) error {
	if !Significant(t, n.threshold) {
		return nil
	}
	n.enqueue(t)
	return nil
}

// OnShutdown drains the queue and closes the publisher.
func (n *Notifier) OnShutdown(_ context.Context) error {
	return n.Close()
}

// Close stops accepting events, publishes what is queued and closes the
// publisher. It is safe to call more than once.
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	return n.publisher.Close()
}

// Stats returns publication counters.
func (n *Notifier) Stats() (published, dropped, failed int64) {
	return n.published.Load(), n.dropped.Load(), n.failures.Load()
}

func (n *Notifier) enqueue(t *transaction.Transaction) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.dropped.Add(1)
		return
	}

	select {
	case n.queue <- t:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification queue full, dropping event",
			"transaction_id", t.ID.String(),
		)
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for t := range n.queue {
		n.publish(t)
	}
}

func (n *Notifier) publish(t *transaction.Transaction) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	evt := NewEvent(t, n.partnerID(ctx, t))
	if err := n.publisher.Publish(ctx, evt); err != nil {
		n.failures.Add(1)
		n.logger.Error("failed to publish notification",
			"transaction_id", evt.TransactionID,
			"event_id", evt.ID,
			"error", err,
		)
		return
	}

	n.published.Add(1)
	n.logger.Info("notification sent for significant transaction",
		"transaction_id", evt.TransactionID,
		"event_id", evt.ID,
	)
}

func (n *Notifier) partnerID(ctx context.Context, t *transaction.Transaction) string {
	if n.accounts == nil {
		return ""
	}
	a, err := n.accounts.GetAccount(ctx, t.AccountID)
	if err != nil {
		n.logger.Warn("failed to resolve partner for notification",
			"transaction_id", t.ID.String(),
			"error", err,
		)
		return ""
	}
	return a.ExternalID
}

// Package memory provides an in-memory store for tests and single-process
// deployments. Account locks are per-account semaphores, so the locking
// discipline matches the database backends.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store in memory.
type Store struct {
	mu sync.RWMutex

	// Account storage
	accounts   map[string]*account.Account
	byExternal map[string]string

	// Transaction storage
	transactions map[string]*transaction.Transaction
	byKey        map[string]string

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	closed atomic.Bool
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]*account.Account),
		byExternal:   make(map[string]string),
		transactions: make(map[string]*transaction.Transaction),
		byKey:        make(map[string]string),
		locks:        make(map[string]chan struct{}),
	}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping fails once the store is closed.
func (s *Store) Ping(context.Context) error {
	if s.closed.Load() {
		return credits.ErrStoreClosed
	}
	return nil
}

// Close rejects further writes and locks. Reads keep working so that
// callers can inspect final state after shutdown.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

// ==================== Account Store ====================

func (s *Store) CreateAccount(_ context.Context, a *account.Account) error {
	if s.closed.Load() {
		return credits.ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byExternal[a.ExternalID]; exists {
		return credits.ErrAccountExists
	}
	if _, exists := s.accounts[a.ID.String()]; exists {
		return credits.ErrAccountExists
	}
	c := *a
	s.accounts[a.ID.String()] = &c
	s.byExternal[a.ExternalID] = a.ID.String()
	return nil
}

func (s *Store) GetAccount(_ context.Context, accountID id.AccountID) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountID.String()]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	c := *a
	return &c, nil
}

func (s *Store) GetAccountByExternalID(_ context.Context, externalID string) (*account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byExternal[externalID]
	if !ok {
		return nil, credits.ErrAccountNotFound
	}
	c := *s.accounts[key]
	return &c, nil
}

// ==================== Transaction Store ====================

func (s *Store) CreateTransaction(_ context.Context, t *transaction.Transaction) error {
	if s.closed.Load() {
		return credits.ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IdempotencyKey != "" {
		if _, exists := s.byKey[t.IdempotencyKey]; exists {
			return credits.ErrDuplicateTransaction
		}
	}
	if _, exists := s.transactions[t.ID.String()]; exists {
		return credits.ErrAlreadyExists
	}
	s.transactions[t.ID.String()] = t.Clone()
	if t.IdempotencyKey != "" {
		s.byKey[t.IdempotencyKey] = t.ID.String()
	}
	return nil
}

func (s *Store) GetTransaction(_ context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[txID.String()]
	if !ok {
		return nil, credits.ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (s *Store) GetTransactionByIdempotencyKey(_ context.Context, key string) (*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txID, ok := s.byKey[key]
	if !ok {
		return nil, credits.ErrTransactionNotFound
	}
	return s.transactions[txID].Clone(), nil
}

func (s *Store) UpdateTransaction(_ context.Context, t *transaction.Transaction) error {
	if s.closed.Load() {
		return credits.ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkPendingLocked(t.ID); err != nil {
		return err
	}
	s.transactions[t.ID.String()] = t.Clone()
	return nil
}

func (s *Store) ListTransactions(_ context.Context, accountID id.AccountID, opts transaction.ListOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*transaction.Transaction
	for _, t := range s.transactions {
		if t.AccountID != accountID || !opts.Matches(t) {
			continue
		}
		result = append(result, t.Clone())
	}

	// Newest first.
	slices.SortFunc(result, func(a, b *transaction.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return b.ID.Compare(a.ID)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListPendingTransactions(_ context.Context, opts transaction.PendingOpts) ([]*transaction.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*transaction.Transaction
	for _, t := range s.transactions {
		if opts.Matches(t) {
			result = append(result, t.Clone())
		}
	}

	// Oldest first.
	slices.SortFunc(result, func(a, b *transaction.Transaction) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), a.ID.Compare(b.ID))
	})

	return paginate(result, 0, opts.Limit), nil
}

// checkPendingLocked reports ErrInvalidTransactionState unless the stored
// transaction is PENDING. Callers hold s.mu.
func (s *Store) checkPendingLocked(txID id.TransactionID) error {
	cur, ok := s.transactions[txID.String()]
	if !ok {
		return credits.ErrTransactionNotFound
	}
	if !cur.IsPending() {
		return credits.ErrInvalidTransactionState
	}
	return nil
}

func paginate(items []*transaction.Transaction, offset, limit int) []*transaction.Transaction {
	if offset > 0 {
		if offset >= len(items) {
			return []*transaction.Transaction{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ==================== Account lock ====================

// WithAccountLock runs fn while holding the account's semaphore. Writes are
// staged and applied under the store mutex only when fn succeeds.
func (s *Store) WithAccountLock(ctx context.Context, accountID id.AccountID, fn func(ctx context.Context, acct *account.Account, tx store.Tx) error) error {
	if s.closed.Load() {
		return credits.ErrStoreClosed
	}
	sem := s.lockFor(accountID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	acct, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}

	utx := &unitOfWork{
		store:        s,
		accountID:    accountID,
		transactions: make(map[string]*transaction.Transaction),
	}
	if err := fn(ctx, acct, utx); err != nil {
		return err
	}
	return utx.commit()
}

func (s *Store) lockFor(accountID id.AccountID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	sem, ok := s.locks[accountID.String()]
	if !ok {
		sem = make(chan struct{}, 1)
		s.locks[accountID.String()] = sem
	}
	return sem
}

// unitOfWork stages writes made inside WithAccountLock.
type unitOfWork struct {
	store        *Store
	accountID    id.AccountID
	account      *account.Account
	transactions map[string]*transaction.Transaction
	order        []string
}

func (u *unitOfWork) GetTransaction(ctx context.Context, txID id.TransactionID) (*transaction.Transaction, error) {
	if t, ok := u.transactions[txID.String()]; ok {
		return t.Clone(), nil
	}
	return u.store.GetTransaction(ctx, txID)
}

func (u *unitOfWork) UpdateAccount(_ context.Context, a *account.Account) error {
	if a.ID != u.accountID {
		return credits.ErrAccountNotFound
	}
	c := *a
	u.account = &c
	return nil
}

func (u *unitOfWork) UpdateTransaction(_ context.Context, t *transaction.Transaction) error {
	if staged, ok := u.transactions[t.ID.String()]; ok {
		if !staged.IsPending() {
			return credits.ErrInvalidTransactionState
		}
	} else {
		u.store.mu.RLock()
		err := u.store.checkPendingLocked(t.ID)
		u.store.mu.RUnlock()
		if err != nil {
			return err
		}
		u.order = append(u.order, t.ID.String())
	}
	u.transactions[t.ID.String()] = t.Clone()
	return nil
}

// commit re-validates every precondition under the store mutex and applies
// all staged writes, or none.
func (u *unitOfWork) commit() error {
	s := u.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range u.order {
		if err := s.checkPendingLocked(u.transactions[key].ID); err != nil {
			return err
		}
	}
	if u.account != nil {
		if _, ok := s.accounts[u.account.ID.String()]; !ok {
			return credits.ErrAccountNotFound
		}
		s.accounts[u.account.ID.String()] = u.account
	}
	for _, key := range u.order {
		s.transactions[key] = u.transactions[key]
	}
	return nil
}

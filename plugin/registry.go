package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/transaction"
)

// DefaultHookTimeout bounds how long a single hook call may run.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onAccountOpened        []OnAccountOpened
	onBalanceInsufficient  []OnBalanceInsufficient
	onTransactionCreated   []OnTransactionCreated
	onTransactionCompleted []OnTransactionCompleted
	onTransactionFailed    []OnTransactionFailed
	onReconcileCompleted   []OnReconcileCompleted
	onReconcileItemFailed  []OnReconcileItemFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	// Type-switch to cache interfaces
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnAccountOpened); ok {
		r.onAccountOpened = append(r.onAccountOpened, v)
	}
	if v, ok := p.(OnBalanceInsufficient); ok {
		r.onBalanceInsufficient = append(r.onBalanceInsufficient, v)
	}
	if v, ok := p.(OnTransactionCreated); ok {
		r.onTransactionCreated = append(r.onTransactionCreated, v)
	}
	if v, ok := p.(OnTransactionCompleted); ok {
		r.onTransactionCompleted = append(r.onTransactionCompleted, v)
	}
	if v, ok := p.(OnTransactionFailed); ok {
		r.onTransactionFailed = append(r.onTransactionFailed, v)
	}
	if v, ok := p.(OnReconcileCompleted); ok {
		r.onReconcileCompleted = append(r.onReconcileCompleted, v)
	}
	if v, ok := p.(OnReconcileItemFailed); ok {
		r.onReconcileItemFailed = append(r.onReconcileItemFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

// implementedInterfaces returns the hook names a plugin implements.
func implementedInterfaces(p Plugin) []string {
	var interfaces []string
	v := reflect.TypeOf(p)

	checkInterface := func(iface reflect.Type, name string) {
		if v.Implements(iface) {
			interfaces = append(interfaces, name)
		}
	}

	checkInterface(reflect.TypeOf((*OnInit)(nil)).Elem(), "OnInit")
	checkInterface(reflect.TypeOf((*OnShutdown)(nil)).Elem(), "OnShutdown")
	checkInterface(reflect.TypeOf((*OnAccountOpened)(nil)).Elem(), "OnAccountOpened")
	checkInterface(reflect.TypeOf((*OnBalanceInsufficient)(nil)).Elem(), "OnBalanceInsufficient")
	checkInterface(reflect.TypeOf((*OnTransactionCreated)(nil)).Elem(), "OnTransactionCreated")
	checkInterface(reflect.TypeOf((*OnTransactionCompleted)(nil)).Elem(), "OnTransactionCompleted")
	checkInterface(reflect.TypeOf((*OnTransactionFailed)(nil)).Elem(), "OnTransactionFailed")
	checkInterface(reflect.TypeOf((*OnReconcileCompleted)(nil)).Elem(), "OnReconcileCompleted")
	checkInterface(reflect.TypeOf((*OnReconcileItemFailed)(nil)).Elem(), "OnReconcileItemFailed")

	return interfaces
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine interface{}) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnInit", p.Name(), func() error {
			return p.OnInit(ctx, engine)
		})
	}
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnShutdown", p.Name(), func() error {
			return p.OnShutdown(ctx)
		})
	}
}

// EmitAccountOpened emits an account opened event.
func (r *Registry) EmitAccountOpened(ctx context.Context, acct *account.Account) {
	r.mu.RLock()
	plugins := r.onAccountOpened
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnAccountOpened", p.Name(), func() error {
			return p.OnAccountOpened(ctx, acct)
		})
	}
}

// EmitBalanceInsufficient emits a rejected debit event.
func (r *Registry) EmitBalanceInsufficient(ctx context.Context, externalID string, balance, requested decimal.Decimal) {
	r.mu.RLock()
	plugins := r.onBalanceInsufficient
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnBalanceInsufficient", p.Name(), func() error {
			return p.OnBalanceInsufficient(ctx, externalID, balance, requested)
		})
	}
}

// EmitTransactionCreated emits a transaction created event.
func (r *Registry) EmitTransactionCreated(ctx context.Context, tx *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onTransactionCreated
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnTransactionCreated", p.Name(), func() error {
			return p.OnTransactionCreated(ctx, tx.Clone())
		})
	}
}

// EmitTransactionCompleted emits a transaction completed event.
func (r *Registry) EmitTransactionCompleted(ctx context.Context, tx *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onTransactionCompleted
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnTransactionCompleted", p.Name(), func() error {
			return p.OnTransactionCompleted(ctx, tx.Clone())
		})
	}
}

// EmitTransactionFailed emits a transaction failed event.
func (r *Registry) EmitTransactionFailed(ctx context.Context, tx *transaction.Transaction) {
	r.mu.RLock()
	plugins := r.onTransactionFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnTransactionFailed", p.Name(), func() error {
			return p.OnTransactionFailed(ctx, tx.Clone())
		})
	}
}

// EmitReconcileCompleted emits a sweep cycle summary.
func (r *Registry) EmitReconcileCompleted(ctx context.Context, scanned, completed, failed int, elapsed time.Duration) {
	r.mu.RLock()
	plugins := r.onReconcileCompleted
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnReconcileCompleted", p.Name(), func() error {
			return p.OnReconcileCompleted(ctx, scanned, completed, failed, elapsed)
		})
	}
}

// EmitReconcileItemFailed emits a per-transaction sweep failure.
func (r *Registry) EmitReconcileItemFailed(ctx context.Context, txID string, err error) {
	r.mu.RLock()
	plugins := r.onReconcileItemFailed
	r.mu.RUnlock()

	for _, p := range plugins {
		r.dispatch(ctx, "OnReconcileItemFailed", p.Name(), func() error {
			return p.OnReconcileItemFailed(ctx, txID, err)
		})
	}
}

func (r *Registry) dispatch(ctx context.Context, hook, pluginName string, fn func() error) {
	if err := r.callWithTimeout(ctx, pluginName, fn); err != nil {
		r.logger.Warn("plugin "+hook+" failed",
			"plugin", pluginName,
			"error", err,
		)
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the ledger pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}

package credits

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/xraph/credits/cyclelock"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
)

// Default reconciliation settings.
const (
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultReconcileTimeout   = 15 * time.Minute
	DefaultReconcileBatchSize = 50
)

const instrumentationName = "github.com/xraph/credits"

// Engine is the credit ledger. It is the only component that changes an
// account balance, and it does so only while holding the account lock.
type Engine struct {
	store     store.Store
	plugins   *plugin.Registry
	logger    *slog.Logger
	tracer    trace.Tracer
	keys      *idempotency.Generator
	lifecycle *Lifecycle
	sweeper   *Sweeper

	// Deduplicates concurrent lazy account creation per external ID.
	opening singleflight.Group

	// Configuration
	reconcileInterval  time.Duration
	reconcileTimeout   time.Duration
	reconcileBatchSize int
	cycleLock          cyclelock.Locker
	runReconciler      bool
	migrate            bool
	clock              func() time.Time

	stopOnce sync.Once
}

// New creates a new Engine.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		tracer:             otel.Tracer(instrumentationName),
		keys:               idempotency.NewGenerator(nil),
		reconcileInterval:  DefaultReconcileInterval,
		reconcileTimeout:   DefaultReconcileTimeout,
		reconcileBatchSize: DefaultReconcileBatchSize,
		cycleLock:          cyclelock.NewLocal(),
		runReconciler:      true,
		migrate:            true,
		clock:              time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.lifecycle = newLifecycle(e.store, e.plugins, e.logger)
	e.sweeper = newSweeper(e)

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithTracer sets the tracer used for ledger spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithKeyGenerator sets the generator used when a caller supplies no
// idempotency key.
func WithKeyGenerator(g *idempotency.Generator) Option {
	return func(e *Engine) {
		e.keys = g
	}
}

// WithReconcileConfig configures the reconciliation sweeper. Non-positive
// values keep the defaults.
func WithReconcileConfig(interval, timeout time.Duration, batchSize int) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.reconcileInterval = interval
		}
		if timeout > 0 {
			e.reconcileTimeout = timeout
		}
		if batchSize > 0 {
			e.reconcileBatchSize = batchSize
		}
	}
}

// WithCycleLock sets the lock that keeps sweep cycles from overlapping,
// for example a cyclelock.Redis shared by every instance.
func WithCycleLock(l cyclelock.Locker) Option {
	return func(e *Engine) {
		e.cycleLock = l
	}
}

// WithClock sets the clock the sweeper computes its cutoff from.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = now
	}
}

// WithoutReconciler disables the background sweeper. RunOnce on the
// Sweeper still works.
func WithoutReconciler() Option {
	return func(e *Engine) {
		e.runReconciler = false
	}
}

// WithoutMigrate skips the store migration in Start.
func WithoutMigrate() Option {
	return func(e *Engine) {
		e.migrate = false
	}
}

// Start migrates the store and begins the reconciliation sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if e.migrate {
		if err := e.store.Migrate(ctx); err != nil {
			return err
		}
	}

	e.plugins.EmitInit(ctx, e)

	if e.runReconciler {
		e.sweeper.Start(ctx)
	}

	e.logger.Info("credits engine started",
		"reconcile_enabled", e.runReconciler,
		"reconcile_interval", e.reconcileInterval,
		"reconcile_timeout", e.reconcileTimeout,
		"reconcile_batch_size", e.reconcileBatchSize,
	)

	return nil
}

// Stop waits for an in-flight sweep cycle, then closes the store.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.sweeper.Stop()

		ctx := context.Background()
		e.plugins.EmitShutdown(ctx)

		err = e.store.Close()
	})
	return err
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Lifecycle returns the transaction lifecycle manager.
func (e *Engine) Lifecycle() *Lifecycle { return e.lifecycle }

// Sweeper returns the reconciliation sweeper.
func (e *Engine) Sweeper() *Sweeper { return e.sweeper }

package extension

import (
	"time"

	"github.com/xraph/grove"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the credits engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a credits.Option through to the underlying engine.
func WithEngineOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a credits plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, credits.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithDisableReconciler keeps the sweeper from running in this instance.
func WithDisableReconciler() Option {
	return func(e *Extension) { e.config.DisableReconciler = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithReconcileInterval sets how often the sweeper runs.
func WithReconcileInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.ReconcileInterval = d }
}

// WithReconcileTimeout sets how old a PENDING transaction must be before
// the sweeper resolves it.
func WithReconcileTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.ReconcileTimeout = d }
}

// WithReconcileBatchSize sets the sweeper page size.
func WithReconcileBatchSize(n int) Option {
	return func(e *Extension) { e.config.ReconcileBatchSize = n }
}

// WithPostgres selects the PostgreSQL store at dsn.
func WithPostgres(dsn string) Option {
	return func(e *Extension) { e.config.PostgresDSN = dsn }
}

// WithMongo selects the MongoDB store on db. The grove database must be
// connected to a replica set. It takes precedence over a PostgreSQL DSN.
func WithMongo(db *grove.DB) Option {
	return func(e *Extension) { e.groveDB = db }
}

// WithRedis enables the Redis cycle lock at addr.
func WithRedis(addr string) Option {
	return func(e *Extension) { e.config.RedisAddr = addr }
}

// WithRabbitMQ enables notifications published to url.
func WithRabbitMQ(url string) Option {
	return func(e *Extension) { e.config.RabbitMQURL = url }
}

// WithNotifyThreshold sets the notification significance threshold.
func WithNotifyThreshold(amount string) Option {
	return func(e *Extension) { e.config.NotifyThreshold = amount }
}

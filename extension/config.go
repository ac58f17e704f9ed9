package extension

import "time"

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableReconciler prevents the background reconciliation sweeper
	// from running in this instance.
	DisableReconciler bool `json:"disable_reconciler" mapstructure:"disable_reconciler" yaml:"disable_reconciler"`

	// ReconcileInterval is how often the sweeper runs (default: 5m).
	ReconcileInterval time.Duration `json:"reconcile_interval" mapstructure:"reconcile_interval" yaml:"reconcile_interval"`

	// ReconcileTimeout is how long a transaction may stay PENDING before
	// the sweeper resolves it (default: 15m).
	ReconcileTimeout time.Duration `json:"reconcile_timeout" mapstructure:"reconcile_timeout" yaml:"reconcile_timeout"`

	// ReconcileBatchSize is the number of pending transactions read per
	// page (default: 50).
	ReconcileBatchSize int `json:"reconcile_batch_size" mapstructure:"reconcile_batch_size" yaml:"reconcile_batch_size"`

	// PostgresDSN selects the PostgreSQL store when no store was provided
	// programmatically. Empty means the in-memory store.
	PostgresDSN string `json:"postgres_dsn" mapstructure:"postgres_dsn" yaml:"postgres_dsn"`

	// RedisAddr enables a Redis cycle lock so only one instance sweeps at
	// a time.
	RedisAddr string `json:"redis_addr" mapstructure:"redis_addr" yaml:"redis_addr"`

	// RabbitMQURL enables notifications for significant settlements.
	RabbitMQURL string `json:"rabbitmq_url" mapstructure:"rabbitmq_url" yaml:"rabbitmq_url"`

	// NotifyExchange is the exchange notifications are published to
	// (default: "credits").
	NotifyExchange string `json:"notify_exchange" mapstructure:"notify_exchange" yaml:"notify_exchange"`

	// NotifyRoutingKey is the routing key of published notifications
	// (default: "transaction.significant").
	NotifyRoutingKey string `json:"notify_routing_key" mapstructure:"notify_routing_key" yaml:"notify_routing_key"`

	// NotifyThreshold is the amount at or above which a settlement is
	// published (default: "1000.00").
	NotifyThreshold string `json:"notify_threshold" mapstructure:"notify_threshold" yaml:"notify_threshold"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReconcileInterval:  5 * time.Minute,
		ReconcileTimeout:   15 * time.Minute,
		ReconcileBatchSize: 50,
		NotifyExchange:     "credits",
		NotifyRoutingKey:   "transaction.significant",
		NotifyThreshold:    "1000.00",
	}
}

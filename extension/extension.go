// Package extension provides the Forge extension adapter for credits.
//
// It implements the forge.Extension interface to integrate the credit
// ledger into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/cyclelock"
	"github.com/xraph/credits/notify"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/store/mongo"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/types"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Partner credit ledger with idempotent transactions and reconciliation"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *credits.Engine
	store      store.Store
	groveDB    *grove.DB
	redis      *redis.Client
	engineOpts []credits.Option
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying credits engine.
// This is nil until Register is called.
func (e *Extension) Engine() *credits.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the credits engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil {
		s, err := e.openStore(context.Background())
		if err != nil {
			return err
		}
		e.store = s
	}

	opts, err := e.buildEngineOpts()
	if err != nil {
		return err
	}

	e.engine = credits.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*credits.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	var err error
	if e.engine != nil {
		err = e.engine.Stop()
	}
	if e.redis != nil {
		err = errors.Join(err, e.redis.Close())
	}
	e.MarkStopped()
	return err
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// openStore builds the store selected by the options and config: MongoDB
// when WithMongo was given, PostgreSQL when a DSN is set, memory otherwise.
func (e *Extension) openStore(ctx context.Context) (store.Store, error) {
	if e.groveDB != nil {
		return mongo.New(e.groveDB), nil
	}
	if e.config.PostgresDSN == "" {
		return memory.New(), nil
	}
	s, err := postgres.Open(ctx, e.config.PostgresDSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// buildEngineOpts constructs credits.Option values from the resolved config.
func (e *Extension) buildEngineOpts() ([]credits.Option, error) {
	opts := make([]credits.Option, 0, len(e.engineOpts)+5)

	opts = append(opts, credits.WithReconcileConfig(
		e.config.ReconcileInterval,
		e.config.ReconcileTimeout,
		e.config.ReconcileBatchSize,
	))

	if e.config.DisableMigrate {
		opts = append(opts, credits.WithoutMigrate())
	}
	if e.config.DisableReconciler {
		opts = append(opts, credits.WithoutReconciler())
	}

	if e.config.RedisAddr != "" {
		e.redis = redis.NewClient(&redis.Options{Addr: e.config.RedisAddr})
		opts = append(opts, credits.WithCycleLock(cyclelock.NewRedis(e.redis)))
	}

	if e.config.RabbitMQURL != "" {
		threshold, err := parseThreshold(e.config.NotifyThreshold)
		if err != nil {
			return nil, err
		}
		pub, err := notify.DialRabbit(e.config.RabbitMQURL, e.config.NotifyExchange, e.config.NotifyRoutingKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, credits.WithPlugin(notify.New(pub, notify.WithThreshold(threshold))))
	}

	// Append any pass-through engine options.
	opts = append(opts, e.engineOpts...)

	return opts, nil
}

func parseThreshold(s string) (decimal.Decimal, error) {
	d, err := types.ParseAmount(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("credits: invalid notify_threshold %q: %w", s, err)
	}
	return d, nil
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_reconciler", e.config.DisableReconciler),
		forge.F("reconcile_interval", e.config.ReconcileInterval),
		forge.F("reconcile_timeout", e.config.ReconcileTimeout),
		forge.F("reconcile_batch_size", e.config.ReconcileBatchSize),
		forge.F("mongo", e.groveDB != nil),
		forge.F("postgres", e.config.PostgresDSN != ""),
		forge.F("redis_lock", e.config.RedisAddr != ""),
		forge.F("notifications", e.config.RabbitMQURL != ""),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.credits" first (namespaced pattern).
	if cm.IsSet("extensions.credits") {
		if err := cm.Bind("extensions.credits", &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", "extensions.credits"),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind extensions.credits config",
			forge.F("error", "bind failed"),
		)
	}

	// Try the top-level "credits" key.
	if cm.IsSet("credits") {
		if err := cm.Bind("credits", &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", "credits"),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind credits config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = defaults.ReconcileInterval
	}
	if cfg.ReconcileTimeout == 0 {
		cfg.ReconcileTimeout = defaults.ReconcileTimeout
	}
	if cfg.ReconcileBatchSize == 0 {
		cfg.ReconcileBatchSize = defaults.ReconcileBatchSize
	}
	if cfg.NotifyExchange == "" {
		cfg.NotifyExchange = defaults.NotifyExchange
	}
	if cfg.NotifyRoutingKey == "" {
		cfg.NotifyRoutingKey = defaults.NotifyRoutingKey
	}
	if cfg.NotifyThreshold == "" {
		cfg.NotifyThreshold = defaults.NotifyThreshold
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableReconciler {
		yamlConfig.DisableReconciler = true
	}

	// Duration/int fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.ReconcileInterval == 0 {
		yamlConfig.ReconcileInterval = programmaticConfig.ReconcileInterval
	}
	if yamlConfig.ReconcileTimeout == 0 {
		yamlConfig.ReconcileTimeout = programmaticConfig.ReconcileTimeout
	}
	if yamlConfig.ReconcileBatchSize == 0 {
		yamlConfig.ReconcileBatchSize = programmaticConfig.ReconcileBatchSize
	}

	// String fields: YAML takes precedence.
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&yamlConfig.PostgresDSN, programmaticConfig.PostgresDSN)
	fill(&yamlConfig.RedisAddr, programmaticConfig.RedisAddr)
	fill(&yamlConfig.RabbitMQURL, programmaticConfig.RabbitMQURL)
	fill(&yamlConfig.NotifyExchange, programmaticConfig.NotifyExchange)
	fill(&yamlConfig.NotifyRoutingKey, programmaticConfig.NotifyRoutingKey)
	fill(&yamlConfig.NotifyThreshold, programmaticConfig.NotifyThreshold)

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}

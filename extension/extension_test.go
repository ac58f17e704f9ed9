package extension

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{ReconcileBatchSize: 10})

	assert.Equal(t, 10, cfg.ReconcileBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileTimeout)
	assert.Equal(t, "1000.00", cfg.NotifyThreshold)
	assert.Equal(t, "credits", cfg.NotifyExchange)
}

func TestMergeConfigurations(t *testing.T) {
	yamlCfg := Config{
		ReconcileInterval: time.Minute,
		RedisAddr:         "redis:6379",
	}
	programmatic := Config{
		ReconcileInterval: time.Hour,
		ReconcileTimeout:  2 * time.Minute,
		RedisAddr:         "localhost:6379",
		RabbitMQURL:       "amqp://localhost",
		DisableReconciler: true,
	}

	cfg := mergeConfigurations(yamlCfg, programmatic)

	assert.Equal(t, time.Minute, cfg.ReconcileInterval, "yaml wins")
	assert.Equal(t, 2*time.Minute, cfg.ReconcileTimeout, "programmatic fills gaps")
	assert.Equal(t, 50, cfg.ReconcileBatchSize, "defaults fill the rest")
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "amqp://localhost", cfg.RabbitMQURL)
	assert.True(t, cfg.DisableReconciler)
	assert.False(t, cfg.DisableMigrate)
}

func TestBuildEngineOpts(t *testing.T) {
	e := New(WithDisableMigrate(), WithDisableReconciler())
	e.config = mergeWithDefaults(e.config)

	opts, err := e.buildEngineOpts()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
	assert.Nil(t, e.redis)
}

func TestParseThreshold(t *testing.T) {
	d, err := parseThreshold("250.50")
	require.NoError(t, err)
	assert.Equal(t, "250.5", d.String())

	_, err = parseThreshold("lots")
	require.Error(t, err)
	_, err = parseThreshold("0.001")
	require.Error(t, err)
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	e := New()
	e.config = mergeWithDefaults(e.config)

	s, err := e.openStore(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, s)
	assert.Nil(t, e.groveDB)
}

//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/postgres"
	"github.com/xraph/credits/store/storetest"
)

// setupPostgres starts a disposable PostgreSQL container, migrates it and
// returns a connected store.
func setupPostgres(t *testing.T) *postgres.Store {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("credits"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := postgres.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Migrate(ctx))
	// A second run is a no-op.
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestIntegration_Postgres_Conformance(t *testing.T) {
	s := setupPostgres(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		_, err := s.Pool().Exec(context.Background(), `TRUNCATE credits_transactions, credits_accounts`)
		require.NoError(t, err)
		return s
	})
}

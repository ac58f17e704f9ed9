package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Migration is a single forward schema change.
type Migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema history of the credits store.
var Migrations = []Migration{
	{
		Name:    "create_credits_accounts",
		Version: "20250101000001",
		Up: `
CREATE TABLE IF NOT EXISTS credits_accounts (
    id          TEXT COLLATE "C" PRIMARY KEY,
    external_id TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    balance     NUMERIC(19,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT credits_accounts_external_id_key UNIQUE (external_id)
);
`,
	},
	{
		Name:    "create_credits_transactions",
		Version: "20250101000002",
		Up: `
CREATE TABLE IF NOT EXISTS credits_transactions (
    id              TEXT COLLATE "C" PRIMARY KEY,
    account_id      TEXT COLLATE "C" NOT NULL REFERENCES credits_accounts (id),
    type            TEXT NOT NULL CHECK (type IN ('CREDIT', 'DEBIT')),
    amount          NUMERIC(19,2) NOT NULL CHECK (amount > 0),
    description     TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'PENDING' CHECK (status IN ('PENDING', 'COMPLETED', 'FAILED')),
    idempotency_key VARCHAR(100),
    completed_at    TIMESTAMPTZ,
    failure_reason  TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT credits_transactions_idempotency_key_key UNIQUE (idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_credits_transactions_account_created
    ON credits_transactions (account_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_credits_transactions_pending
    ON credits_transactions (created_at, id) WHERE status = 'PENDING';
`,
	},
}

// migrationLockKey serializes concurrent Migrate calls across instances.
const migrationLockKey = 0x63726564 // "cred"

// Migrate applies pending migrations inside one transaction.
func (s *Store) Migrate(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credits_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return err
		}

		for _, m := range Migrations {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM credits_schema_migrations WHERE version = $1)`,
				m.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				continue
			}

			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO credits_schema_migrations (version, name) VALUES ($1, $2)`,
				m.Version, m.Name,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("credits/postgres: migration failed: %w", err)
	}
	return nil
}

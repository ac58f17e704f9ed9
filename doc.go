// Package credits provides a per-partner credit ledger for Go applications.
//
// Credits is designed as a library, not a service. Every balance change is
// a transaction record that is immutable once settled, and an account's
// balance always equals the signed sum of its COMPLETED transactions.
// It provides:
//
//   - Idempotent credits and debits keyed by caller-supplied or generated keys
//   - Exact decimal amounts with two fractional digits
//   - Two-phase settlement: create PENDING, lock the account, apply, settle
//   - A background sweeper that resolves transactions left PENDING
//   - Pluggable stores (memory, PostgreSQL, MongoDB)
//   - Lifecycle hooks for notifications, audit trails and metrics
//
// # Quick Start
//
// Create an engine with your preferred store:
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/store/postgres"
//	)
//
//	s, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng := credits.New(s)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Core Concepts
//
// Accounts are opened on first reference with a zero balance:
//
//	bal, err := eng.GetBalance(ctx, "partner-42")
//
// Credits add to the balance; debits are rejected with
// ErrInsufficientBalance when the balance cannot cover them:
//
//	tx, err := eng.AddCredits(ctx, credits.Request{
//	    AccountID:      "partner-42",
//	    Amount:         credits.MustAmount("100.00"),
//	    Description:    "monthly top-up",
//	    IdempotencyKey: "topup-2025-01",
//	})
//
// Retrying a request with the same idempotency key returns the original
// transaction instead of applying it twice.
//
// # Reconciliation
//
// A transaction whose settlement was interrupted stays PENDING. The
// sweeper periodically re-applies every PENDING transaction older than the
// reconcile timeout, under the same account lock as the request path, so
// each transaction is settled exactly once. Use WithCycleLock with a
// cyclelock.Redis to keep sweeps from overlapping across instances.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	txn_01h2xcejqtf2nbrexx3vqjhp41   // Transaction ID
//
// TypeIDs are K-sortable, making them ideal for database indexes and
// providing natural time-ordering of entities.
package credits

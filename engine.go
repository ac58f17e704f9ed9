package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/credits/account"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/transaction"
	"github.com/xraph/credits/types"
)

// Request is a credit or debit against a partner account.
type Request struct {
	// AccountID is the partner's external identifier.
	AccountID   string
	Amount      decimal.Decimal
	Description string

	// IdempotencyKey deduplicates retries. When empty a time-salted key is
	// generated, which protects only against double submission within the
	// same call.
	IdempotencyKey string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.AccountID) == "" {
		return ValidationError{Field: "account_id", Message: "required"}
	}
	if err := types.ValidateAmount(r.Amount); err != nil {
		return invalidAmount(err)
	}
	if strings.TrimSpace(r.Description) == "" {
		return ValidationError{Field: "description", Message: "required"}
	}
	if len(r.IdempotencyKey) > transaction.MaxIdempotencyKeyLength {
		return ValidationError{Field: "idempotency_key", Message: fmt.Sprintf("at most %d characters", transaction.MaxIdempotencyKeyLength)}
	}
	return nil
}

// OutcomeKind classifies the result of applying a transaction to its
// account under the account lock.
type OutcomeKind int

const (
	// OutcomeApplied means the balance changed and the transaction completed.
	OutcomeApplied OutcomeKind = iota + 1
	// OutcomeInsufficient means a debit exceeded the locked balance and the
	// transaction failed.
	OutcomeInsufficient
	// OutcomeAlreadySettled means another settler got there first. Nothing
	// was written.
	OutcomeAlreadySettled
	// OutcomeAccountMissing means the referenced account does not exist.
	// Nothing was written.
	OutcomeAccountMissing
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApplied:
		return "applied"
	case OutcomeInsufficient:
		return "insufficient"
	case OutcomeAlreadySettled:
		return "already_settled"
	case OutcomeAccountMissing:
		return "account_missing"
	default:
		return "unknown"
	}
}

// Outcome is the result of one locked apply step.
type Outcome struct {
	Kind        OutcomeKind
	Transaction *transaction.Transaction

	// Balance is the account balance observed under the lock, after any
	// change was applied.
	Balance decimal.Decimal
}

// origin tells the apply step who is settling, which only affects the
// failure reason recorded on an insufficient debit.
type origin int

const (
	originRequest origin = iota
	originReconcile
)

func (o origin) insufficientReason(current, requested decimal.Decimal) string {
	if o == originReconcile {
		return fmt.Sprintf("insufficient balance during reconciliation: current=%s, required=%s",
			types.FormatAmount(current), types.FormatAmount(requested))
	}
	return fmt.Sprintf("insufficient balance: current=%s, requested=%s",
		types.FormatAmount(current), types.FormatAmount(requested))
}

// ──────────────────────────────────────────────────
// Credit / debit
// ──────────────────────────────────────────────────

// AddCredits credits a partner account, opening it with a zero balance if
// it does not exist yet. A key that already names a settled transaction
// returns that transaction without touching the balance.
func (e *Engine) AddCredits(ctx context.Context, req Request) (*transaction.Transaction, error) {
	ctx, span := e.startSpan(ctx, "credits.add", req)
	defer span.End()

	t, err := e.credit(ctx, req)
	endSpan(span, t, err)
	return t, err
}

// ConsumeCredits debits an existing partner account. It fails with an
// *InsufficientBalanceError when the balance cannot cover the amount, and
// never lets the balance go negative.
func (e *Engine) ConsumeCredits(ctx context.Context, req Request) (*transaction.Transaction, error) {
	ctx, span := e.startSpan(ctx, "credits.consume", req)
	defer span.End()

	t, err := e.debit(ctx, req)
	endSpan(span, t, err)
	return t, err
}

func (e *Engine) credit(ctx context.Context, req Request) (*transaction.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	acct, err := e.openAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = e.keys.Generate(req.AccountID, idempotency.ActionAddCredits, types.FormatAmount(req.Amount))
	}

	t, created, err := e.lifecycle.CreateCredit(ctx, acct.ID, req.Amount, req.Description, key)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := checkDuplicate(t, acct.ID, transaction.TypeCredit, req.Amount); err != nil {
			return nil, err
		}
		if !t.IsPending() {
			return t, nil
		}
	}

	return e.settle(ctx, req.AccountID, t)
}

func (e *Engine) debit(ctx context.Context, req Request) (*transaction.Transaction, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	// Debits never open accounts.
	acct, err := e.store.GetAccountByExternalID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}

	// A retried key goes straight to its transaction, whatever the balance
	// says now.
	if req.IdempotencyKey != "" {
		existing, err := e.lifecycle.Lookup(ctx, req.IdempotencyKey)
		switch {
		case err == nil:
			if err := checkDuplicate(existing, acct.ID, transaction.TypeDebit, req.Amount); err != nil {
				return nil, err
			}
			if !existing.IsPending() {
				return existing, nil
			}
			return e.settle(ctx, req.AccountID, existing)
		case !errors.Is(err, ErrTransactionNotFound):
			return nil, err
		}
	}

	// Fast path. The authoritative check happens under the lock.
	if !acct.Covers(req.Amount) {
		e.plugins.EmitBalanceInsufficient(ctx, req.AccountID, acct.Balance, req.Amount)
		return nil, &InsufficientBalanceError{
			AccountID: req.AccountID,
			Current:   acct.Balance,
			Requested: req.Amount,
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = e.keys.Generate(req.AccountID, idempotency.ActionConsumeCredits, types.FormatAmount(req.Amount))
	}

	t, created, err := e.lifecycle.CreateDebit(ctx, acct.ID, req.Amount, req.Description, key)
	if err != nil {
		return nil, err
	}
	if !created {
		if err := checkDuplicate(t, acct.ID, transaction.TypeDebit, req.Amount); err != nil {
			return nil, err
		}
		if !t.IsPending() {
			return t, nil
		}
	}

	return e.settle(ctx, req.AccountID, t)
}

// settle drives a PENDING transaction to a terminal state on the request
// path. Once the PENDING row exists the caller's cancellation no longer
// applies: the transaction either settles here or fails with the cause.
func (e *Engine) settle(ctx context.Context, externalID string, t *transaction.Transaction) (*transaction.Transaction, error) {
	ctx = context.WithoutCancel(ctx)

	out, err := e.apply(ctx, t, originRequest)
	if err != nil {
		return nil, e.compensate(ctx, t, err)
	}

	switch out.Kind {
	case OutcomeApplied:
		e.lifecycle.Settled(ctx, out.Transaction)
		return out.Transaction, nil

	case OutcomeAlreadySettled:
		return out.Transaction, nil

	case OutcomeInsufficient:
		e.lifecycle.Settled(ctx, out.Transaction)
		e.plugins.EmitBalanceInsufficient(ctx, externalID, out.Balance, out.Transaction.Amount)
		return nil, &InsufficientBalanceError{
			AccountID:     externalID,
			TransactionID: out.Transaction.ID,
			Current:       out.Balance,
			Requested:     out.Transaction.Amount,
		}

	case OutcomeAccountMissing:
		return nil, e.compensate(ctx, t, ErrAccountNotFound)

	default:
		return nil, e.compensate(ctx, t, fmt.Errorf("unexpected outcome %s", out.Kind))
	}
}

// apply re-reads t and its account under the account lock and applies the
// balance change. The balance write and the settlement commit together.
func (e *Engine) apply(ctx context.Context, t *transaction.Transaction, from origin) (Outcome, error) {
	var out Outcome

	err := e.store.WithAccountLock(ctx, t.AccountID, func(ctx context.Context, acct *account.Account, tx store.Tx) error {
		current, err := tx.GetTransaction(ctx, t.ID)
		if err != nil {
			return err
		}
		if !current.IsPending() {
			out = Outcome{Kind: OutcomeAlreadySettled, Transaction: current, Balance: acct.Balance}
			return nil
		}

		switch current.Type {
		case transaction.TypeCredit:
			acct.Credit(current.Amount)
		case transaction.TypeDebit:
			if !acct.Covers(current.Amount) {
				if err := e.lifecycle.Fail(ctx, tx, current, from.insufficientReason(acct.Balance, current.Amount)); err != nil {
					return err
				}
				out = Outcome{Kind: OutcomeInsufficient, Transaction: current, Balance: acct.Balance}
				return nil
			}
			acct.Debit(current.Amount)
		default:
			return fmt.Errorf("credits: unknown transaction type %q", current.Type)
		}

		if err := tx.UpdateAccount(ctx, acct); err != nil {
			return fmt.Errorf("credits: update account %s: %w", acct.ID, err)
		}
		if err := e.lifecycle.Complete(ctx, tx, current); err != nil {
			return err
		}

		out = Outcome{Kind: OutcomeApplied, Transaction: current, Balance: acct.Balance}
		return nil
	})

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrAccountNotFound):
		return Outcome{Kind: OutcomeAccountMissing, Transaction: t}, nil
	case errors.Is(err, ErrInvalidTransactionState):
		// Settled outside the lock between staging and commit.
		stored, getErr := e.store.GetTransaction(ctx, t.ID)
		if getErr != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeAlreadySettled, Transaction: stored}, nil
	default:
		return Outcome{}, err
	}
}

// compensate fails t with cause as the reason and returns the error the
// caller should see. A transaction never stays PENDING because of an error
// the request path observed.
func (e *Engine) compensate(ctx context.Context, t *transaction.Transaction, cause error) error {
	reason := fmt.Sprintf("error processing %s: %v", strings.ToLower(string(t.Type)), cause)

	if err := e.lifecycle.Fail(ctx, e.store, t, reason); err != nil {
		e.logger.Error("failed to record transaction failure",
			"transaction_id", t.ID.String(),
			"cause", cause,
			"error", err,
		)
	} else {
		e.lifecycle.Settled(ctx, t)
	}

	if errors.Is(cause, ErrAccountNotFound) {
		return cause
	}
	return fmt.Errorf("credits: settle transaction %s: %w", t.ID, cause)
}

// checkDuplicate rejects a key reused for a different request.
func checkDuplicate(t *transaction.Transaction, accountID id.AccountID, typ transaction.Type, amount decimal.Decimal) error {
	if t.AccountID != accountID || t.Type != typ || !t.Amount.Equal(amount) {
		return &DuplicateTransactionError{IdempotencyKey: t.IdempotencyKey, ExistingID: t.ID}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Tracing
// ──────────────────────────────────────────────────

func (e *Engine) startSpan(ctx context.Context, name string, req Request) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("credits.account.external_id", req.AccountID),
		attribute.String("credits.amount", types.FormatAmount(req.Amount)),
		attribute.Bool("credits.idempotency_key.supplied", req.IdempotencyKey != ""),
	))
}

func endSpan(span trace.Span, t *transaction.Transaction, err error) {
	if t != nil {
		span.SetAttributes(
			attribute.String("credits.transaction.id", t.ID.String()),
			attribute.String("credits.transaction.status", string(t.Status)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Code(err))
	}
}

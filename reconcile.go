package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/credits/cyclelock"
	"github.com/xraph/credits/transaction"
)

// cycleLockName names the lock that keeps sweep cycles from overlapping.
const cycleLockName = "credits:reconcile"

// ReasonAccountMissing is recorded on transactions whose account no longer
// exists when the sweeper reaches them.
const ReasonAccountMissing = "account missing during reconciliation"

// ReconcileReport summarizes one sweep cycle.
type ReconcileReport struct {
	Cutoff    time.Time
	Scanned   int
	Completed int
	Failed    int
	Skipped   int
	Errors    []error
	Elapsed   time.Duration
}

// Err returns the per-item failures as a MultiError, or nil.
func (r *ReconcileReport) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return MultiError{Errors: r.Errors}
}

// Sweeper settles PENDING transactions that outlived the reconciliation
// timeout. It is the recovery path for settlements interrupted by a crash.
type Sweeper struct {
	engine  *Engine
	now     func() time.Time
	running atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func newSweeper(e *Engine) *Sweeper {
	return &Sweeper{
		engine:   e,
		now:      e.clock,
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep every reconcile interval until Stop is called. The
// loop is detached from ctx's cancellation.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(context.WithoutCancel(ctx))
	})
}

// Stop stops scheduling cycles and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.engine.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				if errors.Is(err, ErrReconcileInProgress) {
					s.engine.logger.Debug("reconciliation cycle skipped", "reason", err)
					continue
				}
				s.engine.logger.Error("reconciliation cycle failed", "error", err)
			}
		}
	}
}

// RunOnce runs a single sweep cycle. It returns ErrReconcileInProgress when
// another cycle holds the cycle lock. Per-item failures never abort the
// cycle; they are collected in the report.
func (s *Sweeper) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	e := s.engine

	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrReconcileInProgress
	}
	defer s.running.Store(false)

	release, err := e.cycleLock.Acquire(ctx, cycleLockName)
	if err != nil {
		if errors.Is(err, cyclelock.ErrNotAcquired) {
			return nil, ErrReconcileInProgress
		}
		return nil, fmt.Errorf("credits: acquire reconcile lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("failed to release reconcile lock", "error", err)
		}
	}()

	ctx, span := e.tracer.Start(ctx, "credits.reconcile")
	defer span.End()

	started := time.Now()
	report := &ReconcileReport{Cutoff: s.now().Add(-e.reconcileTimeout)}
	opts := transaction.PendingOpts{Cutoff: report.Cutoff, Limit: e.reconcileBatchSize}

	for {
		if err := ctx.Err(); err != nil {
			report.Elapsed = time.Since(started)
			return report, err
		}

		batch, err := e.lifecycle.ListPending(ctx, opts)
		if err != nil {
			report.Elapsed = time.Since(started)
			span.RecordError(err)
			span.SetStatus(codes.Error, "list pending")
			return report, fmt.Errorf("credits: list pending transactions: %w", err)
		}

		for _, t := range batch {
			s.reconcile(ctx, t, report)
		}

		if len(batch) < opts.Limit {
			break
		}
		opts = opts.After(batch[len(batch)-1])
	}

	report.Elapsed = time.Since(started)

	span.SetAttributes(
		attribute.Int("credits.reconcile.scanned", report.Scanned),
		attribute.Int("credits.reconcile.completed", report.Completed),
		attribute.Int("credits.reconcile.failed", report.Failed),
		attribute.Int("credits.reconcile.skipped", report.Skipped),
		attribute.Int("credits.reconcile.errors", len(report.Errors)),
	)

	if report.Scanned > 0 {
		e.logger.Info("reconciliation cycle finished",
			"scanned", report.Scanned,
			"completed", report.Completed,
			"failed", report.Failed,
			"skipped", report.Skipped,
			"errors", len(report.Errors),
			"elapsed", report.Elapsed,
		)
	}
	e.plugins.EmitReconcileCompleted(ctx, report.Scanned, report.Completed, report.Failed, report.Elapsed)

	return report, nil
}

// reconcile settles a single stale transaction. Nothing it does escapes
// into the cycle, panics included.
func (s *Sweeper) reconcile(ctx context.Context, t *transaction.Transaction, report *ReconcileReport) {
	e := s.engine
	report.Scanned++

	defer func() {
		if r := recover(); r != nil {
			s.itemFailed(ctx, t, report, fmt.Errorf("panic: %v", r))
		}
	}()

	out, err := e.apply(ctx, t, originReconcile)
	if err != nil {
		s.itemFailed(ctx, t, report, err)
		return
	}

	switch out.Kind {
	case OutcomeApplied:
		report.Completed++
		e.lifecycle.Settled(ctx, out.Transaction)

	case OutcomeInsufficient:
		report.Failed++
		e.lifecycle.Settled(ctx, out.Transaction)

	case OutcomeAlreadySettled:
		report.Skipped++
		e.logger.Debug("reconciliation skipped settled transaction",
			"transaction_id", t.ID.String(),
			"status", string(out.Transaction.Status),
		)

	case OutcomeAccountMissing:
		failed := t.Clone()
		if err := e.lifecycle.Fail(ctx, e.store, failed, ReasonAccountMissing); err != nil {
			if errors.Is(err, ErrInvalidTransactionState) {
				report.Skipped++
				return
			}
			s.itemFailed(ctx, t, report, err)
			return
		}
		report.Failed++
		e.lifecycle.Settled(ctx, failed)
	}
}

// itemFailed records an unexpected per-item error and fails the
// transaction so it does not come back every cycle.
func (s *Sweeper) itemFailed(ctx context.Context, t *transaction.Transaction, report *ReconcileReport, cause error) {
	e := s.engine

	itemErr := &ReconcileItemError{TransactionID: t.ID, Err: cause}
	report.Errors = append(report.Errors, itemErr)

	e.logger.Error("reconciliation item failed",
		"transaction_id", t.ID.String(),
		"account_id", t.AccountID.String(),
		"error", cause,
	)
	trace.SpanFromContext(ctx).AddEvent("reconcile item failed", trace.WithAttributes(
		attribute.String("credits.transaction.id", t.ID.String()),
	))
	e.plugins.EmitReconcileItemFailed(ctx, t.ID.String(), itemErr)

	failed := t.Clone()
	if err := e.lifecycle.Fail(ctx, e.store, failed, "reconciliation error: "+cause.Error()); err != nil {
		e.logger.Warn("could not fail transaction after reconciliation error",
			"transaction_id", t.ID.String(),
			"error", err,
		)
		return
	}
	report.Failed++
	e.lifecycle.Settled(ctx, failed)
}

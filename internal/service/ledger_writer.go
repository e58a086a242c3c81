package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/domain/pricing"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/logger"
	"github.com/Strob0t/MeterForge/internal/port/cache"
	"github.com/Strob0t/MeterForge/internal/port/chargewriter"
	"github.com/Strob0t/MeterForge/internal/port/telemetry"
	"github.com/Strob0t/MeterForge/internal/resilience"
)

// Committer commits one usage fact under a resolved usage unit id.
// *LedgerWriter is the only production implementation.
type Committer interface {
	Commit(ctx context.Context, fact usage.Fact, usageUnitID string) (ledger.CommitResult, error)
}

// LedgerWriterConfig holds ledger writer settings.
type LedgerWriterConfig struct {
	SourceSystem string
	Retry        resilience.RetryPolicy
}

// LedgerWriter is the single writer of ledger entries. It keys, prices and
// persists facts through the chargewriter.Recorder, retrying transient
// failures with bounded backoff.
type LedgerWriter struct {
	recorder chargewriter.Recorder
	policy   pricing.Policy
	cfg      LedgerWriterConfig
	sink     telemetry.Sink
	balances cache.Cache
	metrics  *cfotel.Metrics
	now      func() time.Time
}

// NewLedgerWriter creates the ledger writer.
func NewLedgerWriter(recorder chargewriter.Recorder, policy pricing.Policy, cfg LedgerWriterConfig) *LedgerWriter {
	return &LedgerWriter{
		recorder: recorder,
		policy:   policy,
		cfg:      cfg,
		sink:     telemetry.Nop{},
		now:      time.Now,
	}
}

// SetMetrics attaches metric instruments.
func (w *LedgerWriter) SetMetrics(m *cfotel.Metrics) { w.metrics = m }

// SetSink attaches the commit telemetry sink.
func (w *LedgerWriter) SetSink(s telemetry.Sink) {
	if s == nil {
		s = telemetry.Nop{}
	}
	w.sink = s
}

// SetBalanceCache attaches the balance cache invalidated after new charges.
func (w *LedgerWriter) SetBalanceCache(c cache.Cache) { w.balances = c }

// Commit persists fact under sourceReference runID/attempt/usageUnitID.
// Re-committing the same key returns WasNew=false with no side effects.
// Commits are detached from ctx cancellation so a cancelled run still
// records usage it already incurred.
func (w *LedgerWriter) Commit(ctx context.Context, fact usage.Fact, usageUnitID string) (ledger.CommitResult, error) {
	ctx = context.WithoutCancel(ctx)
	if fact.RunID != "" {
		ctx = logger.WithRunID(ctx, fact.RunID)
	}

	if err := fact.Validate(); err != nil {
		return ledger.CommitResult{}, fmt.Errorf("%w: %w", ErrInvalidFact, err)
	}
	if usageUnitID == "" {
		return ledger.CommitResult{}, fmt.Errorf("%w: usage unit id is not resolved", ErrInvalidFact)
	}

	credits, err := w.policy.Charge(fact.CostUSD)
	if err != nil {
		return ledger.CommitResult{}, fmt.Errorf("%w: %w", ErrInvalidFact, err)
	}

	ref := ledger.SourceReference(fact.RunID, fact.Attempt, usageUnitID)
	receipt := ledger.Receipt{
		ID:               uuid.NewString(),
		SourceSystem:     w.cfg.SourceSystem,
		SourceReference:  ref,
		RunID:            fact.RunID,
		Attempt:          fact.Attempt,
		BillingAccountID: fact.BillingAccountID,
		ChargedCredits:   credits,
		CostUSD:          fact.CostUSD,
		Provenance:       fact.EffectiveProvenance(),
	}

	ctx, span := cfotel.StartCommitSpan(ctx, receipt.SourceSystem, ref)
	defer span.End()
	start := w.now()

	var wasNew bool
	attempts := 0
	err = resilience.Retry(ctx, w.cfg.Retry, isTransient,
		func(attempt int, err error, wait time.Duration) {
			slog.WarnContext(ctx, "ledger write failed, retrying",
				"source_reference", ref, "attempt", attempt, "backoff", wait, "error", err)
			if w.metrics != nil {
				w.metrics.LedgerWriteRetries.Add(ctx, 1)
			}
		},
		func(actx context.Context) error {
			attempts++
			var rerr error
			wasNew, rerr = w.recorder.RecordChargeReceipt(actx, receipt)
			return rerr
		})

	if w.metrics != nil {
		w.metrics.CommitDuration.Record(ctx, w.now().Sub(start).Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger write failed")
		slog.Log(ctx, logger.LevelCritical, "ledger write abandoned, charge not recorded",
			"source_system", receipt.SourceSystem,
			"source_reference", ref,
			"billing_account_id", receipt.BillingAccountID,
			"charged_credits", credits,
			"attempts", attempts,
			"error", err,
		)
		if w.metrics != nil {
			w.metrics.LedgerWriteFailures.Add(ctx, 1, metric.WithAttributes(
				attribute.Bool("transient", isTransient(err)),
			))
		}
		return ledger.CommitResult{}, fmt.Errorf("%w: %s: %w", ErrLedgerWriteFailure, ref, err)
	}

	result := ledger.CommitResult{
		WasNew:         wasNew,
		SourceSystem:   receipt.SourceSystem,
		Reference:      ref,
		ChargedCredits: credits,
	}
	span.SetAttributes(attribute.Bool("ledger.was_new", wasNew))

	if w.metrics != nil {
		w.metrics.LedgerCommits.Add(ctx, 1, metric.WithAttributes(attribute.Bool("was_new", wasNew)))
		if wasNew {
			w.metrics.ChargedCredits.Add(ctx, credits)
		}
	}
	if wasNew {
		w.invalidateBalance(ctx, receipt.BillingAccountID)
		slog.DebugContext(ctx, "ledger entry recorded", "source_reference", ref, "charged_credits", credits)
	} else {
		slog.DebugContext(ctx, "duplicate usage fact ignored", "source_reference", ref)
	}

	w.observe(ctx, telemetry.CommitEvent{
		RunID:           fact.RunID,
		SourceSystem:    receipt.SourceSystem,
		SourceReference: ref,
		ChargedCredits:  credits,
		WasNew:          wasNew,
		At:              w.now(),
	})
	return result, nil
}

func (w *LedgerWriter) invalidateBalance(ctx context.Context, accountID string) {
	if w.balances == nil {
		return
	}
	if err := w.balances.Delete(ctx, cache.BalanceKey(accountID)); err != nil {
		slog.WarnContext(ctx, "balance cache invalidation failed", "billing_account_id", accountID, "error", err)
	}
}

// observe forwards ev to the sink. Sink panics are contained here.
func (w *LedgerWriter) observe(ctx context.Context, ev telemetry.CommitEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.WarnContext(ctx, "telemetry sink panicked", "panic", r)
		}
	}()
	w.sink.CommitObserved(ctx, ev)
}

// isTransient reports whether a write may succeed on retry. An attempt that
// hit its deadline may have committed; retrying it is safe because the
// insert is idempotent.
func isTransient(err error) bool {
	return errors.Is(err, domain.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/domain/reconcile"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/logger"
	"github.com/Strob0t/MeterForge/internal/port/usageapi"
	"github.com/Strob0t/MeterForge/internal/resilience"
)

// ReconcilerConfig holds reconciliation settings.
type ReconcilerConfig struct {
	Retry resilience.RetryPolicy
	// Lookback is used as the query window when a request carries no Since.
	Lookback time.Duration
	// SettleDelay is waited before the first query so batched upstream
	// spend logs of the run's last calls have been written.
	SettleDelay time.Duration
}

// ReconcileRequest identifies the finished run to reconcile.
type ReconcileRequest struct {
	RunID            string
	Attempt          int
	IdentityKey      string
	BillingAccountID string
	VirtualKeyID     string
	Source           usage.Source
	Since            time.Time
}

// Reconciler recovers usage of runs whose executor cannot report it inline
// by querying the upstream billing API after the run finished.
type Reconciler struct {
	source  usageapi.Source
	cfg     ReconcilerConfig
	metrics *cfotel.Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler over source.
func NewReconciler(source usageapi.Source, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{source: source, cfg: cfg, now: time.Now}
}

// SetMetrics attaches metric instruments.
func (r *Reconciler) SetMetrics(m *cfotel.Metrics) { r.metrics = m }

// Reconcile queries the upstream by the account identity, keeps the records
// correlated to req.RunID and commits each through committer. It always
// finishes in StateReconciled or StateDegraded and never returns an error.
func (r *Reconciler) Reconcile(ctx context.Context, req ReconcileRequest, committer FactCommitter) reconcile.Outcome {
	ctx = logger.WithRunID(ctx, req.RunID)
	ctx, span := cfotel.StartReconcileSpan(ctx, req.RunID, r.source.Name())
	defer span.End()

	m := reconcile.NewMachine()
	out := reconcile.Outcome{RunID: req.RunID}

	if req.IdentityKey == "" || req.IdentityKey == req.RunID {
		return r.degrade(ctx, m, out, "identity key must be the account identity, not the run id", nil)
	}

	if err := r.settle(ctx); err != nil {
		return r.degrade(ctx, m, out, "cancelled before polling", err)
	}

	_ = m.Transition(reconcile.StatePolling)
	since := req.Since
	if since.IsZero() {
		since = r.now().Add(-r.cfg.Lookback)
	}

	var records []usageapi.Record
	err := resilience.Retry(ctx, r.cfg.Retry,
		func(error) bool { return ctx.Err() == nil },
		func(attempt int, err error, wait time.Duration) {
			slog.WarnContext(ctx, "usage query failed, retrying",
				"upstream", r.source.Name(), "attempt", attempt, "backoff", wait, "error", err)
		},
		func(actx context.Context) error {
			var qerr error
			records, qerr = r.source.ListUsage(actx, req.IdentityKey, since)
			return qerr
		})
	if err != nil {
		return r.degrade(ctx, m, out, "usage query failed", err)
	}

	out.Fetched = len(records)
	var commitErrs []error
	for i := range records {
		rec := &records[i]
		if rec.RunID() != req.RunID {
			continue
		}
		out.Matched++
		res, cerr := committer.CommitFact(ctx, r.toFact(req, rec))
		if cerr != nil {
			commitErrs = append(commitErrs, cerr)
			continue
		}
		if res.WasNew {
			out.Committed++
		}
	}

	_ = m.Transition(reconcile.StateReconciled)
	out.State = m.State()
	if len(commitErrs) > 0 {
		out.Reason = fmt.Sprintf("%d of %d matched records failed to commit", len(commitErrs), out.Matched)
		slog.ErrorContext(ctx, "reconciled records not committed", "error", errors.Join(commitErrs...))
	}
	span.SetAttributes(
		attribute.Int("reconcile.fetched", out.Fetched),
		attribute.Int("reconcile.matched", out.Matched),
	)
	slog.InfoContext(ctx, "run reconciled",
		"upstream", r.source.Name(), "fetched", out.Fetched, "matched", out.Matched, "committed", out.Committed)
	r.count(ctx, out.State)
	return out
}

func (r *Reconciler) settle(ctx context.Context) error {
	if r.cfg.SettleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(r.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reconciler) degrade(ctx context.Context, m *reconcile.Machine, out reconcile.Outcome, reason string, err error) reconcile.Outcome {
	_ = m.Transition(reconcile.StateDegraded)
	out.State = m.State()
	out.Reason = reason
	if err != nil {
		out.Reason = reason + ": " + err.Error()
	}

	slog.ErrorContext(ctx, "reconciliation degraded, usage not billed",
		"upstream", r.source.Name(), "reason", reason, "error", err)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, reason)
	if r.metrics != nil {
		r.metrics.ReconcileDegraded.Add(ctx, 1, metric.WithAttributes(attribute.String("upstream", r.source.Name())))
	}
	r.count(ctx, out.State)
	return out
}

func (r *Reconciler) count(ctx context.Context, state reconcile.State) {
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
	}
}

func (r *Reconciler) toFact(req ReconcileRequest, rec *usageapi.Record) usage.Fact {
	return usage.Fact{
		RunID:            req.RunID,
		Attempt:          req.Attempt,
		UsageUnitID:      rec.CallID,
		Source:           req.Source,
		BillingAccountID: req.BillingAccountID,
		VirtualKeyID:     req.VirtualKeyID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		InputTokens:      rec.InputTokens,
		OutputTokens:     rec.OutputTokens,
		CostUSD:          rec.CostUSD,
		Provenance:       usage.ProvenanceReconciled,
		Raw:              rec.Raw,
	}
}

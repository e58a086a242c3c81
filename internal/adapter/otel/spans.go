package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "meterforge"

// StartRunSpan starts a span covering one relayed run.
func StartRunSpan(ctx context.Context, runID, executor, accountID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.executor", executor),
			attribute.String("billing.account_id", accountID),
		),
	)
}

// StartCommitSpan starts a span for one ledger commit.
func StartCommitSpan(ctx context.Context, sourceSystem, sourceReference string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ledger.commit",
		trace.WithAttributes(
			attribute.String("ledger.source_system", sourceSystem),
			attribute.String("ledger.source_reference", sourceReference),
		),
	)
}

// StartReconcileSpan starts a span for a post-run reconciliation.
func StartReconcileSpan(ctx context.Context, runID, upstream string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reconcile",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("reconcile.upstream", upstream),
		),
	)
}

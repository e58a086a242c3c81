package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/logger"
)

// FactCommitter commits a usage fact through the billing path, resolving its
// usage unit id first. The reconciler feeds upstream records through it.
type FactCommitter interface {
	CommitFact(ctx context.Context, fact usage.Fact) (ledger.CommitResult, error)
}

// BillingStats counts what one subscriber did.
type BillingStats struct {
	Committed  int `json:"committed"`
	Duplicates int `json:"duplicates"`
	Fallbacks  int `json:"fallbacks"`
	Faults     int `json:"faults"`
}

// BillingSubscriber turns usage reports of one run into ledger commits. In
// production it never fails the run: faults are logged, counted and skipped.
// In strict mode the first fault stops further commits and is kept for Err.
type BillingSubscriber struct {
	runID     string
	committer Committer
	strict    bool
	metrics   *cfotel.Metrics

	mu        sync.Mutex
	callIndex int
	stats     BillingStats
	firstErr  error
}

// NewBillingSubscriber creates the billing subscriber of runID.
func NewBillingSubscriber(runID string, committer Committer, strict bool) *BillingSubscriber {
	return &BillingSubscriber{runID: runID, committer: committer, strict: strict}
}

// SetMetrics attaches metric instruments.
func (b *BillingSubscriber) SetMetrics(m *cfotel.Metrics) { b.metrics = m }

// Consume drains events until the channel closes. It always drains, even
// after a strict-mode fault, so a lossless queue never stalls the relay.
func (b *BillingSubscriber) Consume(ctx context.Context, events <-chan run.Event) error {
	for ev := range events {
		b.Handle(ctx, ev)
	}
	return b.Err()
}

// Handle processes one relayed event. Non-usage events are ignored; an event
// that is not a known variant counts as a fault.
func (b *BillingSubscriber) Handle(ctx context.Context, ev run.Event) {
	ev, err := run.Normalize(ev)
	if err != nil {
		ctx = logger.WithRunID(ctx, b.runID)
		if !b.stopped() {
			_ = b.fault(ctx, fmt.Errorf("%w: %w", ErrSubscriberFault, err))
		}
		return
	}
	switch e := ev.(type) {
	case run.UsageReport:
		_, _ = b.CommitFact(ctx, e.Fact)
	case run.TextDelta, run.ToolCallStart, run.ToolCallResult, run.Done, run.Error:
	}
}

// CommitFact resolves the usage unit id of fact and commits it. Panics in the
// commit path are converted to ErrSubscriberFault.
func (b *BillingSubscriber) CommitFact(ctx context.Context, fact usage.Fact) (res ledger.CommitResult, err error) {
	ctx = logger.WithRunID(ctx, b.runID)

	if b.stopped() {
		return ledger.CommitResult{}, b.Err()
	}
	if fact.RunID != b.runID {
		return ledger.CommitResult{}, b.fault(ctx, fmt.Errorf("%w: fact for run %q relayed to run %q",
			ErrSubscriberFault, fact.RunID, b.runID))
	}

	defer func() {
		if r := recover(); r != nil {
			err = b.fault(ctx, fmt.Errorf("%w: panic: %v", ErrSubscriberFault, r))
		}
	}()

	unitID := b.resolveUnitID(ctx, &fact)
	res, err = b.committer.Commit(ctx, fact, unitID)
	if err != nil {
		return res, b.fault(ctx, fmt.Errorf("%w: %w", ErrSubscriberFault, err))
	}

	b.mu.Lock()
	if res.WasNew {
		b.stats.Committed++
	} else {
		b.stats.Duplicates++
	}
	b.mu.Unlock()
	return res, nil
}

// resolveUnitID returns the fact's usage unit id or assigns the next
// deterministic fallback.
func (b *BillingSubscriber) resolveUnitID(ctx context.Context, fact *usage.Fact) string {
	if fact.UsageUnitID != "" {
		return fact.UsageUnitID
	}

	b.mu.Lock()
	idx := b.callIndex
	b.callIndex++
	b.stats.Fallbacks++
	b.mu.Unlock()

	unitID := ledger.FallbackUnitID(b.runID, idx)
	slog.ErrorContext(ctx, "usage fact without usage unit id, assigned fallback",
		"usage_unit_id", unitID, "source", fact.Source, "provider", fact.Provider, "model", fact.Model)
	if b.metrics != nil {
		b.metrics.MissingUsageUnitID.Add(ctx, 1, metric.WithAttributes(
			attribute.String("source", string(fact.Source)),
		))
	}
	return unitID
}

func (b *BillingSubscriber) fault(ctx context.Context, err error) error {
	b.mu.Lock()
	b.stats.Faults++
	if b.strict && b.firstErr == nil {
		b.firstErr = err
	}
	b.mu.Unlock()

	slog.ErrorContext(ctx, "billing subscriber fault", "strict", b.strict, "error", err)
	if b.metrics != nil {
		b.metrics.SubscriberFaults.Add(ctx, 1)
	}
	return err
}

func (b *BillingSubscriber) stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr != nil
}

// Err returns the first fault in strict mode. It is always nil otherwise.
func (b *BillingSubscriber) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr
}

// Stats returns a snapshot of the subscriber's counters.
func (b *BillingSubscriber) Stats() BillingStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

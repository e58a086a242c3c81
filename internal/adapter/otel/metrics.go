package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "meterforge"

// Metrics holds all MeterForge metric instruments.
type Metrics struct {
	MissingUsageUnitID  metric.Int64Counter
	LedgerCommits       metric.Int64Counter
	ChargedCredits      metric.Int64Counter
	LedgerWriteRetries  metric.Int64Counter
	LedgerWriteFailures metric.Int64Counter
	SubscriberFaults    metric.Int64Counter
	UIEvictions         metric.Int64Counter
	ReconcileRuns       metric.Int64Counter
	ReconcileDegraded   metric.Int64Counter
	RunsCompleted       metric.Int64Counter
	CommitDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWith(otel.GetMeterProvider())
}

// NewMetricsWith creates all metric instruments on mp.
func NewMetricsWith(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.MissingUsageUnitID, err = meter.Int64Counter("billing.missing_usage_unit_id",
		metric.WithDescription("Usage reports that arrived without a usage unit id"))
	if err != nil {
		return nil, err
	}

	m.LedgerCommits, err = meter.Int64Counter("ledger.commits",
		metric.WithDescription("Ledger commits by outcome (was_new)"))
	if err != nil {
		return nil, err
	}

	m.ChargedCredits, err = meter.Int64Counter("ledger.charged_credits",
		metric.WithDescription("Credits charged by new ledger entries"))
	if err != nil {
		return nil, err
	}

	m.LedgerWriteRetries, err = meter.Int64Counter("ledger.write_retries",
		metric.WithDescription("Transient ledger write failures that were retried"))
	if err != nil {
		return nil, err
	}

	m.LedgerWriteFailures, err = meter.Int64Counter("ledger.write_failures",
		metric.WithDescription("Ledger writes abandoned after exhausting retries"))
	if err != nil {
		return nil, err
	}

	m.SubscriberFaults, err = meter.Int64Counter("billing.subscriber_faults",
		metric.WithDescription("Usage reports the billing subscriber failed to commit"))
	if err != nil {
		return nil, err
	}

	m.UIEvictions, err = meter.Int64Counter("relay.ui_evictions",
		metric.WithDescription("Lossy subscribers evicted for falling behind"))
	if err != nil {
		return nil, err
	}

	m.ReconcileRuns, err = meter.Int64Counter("reconcile.runs",
		metric.WithDescription("Reconciliations by terminal state"))
	if err != nil {
		return nil, err
	}

	m.ReconcileDegraded, err = meter.Int64Counter("reconcile.degraded",
		metric.WithDescription("Reconciliations that ended degraded"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("runs.completed",
		metric.WithDescription("Runs finished by status"))
	if err != nil {
		return nil, err
	}

	m.CommitDuration, err = meter.Float64Histogram("ledger.commit.duration_seconds",
		metric.WithDescription("Ledger commit latency including retries"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

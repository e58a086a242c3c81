package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/domain/money"
	"github.com/Strob0t/MeterForge/internal/domain/pricing"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/telemetry"
	"github.com/Strob0t/MeterForge/internal/resilience"
	"github.com/Strob0t/MeterForge/internal/service"
)

// --- Metrics ---

func newTestMetrics(t *testing.T) (*cfotel.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := cfotel.NewMetricsWith(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	return m, reader
}

// counterValue sums all data points of the named int64 counter.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// --- Fixtures ---

func testPolicy(t *testing.T) pricing.Policy {
	t.Helper()
	p, err := pricing.NewPolicy("1.3", "10000000")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func fastRetry(attempts int) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func fact(runID, unitID, cost string) usage.Fact {
	f := usage.Fact{
		RunID:            runID,
		UsageUnitID:      unitID,
		Source:           usage.SourceInProc,
		BillingAccountID: "b1",
	}
	if cost != "" {
		f.CostUSD = money.MustNew(cost).Ptr()
	}
	return f
}

// --- Mocks ---

// mockRecorder emulates the unique constraint and can inject failures.
type mockRecorder struct {
	mu       sync.Mutex
	entries  map[string]ledger.Receipt
	order    []string
	failures []error // returned (and consumed) before any insert
	calls    int
}

func newMockRecorder() *mockRecorder {
	return &mockRecorder{entries: make(map[string]ledger.Receipt)}
}

func (m *mockRecorder) RecordChargeReceipt(_ context.Context, r ledger.Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return false, err
	}
	key := r.SourceSystem + "|" + r.SourceReference
	if _, ok := m.entries[key]; ok {
		return false, nil
	}
	m.entries[key] = r
	m.order = append(m.order, r.SourceReference)
	return true, nil
}

func (m *mockRecorder) references() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *mockRecorder) receipt(ref string) (ledger.Receipt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.entries {
		if r.SourceReference == ref {
			return r, true
		}
	}
	return ledger.Receipt{}, false
}

type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.CommitEvent
	panics bool
}

func (s *recordingSink) CommitObserved(_ context.Context, ev telemetry.CommitEvent) {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newWriter(t *testing.T, rec *mockRecorder, attempts int) *service.LedgerWriter {
	t.Helper()
	return service.NewLedgerWriter(rec, testPolicy(t), service.LedgerWriterConfig{
		SourceSystem: "llm_usage",
		Retry:        fastRetry(attempts),
	})
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/MeterForge/internal/adapter/inproc"
	"github.com/Strob0t/MeterForge/internal/adapter/memory"
	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/reconcile"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/executor"
	"github.com/Strob0t/MeterForge/internal/port/usageapi"
	"github.com/Strob0t/MeterForge/internal/service"
)

// externalExecutor runs an in-process graph but presents itself as an
// external backend without inline usage.
type externalExecutor struct {
	*inproc.Executor
}

func (externalExecutor) Name() string         { return "external" }
func (externalExecutor) Source() usage.Source { return usage.ExternalSource("langgraph") }
func (externalExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{InlineUsage: false}
}

type runFixture struct {
	svc   *service.RunService
	store *memory.Store
	graph *inproc.Executor
}

func newRunFixture(t *testing.T, strict bool) *runFixture {
	t.Helper()
	store := memory.New()
	for _, id := range []string{"b1", "b2"} {
		if _, err := store.CreateAccount(context.Background(), id, 1_000_000); err != nil {
			t.Fatal(err)
		}
	}
	writer := service.NewLedgerWriter(store, testPolicy(t), service.LedgerWriterConfig{
		SourceSystem: "llm_usage",
		Retry:        fastRetry(2),
	})

	graph := inproc.New(0)
	reg := executor.NewRegistry()
	if err := reg.Register(graph); err != nil {
		t.Fatal(err)
	}
	svc := service.NewRunService(reg, writer, service.RunServiceConfig{
		Relay:  service.RelayConfig{UIBuffer: 16, BillingBuffer: 64},
		Strict: strict,
	})
	return &runFixture{svc: svc, store: store, graph: graph}
}

func wait(t *testing.T, h *service.RunHandle) (*service.RunReport, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && report == nil {
		t.Fatal("run did not finish")
	}
	return report, err
}

func emitUsage(emit inproc.EmitFunc, unit, cost string) error {
	f := usage.Fact{UsageUnitID: unit}
	if cost != "" {
		f.CostUSD = fact("", "", cost).CostUSD
	}
	return emit(run.UsageReport{Fact: f})
}

func TestRunDuplicateUsageFactChargedOnce(t *testing.T) {
	fx := newRunFixture(t, false)
	fx.graph.Register("dup", func(_ context.Context, _ *run.Request, emit inproc.EmitFunc) (string, error) {
		if err := emitUsage(emit, "u1", "0.002"); err != nil {
			return "", err
		}
		return "ok", emitUsage(emit, "u1", "0.002")
	})

	h, err := fx.svc.Start(context.Background(), &run.Request{RunID: "r1", Executor: "inproc", BillingAccountID: "b1"}, service.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	report, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}

	entries, _ := fx.store.EntriesByRun(context.Background(), "r1", 0)
	if len(entries) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(entries))
	}
	if entries[0].SourceReference != "r1/0/u1" || entries[0].ChargedCredits != 26000 {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	acct, _ := fx.store.GetAccount(context.Background(), "b1")
	if acct.BalanceCredits != 1_000_000-26000 {
		t.Fatalf("balance must be debited once, got %d", acct.BalanceCredits)
	}
	if report.Billing.Committed != 1 || report.Billing.Duplicates != 1 {
		t.Fatalf("unexpected billing stats %+v", report.Billing)
	}
	if report.Result.Status != run.StatusCompleted || report.Result.Output != "ok" {
		t.Fatalf("unexpected result %+v", report.Result)
	}
}

func TestRunMissingUnitIDsGetFallbacks(t *testing.T) {
	fx := newRunFixture(t, false)
	fx.graph.Register("missing", func(_ context.Context, _ *run.Request, emit inproc.EmitFunc) (string, error) {
		_ = emitUsage(emit, "", "0.001")
		return "", emitUsage(emit, "", "0.001")
	})

	h, err := fx.svc.Start(context.Background(), &run.Request{RunID: "r2", Executor: "inproc", BillingAccountID: "b1"}, service.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, h); err != nil {
		t.Fatal(err)
	}

	entries, _ := fx.store.EntriesByRun(context.Background(), "r2", 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].SourceReference != "r2/0/MISSING:r2/0" || entries[1].SourceReference != "r2/0/MISSING:r2/1" {
		t.Fatalf("unexpected references %q, %q", entries[0].SourceReference, entries[1].SourceReference)
	}
}

func TestRunUICancelStillBillsEverything(t *testing.T) {
	fx := newRunFixture(t, false)
	fx.graph.Register("five", func(_ context.Context, _ *run.Request, emit inproc.EmitFunc) (string, error) {
		for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
			if err := emitUsage(emit, u, "0.001"); err != nil {
				return "", err
			}
		}
		return "done", nil
	})

	h, err := fx.svc.Start(context.Background(), &run.Request{RunID: "r3", Executor: "inproc", BillingAccountID: "b1"}, service.StartOptions{WithUI: true})
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		<-h.Events()
	}
	h.CancelUI()

	report, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := fx.store.EntriesByRun(context.Background(), "r3", 0)
	if len(entries) != 5 {
		t.Fatalf("UI disconnect must not affect billing, got %d entries", len(entries))
	}
	if report.Result.Usage.Calls != 5 {
		t.Fatalf("final must carry full totals, got %+v", report.Result.Usage)
	}
}

func TestRunCancelBillsRelayedUsage(t *testing.T) {
	fx := newRunFixture(t, false)
	fx.graph.Register("slow", func(ctx context.Context, _ *run.Request, emit inproc.EmitFunc) (string, error) {
		_ = emitUsage(emit, "u1", "0.001")
		_ = emitUsage(emit, "u2", "0.001")
		<-ctx.Done()
		return "", ctx.Err()
	})

	h, err := fx.svc.Start(context.Background(), &run.Request{RunID: "r4", Executor: "inproc", BillingAccountID: "b1"}, service.StartOptions{WithUI: true})
	if err != nil {
		t.Fatal(err)
	}
	// The billing subscription is attached first, so once the UI saw an
	// event the billing queue already holds it.
	for range 2 {
		<-h.Events()
	}
	h.Cancel()

	report, err := wait(t, h)
	if !errors.Is(err, service.ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}
	if report.Result.Status != run.StatusCancelled {
		t.Fatalf("unexpected status %s", report.Result.Status)
	}
	if entries, _ := fx.store.EntriesByRun(context.Background(), "r4", 0); len(entries) != 2 {
		t.Fatalf("usage relayed before cancel must be billed, got %d", len(entries))
	}
}

func TestRunExternalExecutorIsReconciled(t *testing.T) {
	fx := newRunFixture(t, false)
	ext := externalExecutor{inproc.New(0)}
	ext.Register("remote", func(context.Context, *run.Request, inproc.EmitFunc) (string, error) {
		return "remote output", nil
	})
	reg := executor.NewRegistry()
	if err := reg.Register(ext); err != nil {
		t.Fatal(err)
	}
	writer := service.NewLedgerWriter(fx.store, testPolicy(t), service.LedgerWriterConfig{SourceSystem: "llm_usage", Retry: fastRetry(1)})
	svc := service.NewRunService(reg, writer, service.RunServiceConfig{Relay: service.RelayConfig{UIBuffer: 4, BillingBuffer: 4}})

	src := &mockUsageSource{records: []usageapi.Record{
		upstreamRecord("c1", "r5", "0.002"),
		upstreamRecord("c2", "r9", "0.002"),
		upstreamRecord("c3", "r5", "0.001"),
	}}
	svc.SetReconciler(service.NewReconciler(src, service.ReconcilerConfig{Retry: fastRetry(2), Lookback: time.Hour}))

	h, err := svc.Start(context.Background(), &run.Request{RunID: "r5", Executor: "external", BillingAccountID: "b1"}, service.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	report, err := wait(t, h)
	if err != nil {
		t.Fatal(err)
	}
	if report.Reconcile == nil || report.Reconcile.State != reconcile.StateReconciled || report.Reconcile.Matched != 2 {
		t.Fatalf("unexpected reconcile outcome %+v", report.Reconcile)
	}
	if len(src.queries) != 1 || src.queries[0] != "b1" {
		t.Fatalf("reconcile must query by account identity, got %v", src.queries)
	}
	entries, _ := fx.store.EntriesByRun(context.Background(), "r5", 0)
	if len(entries) != 2 {
		t.Fatalf("expected 2 reconciled entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Provenance != usage.ProvenanceReconciled {
			t.Fatalf("unexpected provenance %s", e.Provenance)
		}
	}
}

func TestRunStrictModeSurfacesBillingFault(t *testing.T) {
	fx := newRunFixture(t, true)
	fx.graph.Register("unknown-account", func(_ context.Context, _ *run.Request, emit inproc.EmitFunc) (string, error) {
		return "ok", emitUsage(emit, "u1", "0.001")
	})

	h, err := fx.svc.Start(context.Background(), &run.Request{RunID: "r6", Executor: "inproc", BillingAccountID: "nobody"}, service.StartOptions{WithUI: true})
	if err != nil {
		t.Fatal(err)
	}
	var uiErrors int
	for ev := range h.Events() {
		if ev.Type() == run.TypeError {
			uiErrors++
		}
	}
	_, err = wait(t, h)
	if !errors.Is(err, service.ErrSubscriberFault) {
		t.Fatalf("strict mode must surface the billing fault, got %v", err)
	}
	if uiErrors != 0 {
		t.Fatal("billing faults must never reach the UI stream")
	}
}

func TestRunNonStrictSwallowsBillingFault(t *testing.T) {
	fx := newRunFixture(t, false)
	fx.graph.Register("unknown-account", func(_ context.Context, _ *run.Request, emit inproc.EmitFunc) (string, error) {
		return "ok", emitUsage(emit, "u1", "0.001")
	})

	h, err := fx.svc.Start(context.Background(), &run.Request{RunID: "r7", Executor: "inproc", BillingAccountID: "nobody"}, service.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	report, err := wait(t, h)
	if err != nil {
		t.Fatalf("production mode must not fail the run, got %v", err)
	}
	if report.Billing.Faults != 1 {
		t.Fatalf("expected one fault, got %+v", report.Billing)
	}
}

func TestRunStartValidation(t *testing.T) {
	fx := newRunFixture(t, false)
	fx.graph.Register("echo", inproc.Echo)

	if _, err := fx.svc.Start(context.Background(), &run.Request{Executor: "inproc"}, service.StartOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := fx.svc.Start(context.Background(), &run.Request{Executor: "inproc", BillingAccountID: "b1", Attempt: 1}, service.StartOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("attempt must be frozen at 0, got %v", err)
	}
	if _, err := fx.svc.Start(context.Background(), &run.Request{Executor: "nope", BillingAccountID: "b1"}, service.StartOptions{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunGeneratesIDAndShutdownWaits(t *testing.T) {
	fx := newRunFixture(t, false)
	release := make(chan struct{})
	fx.graph.Register("gated", func(context.Context, *run.Request, inproc.EmitFunc) (string, error) {
		<-release
		return "ok", nil
	})

	req := &run.Request{Executor: "inproc", BillingAccountID: "b1"}
	h, err := fx.svc.Start(context.Background(), req, service.StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if h.RunID == "" || req.RunID != h.RunID {
		t.Fatalf("expected generated run id, got %q", h.RunID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := fx.svc.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown must wait for in-flight runs, got %v", err)
	}

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := fx.svc.Shutdown(ctx2); err != nil {
		t.Fatal(err)
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/reconcile"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/logger"
	"github.com/Strob0t/MeterForge/internal/port/executor"
)

// reconcileClockSkew widens the reconciliation window before run start to
// absorb upstream clock drift.
const reconcileClockSkew = time.Minute

// RunServiceConfig holds run orchestration settings.
type RunServiceConfig struct {
	Relay  RelayConfig
	Strict bool
}

// RunReport is what a finished run produced.
type RunReport struct {
	Result    *run.Result        `json:"result"`
	Billing   BillingStats       `json:"billing"`
	Reconcile *reconcile.Outcome `json:"reconcile,omitempty"`
}

// StartOptions controls how a run is observed.
type StartOptions struct {
	// WithUI attaches a lossy UI subscription exposed by RunHandle.Events.
	WithUI bool
}

// RunService starts runs on a graph executor and attaches the billing path
// to every one of them.
type RunService struct {
	executors  *executor.Registry
	committer  Committer
	reconciler *Reconciler
	cfg        RunServiceConfig
	metrics    *cfotel.Metrics

	wg sync.WaitGroup
}

// NewRunService creates the run service. Every run's billing subscriber
// commits through committer.
func NewRunService(executors *executor.Registry, committer Committer, cfg RunServiceConfig) *RunService {
	return &RunService{executors: executors, committer: committer, cfg: cfg}
}

// SetReconciler attaches the reconciler used for executors without inline usage.
func (s *RunService) SetReconciler(r *Reconciler) { s.reconciler = r }

// SetMetrics attaches metric instruments.
func (s *RunService) SetMetrics(m *cfotel.Metrics) { s.metrics = m }

// RunHandle controls one started run.
type RunHandle struct {
	RunID string

	ui     *Subscription
	cancel context.CancelFunc
	done   chan struct{}
	report *RunReport
	err    error
}

// Events returns the UI event stream, or nil when the run was started
// without UI.
func (h *RunHandle) Events() <-chan run.Event {
	if h.ui == nil {
		return nil
	}
	return h.ui.Events()
}

// UIErr reports whether the UI subscription was evicted.
func (h *RunHandle) UIErr() error {
	if h.ui == nil {
		return nil
	}
	return h.ui.Err()
}

// CancelUI detaches the UI subscriber. The run and its billing continue.
func (h *RunHandle) CancelUI() {
	if h.ui != nil {
		h.ui.Cancel()
	}
}

// Cancel stops the run. Usage already relayed is still billed.
func (h *RunHandle) Cancel() { h.cancel() }

// Done is closed once billing and reconciliation of the run finished.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run is fully billed or ctx is done. The error
// carries the run failure and, in strict mode, the first billing fault.
func (h *RunHandle) Wait(ctx context.Context) (*RunReport, error) {
	select {
	case <-h.done:
		return h.report, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start launches req on its executor. The run is detached from ctx: it keeps
// running after the caller returns until it finishes or Cancel is called.
func (s *RunService) Start(ctx context.Context, req *run.Request, opts StartOptions) (*RunHandle, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("start run: %w: %w", domain.ErrValidation, err)
	}
	exec, err := s.executors.Get(req.Executor)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	runCtx, cancel := context.WithCancel(logger.WithRunID(context.WithoutCancel(ctx), req.RunID))
	runCtx, span := cfotel.StartRunSpan(runCtx, req.RunID, exec.Name(), req.BillingAccountID)
	startedAt := time.Now()

	execution, err := exec.RunGraph(runCtx, req)
	if err != nil {
		span.RecordError(err)
		span.End()
		cancel()
		return nil, fmt.Errorf("start run %s on %s: %w", req.RunID, exec.Name(), err)
	}

	relay := NewRelay(req.RunID, execution, s.cfg.Relay)
	relay.SetMetrics(s.metrics)
	billingSub, _ := relay.Subscribe("billing", ModeLossless)

	h := &RunHandle{RunID: req.RunID, cancel: cancel, done: make(chan struct{})}
	if opts.WithUI {
		h.ui, _ = relay.Subscribe("ui", ModeLossy)
	}

	billing := NewBillingSubscriber(req.RunID, s.committer, s.cfg.Strict)
	billing.SetMetrics(s.metrics)

	slog.InfoContext(runCtx, "run started", "executor", exec.Name(), "billing_account_id", req.BillingAccountID)
	relay.Start(runCtx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		defer span.End()
		defer cancel()

		// The billing context outlives cancellation so queued usage is committed.
		billCtx := context.WithoutCancel(runCtx)
		_ = billing.Consume(billCtx, billingSub.Events())

		result, runErr := relay.Final(billCtx)
		report := &RunReport{Result: result}

		if !exec.Capabilities().InlineUsage && s.reconciler != nil {
			out := s.reconciler.Reconcile(billCtx, ReconcileRequest{
				RunID:            req.RunID,
				Attempt:          req.Attempt,
				IdentityKey:      req.BillingAccountID,
				BillingAccountID: req.BillingAccountID,
				VirtualKeyID:     req.VirtualKeyID,
				Source:           exec.Source(),
				Since:            startedAt.Add(-reconcileClockSkew),
			}, billing)
			report.Reconcile = &out
		}
		report.Billing = billing.Stats()

		h.report = report
		h.err = errors.Join(runErr, billing.Err())
		s.finish(billCtx, exec.Name(), report, h.err)
		if h.err != nil {
			span.RecordError(h.err)
			span.SetStatus(codes.Error, "run failed")
		}
	}()

	return h, nil
}

func (s *RunService) finish(ctx context.Context, executorName string, report *RunReport, err error) {
	status := run.StatusFailed
	if report.Result != nil {
		status = report.Result.Status
	}
	attrs := []any{
		"executor", executorName,
		"status", status,
		"committed", report.Billing.Committed,
		"duplicates", report.Billing.Duplicates,
		"faults", report.Billing.Faults,
	}
	if report.Reconcile != nil {
		attrs = append(attrs, "reconcile_state", report.Reconcile.State)
	}
	if err != nil {
		slog.WarnContext(ctx, "run finished with error", append(attrs, "error", err)...)
	} else {
		slog.InfoContext(ctx, "run finished", attrs...)
	}

	if s.metrics != nil {
		s.metrics.RunsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("executor", executorName),
			attribute.String("status", string(status)),
		))
	}
}

// Shutdown waits for in-flight runs to finish billing or for ctx to end.
func (s *RunService) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package sandbox implements the executor.GraphExecutor interface for graphs
// running in an isolated sandbox worker reached over NATS.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/executor"
	"github.com/Strob0t/MeterForge/internal/port/messagequeue"
)

const backendName = "sandbox"

// Executor dispatches runs to a sandbox worker via the message queue. The
// worker streams back one run event envelope per message on
// runs.event.<runID>.
type Executor struct {
	queue  messagequeue.Queue
	buffer int
}

// New creates a sandbox executor with the given queue.
func New(queue messagequeue.Queue, buffer int) *Executor {
	return &Executor{queue: queue, buffer: buffer}
}

// Name returns "sandbox".
func (e *Executor) Name() string { return backendName }

// Source returns usage.SourceSandbox.
func (e *Executor) Source() usage.Source { return usage.SourceSandbox }

// Capabilities returns what the sandbox worker supports.
func (e *Executor) Capabilities() executor.Capabilities {
	return executor.Capabilities{InlineUsage: true, Cancel: true}
}

// RunGraph subscribes to the run's event subject and then publishes the
// start message. Cancelling ctx publishes runs.cancel.
func (e *Executor) RunGraph(ctx context.Context, req *run.Request) (*executor.Execution, error) {
	em, exec := executor.NewExecution(e.buffer)
	r := &remoteRun{req: req, em: em, terminal: make(chan run.Event, 1)}

	stop, err := e.queue.Subscribe(ctx, messagequeue.RunEventSubject(req.RunID), func(_ context.Context, _ string, data []byte) error {
		return r.onEvent(ctx, data)
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: subscribe events: %w", err)
	}

	data, err := json.Marshal(messagequeue.RunStartPayload{
		RunID:            req.RunID,
		Attempt:          req.Attempt,
		BillingAccountID: req.BillingAccountID,
		VirtualKeyID:     req.VirtualKeyID,
		Graph:            req.Graph,
		Input:            req.Input,
		Metadata:         req.Metadata,
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("sandbox: marshal start: %w", err)
	}
	if err := e.queue.Publish(ctx, messagequeue.SubjectRunStart, data); err != nil {
		stop()
		return nil, fmt.Errorf("sandbox: publish start: %w", err)
	}

	go e.watch(ctx, r, stop)
	return exec, nil
}

// watch finishes the execution on the terminal event or on cancellation.
func (e *Executor) watch(ctx context.Context, r *remoteRun, stop func()) {
	defer stop()

	select {
	case ev := <-r.terminal:
		out := executor.Outcome{}
		switch t := ev.(type) {
		case run.Done:
			out.Output = t.Output
		case run.Error:
			out.Err = fmt.Errorf("sandbox: %s", t.Message)
		}
		r.finish(out)

	case <-ctx.Done():
		r.finish(executor.Outcome{Err: ctx.Err()})
		data, _ := json.Marshal(messagequeue.RunCancelPayload{RunID: r.req.RunID, Reason: ctx.Err().Error()})
		if err := e.queue.Publish(context.WithoutCancel(ctx), messagequeue.SubjectRunCancel, data); err != nil {
			slog.WarnContext(ctx, "sandbox cancel publish failed", "run_id", r.req.RunID, "error", err)
		}
	}
}

type remoteRun struct {
	req      *run.Request
	em       *executor.Emitter
	terminal chan run.Event

	mu   sync.Mutex
	done bool
}

func (r *remoteRun) onEvent(ctx context.Context, data []byte) error {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done {
		// Late or redelivered event after the terminal one.
		return nil
	}

	ev, err := run.Decode(data)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	if u, ok := ev.(run.UsageReport); ok {
		f := u.Fact
		if f.Source == "" {
			f.Source = usage.SourceSandbox
		}
		if f.RunID == "" {
			f.RunID = r.req.RunID
		}
		if f.BillingAccountID == "" {
			f.BillingAccountID = r.req.BillingAccountID
		}
		ev = run.UsageReport{Fact: f}
	}

	if err := r.em.Emit(ctx, ev); err != nil {
		// The run was cancelled or already finished; nothing to redeliver.
		return nil
	}
	if run.IsTerminal(ev) {
		r.mu.Lock()
		if !r.done {
			r.done = true
			r.terminal <- ev
		}
		r.mu.Unlock()
	}
	return nil
}

func (r *remoteRun) finish(out executor.Outcome) {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.em.Finish(out)
}

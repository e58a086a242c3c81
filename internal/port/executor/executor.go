// Package executor defines the graph executor port implemented by each
// execution backend (in-process, sandboxed, external).
package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
)

// ErrClosed is returned by Emit after Finish.
var ErrClosed = errors.New("executor: execution already finished")

// Capabilities declares how a backend reports usage.
type Capabilities struct {
	// InlineUsage is true when the backend emits usage_report events. Backends
	// without it are billed by post-run reconciliation.
	InlineUsage bool `json:"inline_usage"`
	Cancel      bool `json:"cancel"`
}

// Outcome is the executor's own view of how a run ended.
type Outcome struct {
	Output string
	Err    error
}

// Execution is a run in flight. Events is closed after the last event; Final
// yields exactly one Outcome once Events is closed.
type Execution struct {
	Events <-chan run.Event
	Final  <-chan Outcome
}

// GraphExecutor is the port interface for execution backends.
type GraphExecutor interface {
	// Name returns the unique identifier for this backend.
	Name() string

	// Source returns the usage source tag stamped on facts from this backend.
	Source() usage.Source

	// Capabilities returns what this backend supports.
	Capabilities() Capabilities

	// RunGraph starts req and returns its event stream. Cancelling ctx stops
	// the run; the stream still terminates with Finish.
	RunGraph(ctx context.Context, req *run.Request) (*Execution, error)
}

// Emitter is the producer half of an Execution.
type Emitter struct {
	events chan run.Event
	final  chan Outcome
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// NewExecution returns a linked Emitter and Execution. buffer sizes the
// event channel.
func NewExecution(buffer int) (*Emitter, *Execution) {
	e := &Emitter{
		events: make(chan run.Event, buffer),
		final:  make(chan Outcome, 1),
	}
	return e, &Execution{Events: e.events, Final: e.final}
}

// Emit sends ev to the consumer, blocking until it is accepted or ctx is done.
// Pointer variants are sent as values; nil events are rejected.
func (e *Emitter) Emit(ctx context.Context, ev run.Event) error {
	ev, err := run.Normalize(ev)
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish closes the event stream and publishes out. Only the first call has
// an effect.
func (e *Emitter) Finish(out Outcome) {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.events)
		e.mu.Unlock()
		e.final <- out
		close(e.final)
	})
}

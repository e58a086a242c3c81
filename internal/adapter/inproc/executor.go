// Package inproc implements the executor.GraphExecutor interface for graphs
// running inside the service process.
package inproc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/executor"
)

const backendName = "inproc"

// EmitFunc delivers one event of the running graph.
type EmitFunc func(ev run.Event) error

// GraphFunc executes one graph. It streams events through emit and returns
// the final output. Returning without emitting a terminal event is fine; the
// returned values become the terminal event.
type GraphFunc func(ctx context.Context, req *run.Request, emit EmitFunc) (string, error)

// Executor runs registered GraphFuncs in a goroutine per run.
type Executor struct {
	graphs       map[string]GraphFunc
	defaultGraph string
	buffer       int
}

// New creates an in-process executor. The first registered graph is used
// for requests that name none.
func New(buffer int) *Executor {
	return &Executor{graphs: make(map[string]GraphFunc), buffer: buffer}
}

// Register adds a named graph.
func (e *Executor) Register(name string, fn GraphFunc) {
	if e.defaultGraph == "" {
		e.defaultGraph = name
	}
	e.graphs[name] = fn
}

// Graphs returns the sorted names of registered graphs.
func (e *Executor) Graphs() []string {
	names := make([]string, 0, len(e.graphs))
	for n := range e.graphs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Name returns "inproc".
func (e *Executor) Name() string { return backendName }

// Source returns usage.SourceInProc.
func (e *Executor) Source() usage.Source { return usage.SourceInProc }

// Capabilities returns what in-process graphs support.
func (e *Executor) Capabilities() executor.Capabilities {
	return executor.Capabilities{InlineUsage: true, Cancel: true}
}

// RunGraph starts the requested graph.
func (e *Executor) RunGraph(ctx context.Context, req *run.Request) (*executor.Execution, error) {
	name := req.Graph
	if name == "" {
		name = e.defaultGraph
	}
	fn, ok := e.graphs[name]
	if !ok {
		return nil, fmt.Errorf("inproc: graph %q: %w", name, domain.ErrNotFound)
	}

	em, exec := executor.NewExecution(e.buffer)
	go e.run(ctx, req, fn, em)
	return exec, nil
}

func (e *Executor) run(ctx context.Context, req *run.Request, fn GraphFunc, em *executor.Emitter) {
	var out executor.Outcome
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "inproc graph panicked", "run_id", req.RunID, "panic", r)
			out = executor.Outcome{Err: fmt.Errorf("inproc: graph panicked: %v", r)}
		}
		em.Finish(out)
	}()

	emit := func(ev run.Event) error {
		ev, err := run.Normalize(ev)
		if err != nil {
			return err
		}
		if u, ok := ev.(run.UsageReport); ok {
			ev = run.UsageReport{Fact: stamp(u.Fact, req)}
		}
		return em.Emit(ctx, ev)
	}
	output, err := fn(ctx, req, emit)
	out = executor.Outcome{Output: output, Err: err}
}

// stamp fills the run identity of facts a graph reported without it.
func stamp(f usage.Fact, req *run.Request) usage.Fact {
	if f.RunID == "" {
		f.RunID = req.RunID
	}
	if f.BillingAccountID == "" {
		f.BillingAccountID = req.BillingAccountID
	}
	if f.VirtualKeyID == "" {
		f.VirtualKeyID = req.VirtualKeyID
	}
	if f.Source == "" {
		f.Source = usage.SourceInProc
	}
	return f
}

// Echo streams the request input back word by word and reports one
// zero-cost usage unit. It is the built-in graph for local development.
func Echo(ctx context.Context, req *run.Request, emit EmitFunc) (string, error) {
	words := strings.Fields(req.Input)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if err := emit(run.TextDelta{Text: w}); err != nil {
			return "", err
		}
	}
	in, outTokens := int64(len(words)), int64(len(words))
	if err := emit(run.UsageReport{Fact: usage.Fact{
		UsageUnitID:  req.RunID + "-echo",
		Provider:     "meterforge",
		Model:        "echo",
		InputTokens:  &in,
		OutputTokens: &outTokens,
		Provenance:   usage.ProvenanceResponse,
	}}); err != nil {
		return "", err
	}
	return strings.Join(words, " "), ctx.Err()
}

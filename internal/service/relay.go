package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cfotel "github.com/Strob0t/MeterForge/internal/adapter/otel"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/port/executor"
)

// Mode selects how a subscription behaves when its queue is full.
type Mode int

const (
	// ModeLossy subscriptions are evicted when their queue overflows.
	ModeLossy Mode = iota
	// ModeLossless subscriptions are never dropped from; the pump blocks
	// until the consumer makes room.
	ModeLossless
)

func (m Mode) String() string {
	if m == ModeLossless {
		return "lossless"
	}
	return "lossy"
}

// RelayConfig sizes per-subscriber queues.
type RelayConfig struct {
	UIBuffer      int
	BillingBuffer int
}

// Subscription is one consumer's private view of a relayed run.
type Subscription struct {
	name   string
	mode   Mode
	ch     chan run.Event
	stop   chan struct{}
	once   sync.Once
	closed bool // pump-owned
	err    atomic.Pointer[error]
}

// Events returns the subscriber's queue. It is closed after the terminal
// event, on eviction and after Cancel.
func (s *Subscription) Events() <-chan run.Event { return s.ch }

// Name returns the subscriber name.
func (s *Subscription) Name() string { return s.name }

// Cancel detaches the subscriber. It never affects the pump or other
// subscribers. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() { close(s.stop) })
}

// Err returns ErrSlowConsumer if the subscription was evicted.
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Subscription) cancelled() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Relay reads one execution's event stream exactly once and fans every event
// out to each subscriber in producer order.
type Relay struct {
	runID   string
	exec    *executor.Execution
	cfg     RelayConfig
	metrics *cfotel.Metrics

	mu      sync.Mutex
	subs    []*Subscription
	started bool

	done   chan struct{}
	result *run.Result
	err    error
}

// NewRelay creates a relay over exec. Subscribers must attach before Start.
func NewRelay(runID string, exec *executor.Execution, cfg RelayConfig) *Relay {
	return &Relay{
		runID: runID,
		exec:  exec,
		cfg:   cfg,
		done:  make(chan struct{}),
	}
}

// SetMetrics attaches metric instruments.
func (r *Relay) SetMetrics(m *cfotel.Metrics) { r.metrics = m }

// Subscribe attaches a subscriber with a private queue.
func (r *Relay) Subscribe(name string, mode Mode) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil, ErrRelayStarted
	}

	size := r.cfg.UIBuffer
	if mode == ModeLossless {
		size = r.cfg.BillingBuffer
	}
	sub := &Subscription{
		name: name,
		mode: mode,
		ch:   make(chan run.Event, max(size, 1)),
		stop: make(chan struct{}),
	}
	r.subs = append(r.subs, sub)
	return sub, nil
}

// Start launches the pump. Cancelling ctx stops reading upstream; events
// already queued for lossless subscribers stay readable until drained.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	subs := append([]*Subscription(nil), r.subs...)
	r.mu.Unlock()

	go r.pump(ctx, subs)
}

// Final blocks until the run finished or ctx is done. The returned error is
// non-nil when the upstream failed or the run was cancelled.
func (r *Relay) Final(ctx context.Context) (*run.Result, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once Final has resolved.
func (r *Relay) Done() <-chan struct{} { return r.done }

func (r *Relay) pump(ctx context.Context, subs []*Subscription) {
	res := &run.Result{RunID: r.runID}
	var runErr error

	defer func() {
		for _, sub := range subs {
			r.closeSub(sub)
		}
		r.result, r.err = res, runErr
		close(r.done)
	}()

	for {
		select {
		case <-ctx.Done():
			r.cancelled(ctx, subs, res, &runErr)
			return

		case ev, ok := <-r.exec.Events:
			if !ok && ctx.Err() != nil {
				// The executor shut down because of the cancellation.
				r.cancelled(ctx, subs, res, &runErr)
				return
			}
			if !ok {
				// Upstream closed without a terminal event; take the
				// executor's outcome as the terminal event.
				r.finishFromOutcome(ctx, subs, res, &runErr)
				return
			}
			ev, err := run.Normalize(ev)
			if err != nil {
				slog.ErrorContext(ctx, "relay dropped malformed upstream event", "run_id", r.runID, "error", err)
				continue
			}
			res.Events++
			r.tally(res, ev)
			r.broadcast(ctx, subs, ev)

			switch e := ev.(type) {
			case run.Done:
				res.Status = run.StatusCompleted
				res.Output = e.Output
				return
			case run.Error:
				res.Status = run.StatusFailed
				res.Error = e.Message
				runErr = fmt.Errorf("%w: %s", ErrRunFailed, e.Message)
				return
			}
		}
	}
}

func (r *Relay) cancelled(ctx context.Context, subs []*Subscription, res *run.Result, runErr *error) {
	res.Status = run.StatusCancelled
	res.Error = "run cancelled"
	*runErr = ErrRunCancelled
	r.broadcast(ctx, subs, run.Error{Message: res.Error, Code: "cancelled"})
}

func (r *Relay) finishFromOutcome(ctx context.Context, subs []*Subscription, res *run.Result, runErr *error) {
	var out executor.Outcome
	select {
	case o, ok := <-r.exec.Final:
		if ok {
			out = o
		} else {
			out.Err = errors.New("executor closed without an outcome")
		}
	case <-ctx.Done():
		out.Err = ctx.Err()
	}

	if out.Err != nil {
		res.Status = run.StatusFailed
		res.Error = out.Err.Error()
		*runErr = fmt.Errorf("%w: %w", ErrRunFailed, out.Err)
		r.broadcast(ctx, subs, run.Error{Message: res.Error})
		return
	}
	res.Status = run.StatusCompleted
	res.Output = out.Output
	r.broadcast(ctx, subs, run.Done{Output: out.Output})
}

func (r *Relay) tally(res *run.Result, ev run.Event) {
	if u, ok := ev.(run.UsageReport); ok {
		res.Usage.Add(&u.Fact)
	}
}

// broadcast delivers ev to every live subscriber in subscription order.
func (r *Relay) broadcast(ctx context.Context, subs []*Subscription, ev run.Event) {
	for _, sub := range subs {
		if sub.closed {
			continue
		}
		if sub.cancelled() {
			r.closeSub(sub)
			continue
		}
		switch sub.mode {
		case ModeLossless:
			select {
			case sub.ch <- ev:
			case <-sub.stop:
				r.closeSub(sub)
			}
		default:
			select {
			case sub.ch <- ev:
			default:
				r.evict(ctx, sub)
			}
		}
	}
}

func (r *Relay) evict(ctx context.Context, sub *Subscription) {
	err := ErrSlowConsumer
	sub.err.Store(&err)
	r.closeSub(sub)
	slog.WarnContext(ctx, "relay subscriber evicted", "run_id", r.runID, "subscriber", sub.name)
	if r.metrics != nil {
		r.metrics.UIEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", sub.name)))
	}
}

// closeSub closes the subscriber's queue. Only the pump goroutine calls it.
func (r *Relay) closeSub(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer allows flushing and stopping the async handler.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// asyncQueue is shared by an AsyncHandler and every handler derived from it
// through WithAttrs or WithGroup.
type asyncQueue struct {
	ch      chan queuedRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
	once    sync.Once

	mu     sync.RWMutex // guards closed against sends on a closed ch
	closed bool
}

type queuedRecord struct {
	inner slog.Handler
	rec   slog.Record
}

// AsyncHandler moves log output off hot paths such as the relay pump.
//
// Records below error level are dropped when the queue is full. Error
// records wait for room. Critical records bypass the queue and are written
// synchronously so an abandoned charge is on disk before the caller moves on.
type AsyncHandler struct {
	inner slog.Handler
	q     *asyncQueue
}

// NewAsyncHandler creates an AsyncHandler with the given queue capacity and worker count.
func NewAsyncHandler(inner slog.Handler, queueSize, workers int) *AsyncHandler {
	q := &asyncQueue{ch: make(chan queuedRecord, queueSize)}
	for range max(workers, 1) {
		q.wg.Add(1)
		go q.drain()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (q *asyncQueue) drain() {
	defer q.wg.Done()
	for qr := range q.ch {
		_ = qr.inner.Handle(context.Background(), qr.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues, drops or writes rec according to its level. After Close
// every record is written synchronously.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if rec.Level >= LevelCritical {
		return h.inner.Handle(ctx, rec)
	}
	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	if h.q.closed {
		return h.inner.Handle(ctx, rec)
	}
	qr := queuedRecord{inner: h.inner, rec: rec.Clone()}
	if rec.Level >= slog.LevelError {
		h.q.ch <- qr
		return nil
	}
	select {
	case h.q.ch <- qr:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a handler sharing the queue with attrs added to the inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

// WithGroup returns a handler sharing the queue with the group opened on the inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.q.dropped.Load()
}

// Close drains the queue and stops the workers. It is safe to call more
// than once. A non-zero drop count is reported through the inner handler.
func (h *AsyncHandler) Close() {
	h.q.once.Do(func() {
		h.q.mu.Lock()
		h.q.closed = true
		close(h.q.ch)
		h.q.mu.Unlock()
		h.q.wg.Wait()
		if n := h.q.dropped.Load(); n > 0 {
			rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
			rec.AddAttrs(slog.Int64("dropped", n))
			_ = h.inner.Handle(context.Background(), rec)
		}
	})
}

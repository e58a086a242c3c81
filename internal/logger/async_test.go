package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects slog.Records for test assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration
	gate    chan struct{} // when non-nil, Handle blocks until it is closed
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.gate != nil && rec.Level < LevelCritical {
		<-h.gate
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.records))
	for i, r := range h.records {
		out[i] = r.Message
	}
	return out
}

func record(level slog.Level, msg string) slog.Record {
	return slog.NewRecord(time.Now(), level, msg, 0)
}

func TestAsyncHandler_ConcurrentWritesAllFlushed(t *testing.T) {
	const goroutines, perGoroutine = 50, 100

	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, goroutines*perGoroutine, 4)

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				_ = ah.Handle(context.Background(), record(slog.LevelInfo, "relay event"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := len(inner.messages()); got != goroutines*perGoroutine {
		t.Fatalf("expected %d records, got %d", goroutines*perGoroutine, got)
	}
}

func TestAsyncHandler_FullQueueDropsInfoAndReportsOnClose(t *testing.T) {
	inner := &recordingHandler{delay: 5 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 50 {
		_ = ah.Handle(context.Background(), record(slog.LevelInfo, "flood"))
	}
	ah.Close()

	if ah.DroppedCount() == 0 {
		t.Fatal("expected drops with a one-slot queue")
	}
	msgs := inner.messages()
	if msgs[len(msgs)-1] != "async logger dropped records" {
		t.Errorf("expected drop summary last, got %q", msgs[len(msgs)-1])
	}
}

func TestAsyncHandler_ErrorsNeverDropped(t *testing.T) {
	inner := &recordingHandler{delay: time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	const total = 30
	for range total {
		_ = ah.Handle(context.Background(), record(slog.LevelError, "subscriber fault"))
	}
	ah.Close()

	if ah.DroppedCount() != 0 {
		t.Fatalf("error records must not be dropped, dropped %d", ah.DroppedCount())
	}
	if got := len(inner.messages()); got != total {
		t.Fatalf("expected %d records, got %d", total, got)
	}
}

func TestAsyncHandler_CriticalWrittenSynchronously(t *testing.T) {
	inner := &recordingHandler{gate: make(chan struct{})}
	ah := NewAsyncHandler(inner, 4, 1)

	// The worker is parked on the gate, so only a synchronous write can land.
	_ = ah.Handle(context.Background(), record(slog.LevelInfo, "queued"))
	_ = ah.Handle(context.Background(), record(LevelCritical, "ledger write abandoned"))

	if msgs := inner.messages(); len(msgs) != 1 || msgs[0] != "ledger write abandoned" {
		t.Fatalf("expected critical record written immediately, got %v", msgs)
	}
	close(inner.gate)
	ah.Close()
}

func TestAsyncHandler_CloseIsIdempotentAndWritesThrough(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 8, 2)
	ah.Close()
	ah.Close()

	if err := ah.Handle(context.Background(), record(slog.LevelInfo, "after close")); err != nil {
		t.Fatal(err)
	}
	if msgs := inner.messages(); len(msgs) != 1 || msgs[0] != "after close" {
		t.Fatalf("expected write-through after close, got %v", msgs)
	}
}

func TestAsyncHandler_DerivedHandlersShareQueue(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 8, 1)
	child := ah.WithAttrs([]slog.Attr{slog.String("run_id", "r1")}).WithGroup("relay")

	_ = child.Handle(context.Background(), record(slog.LevelInfo, "from child"))
	ah.Close()

	if msgs := inner.messages(); len(msgs) != 1 || msgs[0] != "from child" {
		t.Fatalf("expected child record flushed by parent Close, got %v", msgs)
	}
}

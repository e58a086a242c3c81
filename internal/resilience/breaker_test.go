package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func TestClosedStateAllowsCalls(t *testing.T) {
	b := NewBreaker("test", 3, time.Second)
	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker("test", 3, time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
			t.Fatalf("expected underlying error while closed, got %v", err)
		}
	}

	if !b.Open() {
		t.Fatal("expected breaker to be open")
	}
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestHalfOpenProbeCloses(t *testing.T) {
	b := NewBreaker("test", 1, 20*time.Millisecond)
	_ = b.Execute(func() error { return errTest })
	if !b.Open() {
		t.Fatal("expected breaker to be open")
	}

	time.Sleep(40 * time.Millisecond)

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if b.Open() {
		t.Fatal("expected breaker to close after successful probe")
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", 2, time.Second)
	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errTest })
	if b.Open() {
		t.Fatal("non-consecutive failures must not trip the breaker")
	}
}

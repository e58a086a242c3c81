package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/MeterForge/internal/adapter/memory"
	"github.com/Strob0t/MeterForge/internal/adapter/ristretto"
	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/service"
)

func TestAccountServiceBalanceCacheInvalidatedByCharge(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	accounts := service.NewAccountService(store)
	accounts.SetCache(c, time.Minute)
	if _, err := accounts.CreateAccount(ctx, "b1", 100_000); err != nil {
		t.Fatal(err)
	}

	writer := service.NewLedgerWriter(store, testPolicy(t), service.LedgerWriterConfig{SourceSystem: "llm_usage", Retry: fastRetry(1)})
	writer.SetBalanceCache(c)

	if bal, err := accounts.GetBalance(ctx, "b1"); err != nil || bal != 100_000 {
		t.Fatalf("unexpected balance %d, %v", bal, err)
	}
	if _, err := writer.Commit(ctx, fact("r1", "u1", "0.002"), "u1"); err != nil {
		t.Fatal(err)
	}
	if bal, _ := accounts.GetBalance(ctx, "b1"); bal != 100_000-26000 {
		t.Fatalf("stale cached balance after charge: %d", bal)
	}
}

func TestAccountServiceServesFromCache(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	accounts := service.NewAccountService(store)
	accounts.SetCache(c, time.Minute)
	_, _ = accounts.CreateAccount(ctx, "b1", 5)
	_, _ = accounts.GetBalance(ctx, "b1")

	// Written behind the service's back: the cached value is still served.
	_ = c.Set(ctx, "balance:b1", []byte("7"), time.Minute)
	if bal, _ := accounts.GetBalance(ctx, "b1"); bal != 7 {
		t.Fatalf("expected cached balance 7, got %d", bal)
	}
}

func TestAccountServiceValidation(t *testing.T) {
	ctx := context.Background()
	accounts := service.NewAccountService(memory.New())

	if _, err := accounts.CreateAccount(ctx, " ", 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := accounts.CreateAccount(ctx, "b1", -1); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := accounts.CreateAccount(ctx, "b1", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := accounts.CreateAccount(ctx, "b1", 0); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := accounts.GetBalance(ctx, "nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := accounts.EntriesByRun(ctx, "", 0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAccountServiceEntriesByRun(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	accounts := service.NewAccountService(store)
	_, _ = accounts.CreateAccount(ctx, "b1", 0)

	writer := service.NewLedgerWriter(store, testPolicy(t), service.LedgerWriterConfig{SourceSystem: "llm_usage", Retry: fastRetry(1)})
	for _, u := range []string{"u1", "u2"} {
		if _, err := writer.Commit(ctx, fact("r1", u, "0.001"), u); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := writer.Commit(ctx, fact("r2", "u1", "0.001"), "u1"); err != nil {
		t.Fatal(err)
	}

	entries, err := accounts.EntriesByRun(ctx, "r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].SourceReference != "r1/0/u1" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if bal, _ := accounts.GetBalance(ctx, "b1"); bal != -3*13000 {
		t.Fatalf("balances may go negative, expected %d got %d", -3*13000, bal)
	}
}

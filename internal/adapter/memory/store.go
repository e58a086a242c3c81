// Package memory implements the ledger and account ports in process memory.
// It backs the "memory" store driver used for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/port/accountstore"
	"github.com/Strob0t/MeterForge/internal/port/chargewriter"
)

var (
	_ chargewriter.Recorder = (*Store)(nil)
	_ accountstore.Store    = (*Store)(nil)
)

type entryKey struct {
	system, reference string
}

// Store is a mutex-guarded ledger. The entries map plays the role of the
// UNIQUE(source_system, source_reference) constraint.
type Store struct {
	mu       sync.Mutex
	accounts map[string]*ledger.Account
	entries  map[entryKey]ledger.Entry
	order    []entryKey
	now      func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*ledger.Account),
		entries:  make(map[entryKey]ledger.Entry),
		now:      time.Now,
	}
}

// RecordChargeReceipt inserts the entry and debits the account atomically.
func (s *Store) RecordChargeReceipt(ctx context.Context, r ledger.Receipt) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{r.SourceSystem, r.SourceReference}
	if _, exists := s.entries[key]; exists {
		return false, nil
	}
	acct, ok := s.accounts[r.BillingAccountID]
	if !ok {
		return false, fmt.Errorf("account %s: %w", r.BillingAccountID, domain.ErrNotFound)
	}

	now := s.now().UTC()
	s.entries[key] = ledger.Entry{
		ID:               r.ID,
		SourceSystem:     r.SourceSystem,
		SourceReference:  r.SourceReference,
		RunID:            r.RunID,
		Attempt:          r.Attempt,
		BillingAccountID: r.BillingAccountID,
		ChargedCredits:   r.ChargedCredits,
		CostUSD:          r.CostUSD,
		Provenance:       r.Provenance,
		CreatedAt:        now,
	}
	s.order = append(s.order, key)
	acct.BalanceCredits -= r.ChargedCredits
	acct.UpdatedAt = now
	return true, nil
}

// CreateAccount provisions an account with an opening balance.
func (s *Store) CreateAccount(_ context.Context, id string, openingCredits int64) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[id]; exists {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrConflict)
	}
	acct := &ledger.Account{ID: id, BalanceCredits: openingCredits, UpdatedAt: s.now().UTC()}
	s.accounts[id] = acct
	cp := *acct
	return &cp, nil
}

// GetAccount returns a copy of the account.
func (s *Store) GetAccount(_ context.Context, id string) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	cp := *acct
	return &cp, nil
}

// EntriesByRun lists the entries of one run attempt in insertion order.
func (s *Store) EntriesByRun(_ context.Context, runID string, attempt int) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ledger.Entry
	for _, key := range s.order {
		e := s.entries[key]
		if e.RunID == runID && e.Attempt == attempt {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Len returns the number of ledger entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

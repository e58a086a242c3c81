package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/port/accountstore"
	"github.com/Strob0t/MeterForge/internal/port/cache"
)

// AccountService serves the read side of billing: balances and ledger
// entries. Balances are read through an optional cache.
type AccountService struct {
	store      accountstore.Store
	cache      cache.Cache
	balanceTTL time.Duration
}

// NewAccountService creates the account service.
func NewAccountService(store accountstore.Store) *AccountService {
	return &AccountService{store: store}
}

// SetCache attaches the balance cache. The same cache must be given to the
// LedgerWriter so new charges invalidate it.
func (s *AccountService) SetCache(c cache.Cache, ttl time.Duration) {
	s.cache = c
	s.balanceTTL = ttl
}

// CreateAccount provisions a billing account.
func (s *AccountService) CreateAccount(ctx context.Context, id string, openingCredits int64) (*ledger.Account, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("account id is required: %w", domain.ErrValidation)
	}
	if openingCredits < 0 {
		return nil, fmt.Errorf("opening credits must be >= 0: %w", domain.ErrValidation)
	}
	return s.store.CreateAccount(ctx, id, openingCredits)
}

// GetBalance returns the account balance in credits.
func (s *AccountService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	key := cache.BalanceKey(accountID)
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			if v, perr := strconv.ParseInt(string(data), 10, 64); perr == nil {
				return v, nil
			}
		}
	}

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, []byte(strconv.FormatInt(acct.BalanceCredits, 10)), s.balanceTTL); err != nil {
			slog.WarnContext(ctx, "balance cache write failed", "billing_account_id", accountID, "error", err)
		}
	}
	return acct.BalanceCredits, nil
}

// GetAccount returns the account without consulting the cache.
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*ledger.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// EntriesByRun lists the ledger entries written for one run attempt.
func (s *AccountService) EntriesByRun(ctx context.Context, runID string, attempt int) ([]ledger.Entry, error) {
	if runID == "" {
		return nil, fmt.Errorf("run id is required: %w", domain.ErrValidation)
	}
	return s.store.EntriesByRun(ctx, runID, attempt)
}

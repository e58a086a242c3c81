// Package accountstore defines read access to billing accounts and ledger entries.
package accountstore

import (
	"context"

	"github.com/Strob0t/MeterForge/internal/domain/ledger"
)

// Store is the port interface for billing account reads and provisioning.
// It carries no way to charge an account.
type Store interface {
	// CreateAccount provisions an account with an opening balance. Creating an
	// existing account returns domain.ErrConflict.
	CreateAccount(ctx context.Context, id string, openingCredits int64) (*ledger.Account, error)

	// GetAccount returns the account or domain.ErrNotFound.
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)

	// EntriesByRun lists entries for one run attempt ordered by creation time.
	EntriesByRun(ctx context.Context, runID string, attempt int) ([]ledger.Entry, error)
}

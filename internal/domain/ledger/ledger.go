// Package ledger defines charge entries and their idempotency key.
package ledger

import (
	"fmt"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain/money"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
)

// MissingUnitPrefix marks usage unit ids assigned because the producer sent none.
const MissingUnitPrefix = "MISSING:"

// SourceReference builds the per-source idempotency key runID/attempt/usageUnitID.
func SourceReference(runID string, attempt int, usageUnitID string) string {
	return fmt.Sprintf("%s/%d/%s", runID, attempt, usageUnitID)
}

// FallbackUnitID returns the deterministic id for the callIndex-th fact of
// a run that arrived without a usage unit id.
func FallbackUnitID(runID string, callIndex int) string {
	return fmt.Sprintf("%s%s/%d", MissingUnitPrefix, runID, callIndex)
}

// Receipt is the idempotent charge request handed to the account store.
type Receipt struct {
	ID               string
	SourceSystem     string
	SourceReference  string
	RunID            string
	Attempt          int
	BillingAccountID string
	ChargedCredits   int64
	CostUSD          *money.Decimal
	Provenance       usage.Provenance
}

// Entry is one immutable persisted charge.
type Entry struct {
	ID               string           `json:"id"`
	SourceSystem     string           `json:"source_system"`
	SourceReference  string           `json:"source_reference"`
	RunID            string           `json:"run_id"`
	Attempt          int              `json:"attempt"`
	BillingAccountID string           `json:"billing_account_id"`
	ChargedCredits   int64            `json:"charged_credits"`
	CostUSD          *money.Decimal   `json:"cost_usd,omitempty"`
	Provenance       usage.Provenance `json:"provenance"`
	CreatedAt        time.Time        `json:"created_at"`
}

// CommitResult reports whether a commit inserted a new entry.
type CommitResult struct {
	WasNew         bool   `json:"was_new"`
	SourceSystem   string `json:"source_system"`
	Reference      string `json:"source_reference"`
	ChargedCredits int64  `json:"charged_credits"`
}

// Account is a billing account and its credit balance.
type Account struct {
	ID             string    `json:"id"`
	BalanceCredits int64     `json:"balance_credits"`
	UpdatedAt      time.Time `json:"updated_at"`
}

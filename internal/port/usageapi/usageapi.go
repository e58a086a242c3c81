// Package usageapi defines the port for upstream usage/billing APIs queried
// during post-run reconciliation.
package usageapi

import (
	"context"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain/money"
)

// Record is one upstream call as reported by the billing API.
type Record struct {
	CallID       string
	Provider     string
	Model        string
	InputTokens  *int64
	OutputTokens *int64
	CostUSD      *money.Decimal
	Metadata     map[string]any
	StartedAt    time.Time
	Raw          map[string]any
}

// RunID returns the run correlation embedded in the record metadata.
func (r *Record) RunID() string {
	v, _ := r.Metadata["run_id"].(string)
	return v
}

// Source lists upstream usage by account identity.
type Source interface {
	// Name identifies the upstream (for example "litellm").
	Name() string

	// ListUsage returns records for identityKey since the given time. The
	// upstream indexes by account identity, never by run.
	ListUsage(ctx context.Context, identityKey string, since time.Time) ([]Record, error)
}

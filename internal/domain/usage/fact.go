// Package usage defines the billable unit of work reported by executors.
package usage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/MeterForge/internal/domain/money"
)

// Source identifies the backend that produced a fact.
type Source string

const (
	SourceInProc  Source = "inproc"
	SourceSandbox Source = "sandbox"

	externalPrefix = "external:"
)

// ExternalSource returns the source tag for an externally executed run,
// for example "external:langgraph".
func ExternalSource(adapter string) Source {
	return Source(externalPrefix + adapter)
}

// IsExternal reports whether s was produced by ExternalSource.
func (s Source) IsExternal() bool {
	return strings.HasPrefix(string(s), externalPrefix) && len(s) > len(externalPrefix)
}

// Valid reports whether s is one of the known source kinds.
func (s Source) Valid() bool {
	return s == SourceInProc || s == SourceSandbox || s.IsExternal()
}

// Provenance records how a charge was observed.
type Provenance string

const (
	ProvenanceResponse   Provenance = "response"
	ProvenanceStream     Provenance = "stream"
	ProvenanceReconciled Provenance = "reconciled"
)

// Valid reports whether p is a known provenance.
func (p Provenance) Valid() bool {
	switch p {
	case ProvenanceResponse, ProvenanceStream, ProvenanceReconciled:
		return true
	}
	return false
}

// Fact is one billable unit of work. Facts are values; consumers must not
// modify the cost fields.
type Fact struct {
	RunID            string         `json:"run_id"`
	Attempt          int            `json:"attempt"`
	UsageUnitID      string         `json:"usage_unit_id,omitempty"`
	Source           Source         `json:"source"`
	BillingAccountID string         `json:"billing_account_id"`
	VirtualKeyID     string         `json:"virtual_key_id,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	InputTokens      *int64         `json:"input_tokens,omitempty"`
	OutputTokens     *int64         `json:"output_tokens,omitempty"`
	CacheReadTokens  *int64         `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens *int64         `json:"cache_write_tokens,omitempty"`
	CostUSD          *money.Decimal `json:"cost_usd,omitempty"`
	Provenance       Provenance     `json:"provenance,omitempty"`
	Raw              map[string]any `json:"raw,omitempty"`
}

// Validate checks the fields the ledger depends on.
func (f *Fact) Validate() error {
	var errs []error
	if f.RunID == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if f.Attempt < 0 {
		errs = append(errs, errors.New("attempt must be >= 0"))
	}
	if f.BillingAccountID == "" {
		errs = append(errs, errors.New("billing_account_id is required"))
	}
	if !f.Source.Valid() {
		errs = append(errs, fmt.Errorf("source %q is not valid", f.Source))
	}
	if f.Provenance != "" && !f.Provenance.Valid() {
		errs = append(errs, fmt.Errorf("provenance %q is not valid", f.Provenance))
	}
	if f.CostUSD != nil && f.CostUSD.IsNegative() {
		errs = append(errs, errors.New("cost_usd must be >= 0"))
	}
	for name, v := range map[string]*int64{
		"input_tokens":       f.InputTokens,
		"output_tokens":      f.OutputTokens,
		"cache_read_tokens":  f.CacheReadTokens,
		"cache_write_tokens": f.CacheWriteTokens,
	} {
		if v != nil && *v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", name))
		}
	}
	return errors.Join(errs...)
}

// EffectiveProvenance returns the fact's provenance, defaulting to stream.
func (f *Fact) EffectiveProvenance() Provenance {
	if f.Provenance == "" {
		return ProvenanceStream
	}
	return f.Provenance
}

// Totals accumulates usage across the facts of one run.
type Totals struct {
	Calls            int           `json:"calls"`
	InputTokens      int64         `json:"input_tokens"`
	OutputTokens     int64         `json:"output_tokens"`
	CacheReadTokens  int64         `json:"cache_read_tokens"`
	CacheWriteTokens int64         `json:"cache_write_tokens"`
	CostUSD          money.Decimal `json:"cost_usd"`
}

// Add folds f into t.
func (t *Totals) Add(f *Fact) {
	t.Calls++
	t.InputTokens += deref(f.InputTokens)
	t.OutputTokens += deref(f.OutputTokens)
	t.CacheReadTokens += deref(f.CacheReadTokens)
	t.CacheWriteTokens += deref(f.CacheWriteTokens)
	if f.CostUSD != nil {
		t.CostUSD = t.CostUSD.Add(*f.CostUSD)
	}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

package usage

import (
	"strings"
	"testing"

	"github.com/Strob0t/MeterForge/internal/domain/money"
)

func int64p(v int64) *int64 { return &v }

func validFact() Fact {
	return Fact{
		RunID:            "r1",
		UsageUnitID:      "call-abc",
		Source:           SourceInProc,
		BillingAccountID: "b1",
		CostUSD:          money.MustNew("0.002").Ptr(),
	}
}

func TestSource(t *testing.T) {
	tests := []struct {
		src   Source
		valid bool
	}{
		{SourceInProc, true},
		{SourceSandbox, true},
		{ExternalSource("langgraph"), true},
		{Source("external:"), false},
		{Source("cloud"), false},
		{Source(""), false},
	}
	for _, tt := range tests {
		if got := tt.src.Valid(); got != tt.valid {
			t.Errorf("Source(%q).Valid() = %v, want %v", tt.src, got, tt.valid)
		}
	}
	if ExternalSource("langgraph") != "external:langgraph" {
		t.Errorf("unexpected external source %q", ExternalSource("langgraph"))
	}
}

func TestValidate(t *testing.T) {
	f := validFact()
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid fact, got %v", err)
	}

	tests := []struct {
		name   string
		modify func(*Fact)
		want   string
	}{
		{"missing run", func(f *Fact) { f.RunID = "" }, "run_id is required"},
		{"missing account", func(f *Fact) { f.BillingAccountID = "" }, "billing_account_id is required"},
		{"bad source", func(f *Fact) { f.Source = "cloud" }, "source"},
		{"negative cost", func(f *Fact) { f.CostUSD = money.MustNew("-1").Ptr() }, "cost_usd"},
		{"negative tokens", func(f *Fact) { f.OutputTokens = int64p(-3) }, "output_tokens"},
		{"bad provenance", func(f *Fact) { f.Provenance = "guessed" }, "provenance"},
		{"negative attempt", func(f *Fact) { f.Attempt = -1 }, "attempt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validFact()
			tt.modify(&f)
			err := f.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestMissingUnitIDIsValid(t *testing.T) {
	f := validFact()
	f.UsageUnitID = ""
	if err := f.Validate(); err != nil {
		t.Fatalf("an absent usage unit id is resolved later, got %v", err)
	}
}

func TestEffectiveProvenance(t *testing.T) {
	f := validFact()
	if f.EffectiveProvenance() != ProvenanceStream {
		t.Errorf("empty provenance should default to stream, got %s", f.EffectiveProvenance())
	}
	f.Provenance = ProvenanceReconciled
	if f.EffectiveProvenance() != ProvenanceReconciled {
		t.Errorf("expected reconciled, got %s", f.EffectiveProvenance())
	}
}

func TestTotals(t *testing.T) {
	var tot Totals
	a := validFact()
	a.InputTokens = int64p(10)
	a.OutputTokens = int64p(5)
	b := validFact()
	b.CostUSD = nil
	b.InputTokens = int64p(1)

	tot.Add(&a)
	tot.Add(&b)

	if tot.Calls != 2 || tot.InputTokens != 11 || tot.OutputTokens != 5 {
		t.Fatalf("unexpected totals %+v", tot)
	}
	if tot.CostUSD.Cmp(money.MustNew("0.002")) != 0 {
		t.Fatalf("expected cost 0.002, got %s", tot.CostUSD)
	}
}

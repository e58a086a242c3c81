package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	cfhttp "github.com/Strob0t/MeterForge/internal/adapter/http"
	"github.com/Strob0t/MeterForge/internal/adapter/inproc"
	"github.com/Strob0t/MeterForge/internal/adapter/memory"
	"github.com/Strob0t/MeterForge/internal/domain/money"
	"github.com/Strob0t/MeterForge/internal/domain/pricing"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/executor"
	"github.com/Strob0t/MeterForge/internal/resilience"
	"github.com/Strob0t/MeterForge/internal/service"
)

func pricedGraph(_ context.Context, req *run.Request, emit inproc.EmitFunc) (string, error) {
	cost := money.MustNew("0.002")
	if err := emit(run.TextDelta{Text: "hi"}); err != nil {
		return "", err
	}
	return "hi", emit(run.UsageReport{Fact: usage.Fact{UsageUnitID: "call-1", CostUSD: &cost}})
}

func newTestRouter(t *testing.T, checks map[string]cfhttp.HealthCheck) (http.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	if _, err := store.CreateAccount(context.Background(), "b1", 1_000_000); err != nil {
		t.Fatal(err)
	}
	policy, err := pricing.NewPolicy("1.3", "10000000")
	if err != nil {
		t.Fatal(err)
	}
	writer := service.NewLedgerWriter(store, policy, service.LedgerWriterConfig{
		SourceSystem: "llm_usage",
		Retry:        resilience.RetryPolicy{MaxAttempts: 1},
	})

	graphs := inproc.New(0)
	graphs.Register("priced", pricedGraph)
	reg := executor.NewRegistry()
	if err := reg.Register(graphs); err != nil {
		t.Fatal(err)
	}
	runs := service.NewRunService(reg, writer, service.RunServiceConfig{
		Relay: service.RelayConfig{UIBuffer: 8, BillingBuffer: 64},
	})
	t.Cleanup(func() { _ = runs.Shutdown(context.Background()) })

	h := &cfhttp.Handlers{
		Runs:     runs,
		Accounts: service.NewAccountService(store),
		Checks:   checks,
	}
	r := chi.NewRouter()
	cfhttp.MountRoutes(r, h, nil)
	return r, store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func TestStartRunWaitBillsAndExposesLedger(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/v1/runs?wait=true",
		`{"run_id":"r1","executor":"inproc","graph":"priced","billing_account_id":"b1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	started := decode[struct {
		RunID  string `json:"run_id"`
		Report struct {
			Billing service.BillingStats `json:"billing"`
		} `json:"report"`
		Error string `json:"error"`
	}](t, rec)
	if started.RunID != "r1" || started.Error != "" {
		t.Fatalf("unexpected response %+v", started)
	}
	if started.Report.Billing.Committed != 1 {
		t.Errorf("expected 1 committed fact, got %+v", started.Report.Billing)
	}

	rec = do(t, router, http.MethodGet, "/api/v1/runs/r1/ledger", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ledgerResp := decode[struct {
		Entries []struct {
			SourceReference string `json:"source_reference"`
			ChargedCredits  int64  `json:"charged_credits"`
			CostUSD         string `json:"cost_usd"`
		} `json:"entries"`
		ChargedCredits int64 `json:"charged_credits"`
	}](t, rec)
	if len(ledgerResp.Entries) != 1 || ledgerResp.Entries[0].SourceReference != "r1/0/call-1" {
		t.Fatalf("unexpected entries %+v", ledgerResp.Entries)
	}
	if ledgerResp.ChargedCredits != 26000 {
		t.Errorf("expected 26000 credits, got %d", ledgerResp.ChargedCredits)
	}

	rec = do(t, router, http.MethodGet, "/api/v1/accounts/b1/balance", "")
	bal := decode[struct {
		BalanceCredits int64 `json:"balance_credits"`
	}](t, rec)
	if bal.BalanceCredits != 1_000_000-26000 {
		t.Errorf("unexpected balance %d", bal.BalanceCredits)
	}
}

func TestStartRunAccepted(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/v1/runs", `{"executor":"inproc","billing_account_id":"b1","input":"a b"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		RunID string `json:"run_id"`
	}](t, rec)
	if resp.RunID == "" {
		t.Error("expected a generated run id")
	}
}

func TestStartRunErrors(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing account", `{"executor":"inproc"}`, http.StatusBadRequest},
		{"non-zero attempt", `{"executor":"inproc","billing_account_id":"b1","attempt":2}`, http.StatusBadRequest},
		{"unknown executor", `{"executor":"nope","billing_account_id":"b1"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/v1/runs", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAccounts(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodPost, "/api/v1/accounts", `{"id":"b9","opening_credits":500}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, router, http.MethodPost, "/api/v1/accounts", `{"id":"b9","opening_credits":500}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodPost, "/api/v1/accounts", `{"id":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for blank id, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodGet, "/api/v1/accounts/missing/balance", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestRunLedgerEmptyAndBadAttempt(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/runs/unknown/ledger", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("expected empty entries array, got %s", rec.Body.String())
	}

	rec = do(t, router, http.MethodGet, "/api/v1/runs/r1/ledger?attempt=-1", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, map[string]cfhttp.HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	rec := do(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	router, _ = newTestRouter(t, map[string]cfhttp.HealthCheck{
		"nats": func(context.Context) error { return errors.New("disconnected") },
	})
	rec = do(t, router, http.MethodGet, "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disconnected") {
		t.Errorf("expected failing check detail, got %s", rec.Body.String())
	}
}

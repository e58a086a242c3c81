package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/domain/run"
	"github.com/Strob0t/MeterForge/internal/service"
)

const healthCheckTimeout = 2 * time.Second

// RunStarter launches runs. *service.RunService satisfies it.
type RunStarter interface {
	Start(ctx context.Context, req *run.Request, opts service.StartOptions) (*service.RunHandle, error)
}

// AccountReader is the read side used by the HTTP API. *service.AccountService satisfies it.
type AccountReader interface {
	CreateAccount(ctx context.Context, id string, openingCredits int64) (*ledger.Account, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	EntriesByRun(ctx context.Context, runID string, attempt int) ([]ledger.Entry, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handlers and their service dependencies.
type Handlers struct {
	Runs     RunStarter
	Accounts AccountReader
	Checks   map[string]HealthCheck
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health runs every registered check and reports 503 if any fails.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.Checks))}
	status := http.StatusOK
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

type createAccountRequest struct {
	ID             string `json:"id"`
	OpeningCredits int64  `json:"opening_credits"`
}

// CreateAccount handles POST /api/v1/accounts.
func (h *Handlers) CreateAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createAccountRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	acct, err := h.Accounts.CreateAccount(r.Context(), req.ID, req.OpeningCredits)
	if err != nil {
		writeDomainError(w, r, err, "account not found")
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

type balanceResponse struct {
	BillingAccountID string `json:"billing_account_id"`
	BalanceCredits   int64  `json:"balance_credits"`
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "accountID")
	balance, err := h.Accounts.GetBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{BillingAccountID: id, BalanceCredits: balance})
}

type runLedgerResponse struct {
	RunID          string         `json:"run_id"`
	Attempt        int            `json:"attempt"`
	Entries        []ledger.Entry `json:"entries"`
	ChargedCredits int64          `json:"charged_credits"`
}

// RunLedger handles GET /api/v1/runs/{runID}/ledger?attempt=N.
func (h *Handlers) RunLedger(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "runID")
	attempt, ok := queryInt(w, r, "attempt", 0)
	if !ok {
		return
	}
	entries, err := h.Accounts.EntriesByRun(r.Context(), runID, attempt)
	if err != nil {
		writeDomainError(w, r, err, "run not found")
		return
	}
	resp := runLedgerResponse{RunID: runID, Attempt: attempt, Entries: entries}
	if resp.Entries == nil {
		resp.Entries = []ledger.Entry{}
	}
	for i := range entries {
		resp.ChargedCredits += entries[i].ChargedCredits
	}
	writeJSON(w, http.StatusOK, resp)
}

type startRunResponse struct {
	RunID   string             `json:"run_id"`
	Attempt int                `json:"attempt"`
	Report  *service.RunReport `json:"report,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// StartRun handles POST /api/v1/runs. The run continues after the response
// is written; with ?wait=true the handler blocks until it is fully billed.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[run.Request](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	req.BillingAccountID = strings.TrimSpace(req.BillingAccountID)

	handle, err := h.Runs.Start(r.Context(), &req, service.StartOptions{})
	if err != nil {
		writeDomainError(w, r, err, "executor not found")
		return
	}

	resp := startRunResponse{RunID: handle.RunID, Attempt: req.Attempt}
	if r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	report, err := handle.Wait(r.Context())
	resp.Report = report
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

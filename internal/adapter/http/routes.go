package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// APIVersion is reported by GET /api/v1/.
const APIVersion = "0.1.0"

// MountRoutes registers the API on r. runStream serves the WebSocket run
// stream and is skipped when nil.
func MountRoutes(r chi.Router, h *Handlers, runStream http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": APIVersion})
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{accountID}/balance", h.GetBalance)
		})
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", h.StartRun)
			r.Get("/{runID}/ledger", h.RunLedger)
		})
	})

	if runStream != nil {
		r.Method(http.MethodGet, "/ws/runs", runStream)
	}
}

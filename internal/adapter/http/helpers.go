package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/MeterForge/internal/domain"
)

const maxRequestBodySize = 1 << 20

// errorBody is the JSON shape of every non-2xx response. Code is stable for
// clients; Error is human readable.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// readJSON decodes exactly one JSON value from the body, bounded by limit.
// On failure it has already written the response.
func readJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	err := dec.Decode(&v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("trailing data after JSON body")
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("write json response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// writeDomainError maps the domain sentinels onto HTTP statuses. notFound
// is the message used for ErrNotFound, which never leaks store details.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, validationDetail(err))
	case errors.Is(err, domain.ErrTransient):
		slog.WarnContext(r.Context(), "transient failure", "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		slog.ErrorContext(r.Context(), "unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// validationDetail strips wrapping context up to the validation sentinel so
// clients see only which field was rejected.
func validationDetail(err error) string {
	msg := err.Error()
	prefix := domain.ErrValidation.Error() + ": "
	if i := strings.Index(msg, prefix); i >= 0 {
		return msg[i+len(prefix):]
	}
	return msg
}

// Package handlers wires the ledger HTTP boundary: event submission,
// verification, reporting and retention operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lexcomply/ledger/internal/auth"
	"github.com/lexcomply/ledger/internal/ledger"
)

// API holds the explicit dependencies of the HTTP boundary. No globals: the
// bootstrap constructs everything and passes it in.
type API struct {
	Chain     *ledger.ChainBuilder
	Store     ledger.Store
	Detector  *ledger.Detector
	Reporter  *ledger.Reporter
	Retention *ledger.RetentionManager
}

// Routes registers the versioned API. Callers mount auth middleware around
// this subtree; health endpoints stay outside it.
func (a *API) Routes(r chi.Router) {
	r.Post("/events", a.handleSubmitEvent)
	r.Get("/entries/{id}", a.handleGetEntry)

	r.Get("/verify", a.handleVerifyChain)
	r.Get("/verify/entries/{id}", a.handleVerifyEntry)
	r.Post("/verify/merkle", a.handleVerifyMerkle)

	r.Get("/report", a.handleReport)

	r.Post("/retention/sweep", a.handleSweep)
	r.Post("/entries/{id}/hold", a.handlePlaceHold)
	r.Delete("/entries/{id}/hold", a.handleReleaseHold)
}

// HealthRoutes registers the unauthenticated liveness endpoints.
func (a *API) HealthRoutes(r chi.Router) {
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		if err := a.Store.Ping(req.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unready", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
}

func identity(r *http.Request, w http.ResponseWriter) *auth.Identity {
	id := auth.FromContext(r.Context())
	if id == nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return nil
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the ledger error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errBody("VALIDATION_ERROR", err))
	case errors.Is(err, ledger.ErrImmutableLog):
		writeJSON(w, http.StatusConflict, errBody("IMMUTABLE_LOG", err))
	case errors.Is(err, ledger.ErrChainContention):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errBody("CHAIN_CONTENTION", err))
	case errors.Is(err, ledger.ErrLegalHold):
		writeJSON(w, http.StatusLocked, errBody("LEGAL_HOLD_VIOLATION", err))
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody("NOT_FOUND", err))
	default:
		writeJSON(w, http.StatusInternalServerError, errBody("INTERNAL", err))
	}
}

func errBody(code string, err error) map[string]string {
	return map[string]string{"code": code, "error": err.Error()}
}

// parseRange reads optional from/to query params as RFC3339 timestamps.
func parseRange(r *http.Request) (ledger.ChainRange, error) {
	var out ledger.ChainRange
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return out, err
		}
		out.From = t.UTC()
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return out, err
		}
		out.To = t.UTC()
	}
	return out, nil
}

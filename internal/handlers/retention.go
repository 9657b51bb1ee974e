package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexcomply/ledger/internal/ledger"
)

// POST /v1/retention/sweep
// Invoked by the external scheduler (or an operator) to advance the
// retention lifecycle.
func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	res, err := a.Retention.Sweep(r.Context(), id.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/entries/{id}/hold
func (a *API) handlePlaceHold(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	var req struct {
		Reason  string `json:"reason"`
		CaseRef string `json:"caseRef"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", ledger.ErrValidation, err))
		return
	}
	entryID := chi.URLParam(r, "id")
	if err := a.requireTenantEntry(r, id.TenantID, entryID); err != nil {
		writeError(w, err)
		return
	}
	hold, err := a.Retention.PlaceLegalHold(r.Context(), entryID, req.Reason, id.Subject, req.CaseRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hold)
}

// DELETE /v1/entries/{id}/hold
func (a *API) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	var req struct {
		Justification string `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", ledger.ErrValidation, err))
		return
	}
	entryID := chi.URLParam(r, "id")
	if err := a.requireTenantEntry(r, id.TenantID, entryID); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Retention.ReleaseLegalHold(r.Context(), entryID, id.Subject, req.Justification); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) requireTenantEntry(r *http.Request, tenantID, entryID string) error {
	e, err := a.Store.GetEntry(r.Context(), entryID)
	if err != nil {
		return err
	}
	if e.TenantID != tenantID {
		return ledger.ErrNotFound
	}
	return nil
}

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lexcomply/ledger/internal/ledger"
)

// GET /v1/verify?from=&to=
// Walks the caller's chain (full or windowed) and returns intact/broken
// status with the break list.
func (a *API) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ledger.ErrValidation, err))
		return
	}
	res, err := a.Detector.VerifyChain(r.Context(), id.TenantID, rng)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /v1/verify/entries/{id}
func (a *API) handleVerifyEntry(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	res, err := a.Detector.VerifyEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if res.TenantID != id.TenantID {
		writeError(w, ledger.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/verify/merkle
// Confirms a previously issued root against a caller-provided entry set,
// e.g. entries exported for an external audit.
func (a *API) handleVerifyMerkle(w http.ResponseWriter, r *http.Request) {
	if identity(r, w) == nil {
		return
	}
	var req struct {
		Root    string               `json:"root"`
		Entries []*ledger.AuditEntry `json:"entries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", ledger.ErrValidation, err))
		return
	}
	if req.Root == "" || len(req.Entries) == 0 {
		writeError(w, fmt.Errorf("%w: root and entries required", ledger.ErrValidation))
		return
	}
	ok, err := a.Detector.VerifyMerkleRoot(req.Root, req.Entries)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

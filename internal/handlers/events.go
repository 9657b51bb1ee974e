package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lexcomply/ledger/internal/ledger"
)

// submitRequest is the normalized event a caller submits. Tenant identity
// comes from the auth middleware, never from the body.
type submitRequest struct {
	EventType   ledger.EventType `json:"eventType"`
	Severity    ledger.Severity  `json:"severity"`
	Description string           `json:"description"`
	Actor       ledger.Party     `json:"actor"`
	Target      ledger.Party     `json:"target"`
	Context     struct {
		Environment string     `json:"environment,omitempty"`
		Service     string     `json:"service"`
		Component   string     `json:"component,omitempty"`
		Timestamp   *time.Time `json:"timestamp,omitempty"`
		Geo         string     `json:"geo,omitempty"`
	} `json:"context"`
}

// POST /v1/events
// Returns the committed entry id and currentHash, or a validation/contention
// error. A rejected append commits nothing.
func (a *API) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json: %v", ledger.ErrValidation, err))
		return
	}

	candidate := &ledger.AuditEntry{
		TenantID:    id.TenantID,
		EventType:   req.EventType,
		Severity:    req.Severity,
		Description: req.Description,
		Actor:       req.Actor,
		Target:      req.Target,
		Context: ledger.EventContext{
			Environment: req.Context.Environment,
			Service:     req.Context.Service,
			Component:   req.Context.Component,
			Geo:         req.Context.Geo,
		},
	}
	if req.Context.Timestamp != nil {
		candidate.Context.Timestamp = req.Context.Timestamp.UTC()
	}

	committed, err := a.Chain.Append(r.Context(), candidate)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"entryId":     committed.EntryID,
		"currentHash": committed.CurrentHash,
	})
}

// GET /v1/entries/{id}
func (a *API) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	entry, err := a.Store.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if entry.TenantID != id.TenantID {
		// Tenants never see each other's entries, not even as a 403.
		writeError(w, ledger.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

package handlers

import (
	"fmt"
	"net/http"

	"github.com/lexcomply/ledger/internal/ledger"
)

// GET /v1/report?from=&to=
// Returns the structured forensic/compliance report for the caller's tenant.
func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	id := identity(r, w)
	if id == nil {
		return
	}
	period, err := parseRange(r)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ledger.ErrValidation, err))
		return
	}
	rep, err := a.Reporter.Report(r.Context(), id.TenantID, period)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

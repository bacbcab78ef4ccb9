package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hcfstream/internal/domain"
	"hcfstream/pkg/httputil"
)

// Snapshot serves the cached view of a scope: global, user:<address> or leaderboard:<name>.
// A miss answers 404 after asking the aggregator to recompute.
func (a *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	scope, err := domain.ParseScope(chi.URLParam(r, "scope"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	snap, err := a.Service.Snapshot(r.Context(), scope)
	if errors.Is(err, domain.ErrNotFound) {
		err = httputil.Error(w, r, http.StatusNotFound, "not_found", "snapshot not ready, recompute requested", map[string]any{
			"scope": scope.String(),
		})
		if err != nil {
			a.Log.Errorf("Snapshot handler error: %s", err.Error())
		}
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err = httputil.JSON(w, http.StatusOK, snap, map[string]string{"Cache-Control": "no-store"}); err != nil {
		a.Log.Errorf("Snapshot handler error: %s", err.Error())
	}
}

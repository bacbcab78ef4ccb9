package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"hcfstream/internal/api/http/mw"
	"hcfstream/internal/domain"
	"hcfstream/pkg/httputil"
)

const maxBodyBytes = 64 << 10

type resolveRequest struct {
	ActionTaken string `json:"actionTaken"`
}

type testAlertRequest struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// ListAlerts accepts ?unresolved=true and ?limit=N
func (a *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	unresolved := false
	if raw := q.Get("unresolved"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			a.badRequest(w, r, "unresolved must be a boolean")
			return
		}
		unresolved = v
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			a.badRequest(w, r, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	recs, err := a.Service.ListAlerts(r.Context(), unresolved, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err = httputil.JSON(w, http.StatusOK, recs, nil); err != nil {
		a.Log.Errorf("ListAlerts handler error: %s", err.Error())
	}
}

// ResolveAlert closes an alert on behalf of the authenticated operator
func (a *Handler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := httputil.DecodeJSON(r, &req, maxBodyBytes); err != nil {
		a.badRequest(w, r, err.Error())
		return
	}

	operator := mw.SubjectFromContext(r.Context())

	rec, err := a.Service.ResolveAlert(r.Context(), chi.URLParam(r, "id"), req.ActionTaken, operator)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Log.Infof("Alert %s resolved by %s: %s", rec.ID, rec.ResolvedBy, rec.ActionTaken)

	if err = httputil.JSON(w, http.StatusOK, rec, nil); err != nil {
		a.Log.Errorf("ResolveAlert handler error: %s", err.Error())
	}
}

// CreateTestAlert fires a synthetic alert through the sinks to verify delivery
func (a *Handler) CreateTestAlert(w http.ResponseWriter, r *http.Request) {
	var req testAlertRequest
	if err := httputil.DecodeJSON(r, &req, maxBodyBytes); err != nil {
		a.badRequest(w, r, err.Error())
		return
	}

	rec, err := a.Service.CreateTestAlert(r.Context(), req.Kind, req.Severity, req.Title, req.Message)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if err = httputil.JSON(w, http.StatusCreated, rec, nil); err != nil {
		a.Log.Errorf("CreateTestAlert handler error: %s", err.Error())
	}
}

func (a *Handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	if err := httputil.Error(w, r, http.StatusBadRequest, "bad_request", msg, nil); err != nil {
		a.Log.Errorf("Write error response: %s", err.Error())
	}
}

// writeError maps domain errors onto status codes; anything unknown is a 500 without internals
func (a *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		code   = "internal"
		msg    = "internal error"
	)

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		status, code, msg = http.StatusBadRequest, "bad_request", err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, domain.ErrAlreadyResolved):
		status, code, msg = http.StatusConflict, "already_resolved", err.Error()
	default:
		a.Log.Errorf("Request %s %s failed: %v", r.Method, r.URL.Path, err)
	}

	if werr := httputil.Error(w, r, status, code, msg, nil); werr != nil {
		a.Log.Errorf("Write error response: %s", werr.Error())
	}
}

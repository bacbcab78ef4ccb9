package handlers

import (
	"context"
	"net/http"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/security"
	"hcfstream/internal/service"
	"hcfstream/pkg/httputil"
)

const readinessTimeout = 5 * time.Second

type Handler struct {
	Log     logger.Logger
	Service *service.OperatorService
	Signer  *security.RS256Signer // dev only, nil disables token minting
}

func NewHandler(log logger.Logger, svc *service.OperatorService, signer *security.RS256Signer) *Handler {
	if svc == nil {
		panic("operator service cannot be nil")
	}

	return &Handler{Log: log, Service: svc, Signer: signer}
}

func (a *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	if err := httputil.JSON(w, http.StatusOK, map[string]any{}, nil); err != nil {
		a.Log.Errorf("Healthz handler error: %s", err.Error())
	}
}

// Readiness checks external dependencies; stale scopes are reported but do not fail the probe
func (a *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	stale := a.Service.StaleScopes()

	if err := a.Service.CheckDependency(ctx); err != nil {
		err = httputil.Error(w, r, http.StatusServiceUnavailable, "dependencies_unhealthy", "dependencies check failed", map[string]any{
			"error":       err.Error(),
			"staleScopes": stale,
		})
		if err != nil {
			a.Log.Errorf("Readiness handler error: %s", err.Error())
		}
		return
	}

	if stale == nil {
		stale = []string{}
	}

	err := httputil.JSON(w, http.StatusOK, map[string]any{
		"dependencies": "healthy",
		"staleScopes":  stale,
	}, nil)
	if err != nil {
		a.Log.Errorf("Readiness handler error: %s", err.Error())
	}
}

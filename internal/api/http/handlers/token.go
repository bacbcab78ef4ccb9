package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"hcfstream/pkg/httputil"
)

const (
	defaultTokenTTL = 15 * time.Minute
	maxTokenTTL     = 12 * time.Hour
)

type mintRequest struct {
	Subject string `json:"subject"`
	TTL     string `json:"ttl"` // Go duration, "30m"
	Role    string `json:"role"`
}

type mintResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MintToken issues an operator token for local use; only routed when a private key is configured
func (a *Handler) MintToken(w http.ResponseWriter, r *http.Request) {
	if a.Signer == nil {
		if err := httputil.Error(w, r, http.StatusNotFound, "not_found", "token minting is disabled", nil); err != nil {
			a.Log.Errorf("MintToken handler error: %s", err.Error())
		}
		return
	}

	var req mintRequest
	if err := httputil.DecodeJSON(r, &req, maxBodyBytes); err != nil {
		a.badRequest(w, r, err.Error())
		return
	}
	if req.Subject == "" {
		a.badRequest(w, r, "subject is required")
		return
	}

	ttl := defaultTokenTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 || d > maxTokenTTL {
			a.badRequest(w, r, "ttl must be a positive duration up to 12h")
			return
		}
		ttl = d
	}

	var extra map[string]any
	if req.Role != "" {
		extra = map[string]any{"role": req.Role}
	}

	now := time.Now()
	token, err := a.Signer.Mint(req.Subject, ttl, uuid.NewString(), now, extra)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.Log.Warnf("Dev token minted for %s, ttl=%s", req.Subject, ttl)

	if err = httputil.JSON(w, http.StatusCreated, mintResponse{Token: token, ExpiresAt: now.Add(ttl)}, nil); err != nil {
		a.Log.Errorf("MintToken handler error: %s", err.Error())
	}
}

package http

import (
	"compress/gzip"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/api/http/handlers"
	"hcfstream/internal/api/http/mw"
	"hcfstream/internal/config"
	"hcfstream/internal/domain"
	"hcfstream/internal/metrics"
	"hcfstream/internal/security"
	"hcfstream/internal/service"
	"hcfstream/internal/stores/memory"
)

type stubAlerts struct {
	operator string
}

func (s *stubAlerts) Resolve(_ context.Context, id, actionTaken, operator string) (*domain.AlertRecord, error) {
	s.operator = operator
	return &domain.AlertRecord{ID: id, Resolved: true, ResolvedBy: operator, ActionTaken: actionTaken}, nil
}

func (s *stubAlerts) CreateTestAlert(context.Context, string, string, string, string) (*domain.AlertRecord, error) {
	return &domain.AlertRecord{ID: "t"}, nil
}

func (s *stubAlerts) List(context.Context, bool, int) ([]domain.AlertRecord, error) {
	return []domain.AlertRecord{{ID: "a-1", Message: strings.Repeat("large unstake ", 200)}}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *rsa.PrivateKey, *stubAlerts) {
	t.Helper()

	log := logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
	alerts := &stubAlerts{}
	svc, err := service.NewOperatorService(log, memory.NewSnapshotCache(), nil, alerts)
	require.NoError(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwtMW, err := mw.NewJWTMiddleware(&security.RS256Verifier{PubKey: &key.PublicKey, Aud: "hcf-ops"})
	require.NoError(t, err)

	r := BuildRouter(&Deps{
		Handler: handlers.NewHandler(log, svc, nil),
		Metrics: metrics.Handler(),
		WS:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Logging: mw.NewLogging(log),
		Gzip:    mw.NewGzip(0, log),
		CORS:    mw.NewCORS(&config.CORSConfig{Origins: []string{"https://ops.example"}}),
		JWT:     jwtMW,
	})
	return r, key, alerts
}

func bearer(t *testing.T, key *rsa.PrivateKey, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   sub,
		Audience:  jwt.ClaimStrings{"hcf-ops"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}).SignedString(key)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestRouter_ProtectsAlertsOnly(t *testing.T) {
	r, key, alerts := newTestRouter(t)

	serve := func(method, path, auth, body string) *httptest.ResponseRecorder {
		var rd io.Reader
		if body != "" {
			rd = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, rd)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/metrics", "", "").Code)
	assert.Equal(t, http.StatusTeapot, serve(http.MethodGet, "/ws", "", "").Code)

	// snapshot reads are open, the cache is empty
	assert.Equal(t, http.StatusNotFound, serve(http.MethodGet, "/api/snapshots/global", "", "").Code)

	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodGet, "/api/alerts", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(http.MethodPost, "/api/alerts/a-1/resolve", "", `{"actionTaken":"x"}`).Code)

	rec := serve(http.MethodPost, "/api/alerts/a-1/resolve", bearer(t, key, "ops-oncall"), `{"actionTaken":"paused"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops-oncall", alerts.operator)

	// dev tokens are not routed unless enabled
	assert.Equal(t, http.StatusNotFound, serve(http.MethodPost, "/dev/token", "", `{"subject":"x"}`).Code)
}

func TestRouter_GzipAndCORS(t *testing.T) {
	r, key, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/alerts", nil)
	req.Header.Set("Authorization", bearer(t, key, "ops"))
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Origin", "https://ops.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"status":"ok"`)
	assert.Contains(t, string(body), "large unstake")

	pre := httptest.NewRequest(http.MethodOptions, "/api/alerts", nil)
	pre.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, pre)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "null", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartAndShutdown(t *testing.T) {
	r, _, _ := newTestRouter(t)
	log := logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})

	srv := NewServer(log, &config.HTTPConfig{Addr: "127.0.0.1:0"}, r)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

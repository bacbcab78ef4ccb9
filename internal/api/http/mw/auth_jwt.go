package mw

import (
	"context"
	"errors"
	"net/http"

	"hcfstream/internal/security"
)

// Key for the token subject in ctx
type claimsCtxKey struct{}

type JWTMiddleware struct {
	verifier *security.RS256Verifier
}

func NewJWTMiddleware(v *security.RS256Verifier) (*JWTMiddleware, error) {
	if v == nil {
		return nil, errors.New("jwt verifier cannot be nil")
	}
	return &JWTMiddleware{verifier: v}, nil
}

// Handler rejects requests without a valid operator token; the subject is stored in the request context
func (m *JWTMiddleware) Handler(next http.Handler) http.Handler {
	if m.verifier == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub, err := m.verifier.Subject(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsCtxKey{}, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubjectFromContext returns the authenticated operator, empty when auth is disabled
func SubjectFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(claimsCtxKey{}).(string); ok {
		return s
	}
	return ""
}

func subjectFromContext(r *http.Request) string {
	return SubjectFromContext(r.Context())
}

package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcfstream/internal/config"
)

type keyPair struct {
	priv    *rsa.PrivateKey
	pubPath string
}

func newKeyPair(t *testing.T, pemType string) keyPair {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	var der []byte
	switch pemType {
	case "RSA PUBLIC KEY":
		der = x509.MarshalPKCS1PublicKey(&priv.PublicKey)
	default:
		der, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der}), 0o600))
	return keyPair{priv: priv, pubPath: path}
}

func sign(t *testing.T, claims jwt.Claims, key *rsa.PrivateKey) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func operatorClaims(sub string, exp time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Audience:  jwt.ClaimStrings{"hcfstream-ops"},
		Issuer:    "hcfstream-auth",
		ExpiresAt: jwt.NewNumericDate(now.Add(exp)),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
	}
}

func TestNewRS256Verifier(t *testing.T) {
	pkix := newKeyPair(t, "PUBLIC KEY")
	pkcs1 := newKeyPair(t, "RSA PUBLIC KEY")

	badPEM := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(badPEM, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"), 0o600))
	notPEM := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("garbage"), 0o600))

	tests := []struct {
		name        string
		path        string
		errContains string
	}{
		{name: "pkix", path: pkix.pubPath},
		{name: "pkcs1", path: pkcs1.pubPath},
		{name: "empty path", path: "", errContains: "key path is empty"},
		{name: "missing file", path: "/nonexistent/file.pem", errContains: "failed to read public key"},
		{name: "not pem", path: notPEM, errContains: "failed to decode PEM block"},
		{name: "wrong block", path: badPEM, errContains: "failed to parse public key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewRS256Verifier(&config.JWTConfig{
				Enabled:       true,
				PublicKeyPath: tt.path,
				Audience:      "hcfstream-ops",
				Issuer:        "hcfstream-auth",
				Leeway:        30 * time.Second,
			})
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, v.PubKey)
			assert.Equal(t, "hcfstream-ops", v.Aud)
			assert.Equal(t, 30*time.Second, v.Leeway)
		})
	}

	_, err := NewRS256Verifier(nil)
	assert.Error(t, err)
}

func TestVerifyBearer(t *testing.T) {
	kp := newKeyPair(t, "PUBLIC KEY")
	other := newKeyPair(t, "PUBLIC KEY")

	v, err := NewRS256Verifier(&config.JWTConfig{
		PublicKeyPath: kp.pubPath,
		Audience:      "hcfstream-ops",
		Issuer:        "hcfstream-auth",
	})
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		claims, err := v.VerifyBearer("Bearer " + sign(t, operatorClaims("ops-1", time.Hour), kp.priv))
		require.NoError(t, err)
		assert.Equal(t, "ops-1", claims.Subject)

		sub, err := v.Subject("bearer " + sign(t, operatorClaims("ops-2", time.Hour), kp.priv))
		require.NoError(t, err)
		assert.Equal(t, "ops-2", sub)
	})

	wrongAud := operatorClaims("ops", time.Hour)
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}
	wrongIss := operatorClaims("ops", time.Hour)
	wrongIss.Issuer = "mallory"
	notYet := operatorClaims("ops", time.Hour)
	notYet.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
	noExp := operatorClaims("ops", time.Hour)
	noExp.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{name: "wrong signature", token: sign(t, operatorClaims("ops", time.Hour), other.priv)},
		{name: "expired", token: sign(t, operatorClaims("ops", -time.Hour), kp.priv)},
		{name: "wrong audience", token: sign(t, wrongAud, kp.priv)},
		{name: "wrong issuer", token: sign(t, wrongIss, kp.priv)},
		{name: "not yet valid", token: sign(t, notYet, kp.priv)},
		{name: "no expiry", token: sign(t, noExp, kp.priv)},
		{name: "garbage", token: "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.VerifyBearer("Bearer " + tt.token)
			require.Error(t, err)
			assert.Nil(t, claims)
			assert.Contains(t, err.Error(), "failed to parse token")
		})
	}

	t.Run("hs256 rejected", func(t *testing.T) {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, operatorClaims("ops", time.Hour)).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = v.VerifyBearer("Bearer " + s)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := v.Subject("Bearer " + sign(t, operatorClaims("", time.Hour), kp.priv))
		assert.ErrorIs(t, err, ErrNoSubject)
	})
}

func TestVerifyBearer_LeewayAndOptionalChecks(t *testing.T) {
	kp := newKeyPair(t, "PUBLIC KEY")

	v, err := NewRS256Verifier(&config.JWTConfig{PublicKeyPath: kp.pubPath, Leeway: 30 * time.Second})
	require.NoError(t, err)

	claims := jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-20 * time.Second)),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
	}
	_, err = v.VerifyBearer("Bearer " + sign(t, claims, kp.priv))
	assert.NoError(t, err)

	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Minute))
	_, err = v.VerifyBearer("Bearer " + sign(t, claims, kp.priv))
	assert.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Bearer abc", want: "abc"},
		{header: "  bearer   abc  ", want: "abc"},
		{header: "BEARER abc", want: "abc"},
		{header: ""},
		{header: "   "},
		{header: "abc"},
		{header: "Bearer"},
		{header: "Bearer   "},
		{header: "Basic abc"},
	}

	for _, tt := range tests {
		got, err := extractBearer(tt.header)
		if tt.want == "" {
			assert.ErrorIs(t, err, ErrNoBearerToken, "header %q", tt.header)
			continue
		}
		require.NoError(t, err, "header %q", tt.header)
		assert.Equal(t, tt.want, got)
	}
}

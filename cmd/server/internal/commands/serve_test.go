package commands

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/restodesk/internal/auth"
	"github.com/wolfeidau/restodesk/internal/authz"
	"github.com/wolfeidau/restodesk/internal/hub"
)

func publicKeyPEM(t *testing.T) string {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)

	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestOriginPatterns(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		want    []string
	}{
		{name: "strips scheme", origins: []string{"http://localhost:3000", "https://caja.example.com"}, want: []string{"localhost:3000", "caja.example.com"}},
		{name: "keeps bare hosts", origins: []string{"*.example.com"}, want: []string{"*.example.com"}},
		{name: "skips empty", origins: []string{"", "https://"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, originPatterns(tt.origins))
		})
	}
}

func TestIsAPIRoute(t *testing.T) {
	assert.True(t, isAPIRoute("/api/me"))
	assert.False(t, isAPIRoute("/ws"))
	assert.False(t, isAPIRoute("/health"))
	assert.False(t, isAPIRoute("/apidocs"))
}

func TestServeCmd_PublicKey(t *testing.T) {
	key := publicKeyPEM(t)

	t.Run("inline key wins", func(t *testing.T) {
		cmd := &ServeCmd{JWTPublicKey: key, JWTPublicKeyFile: "/does/not/exist"}
		got, err := cmd.publicKey()
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("reads key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.pub")
		require.NoError(t, os.WriteFile(path, []byte(key), 0600))

		cmd := &ServeCmd{JWTPublicKeyFile: path}
		got, err := cmd.publicKey()
		require.NoError(t, err)
		assert.Equal(t, key, got)
	})

	t.Run("missing file", func(t *testing.T) {
		cmd := &ServeCmd{JWTPublicKeyFile: filepath.Join(t.TempDir(), "missing.pub")}
		_, err := cmd.publicKey()
		require.ErrorContains(t, err, "failed to read JWT public key")
	})

	t.Run("no key configured", func(t *testing.T) {
		_, err := (&ServeCmd{}).publicKey()
		require.ErrorContains(t, err, "JWT public key is required")
	})
}

func TestNewHandler(t *testing.T) {
	verifier, err := auth.NewVerifier(publicKeyPEM(t))
	require.NoError(t, err)

	server := hub.NewServer(hub.New(zerolog.Nop()), authz.DefaultRoleTable())
	handler := newHandler(zerolog.Nop(), verifier, server, []string{"http://localhost:3000"})

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	})

	t.Run("api preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/notificaciones", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("api request from unknown origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set("Origin", "http://evil.example.com")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad token rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
		req.Header.Set("Authorization", "Bearer nope")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unauthenticated websocket denied", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

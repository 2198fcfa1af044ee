package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/config"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	return New(config.AuthConfig{
		JWTSecret:             "test-secret",
		TokenTTL:              time.Minute,
		BootstrapPasswordHash: hash,
	})
}

func TestLoginAndVerifyRoundTrip(t *testing.T) {
	a := newTestAuthenticator(t)

	token, err := a.Login("admin", "hunter2")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	subject, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", subject)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	a := newTestAuthenticator(t)

	_, err := a.Login("admin", "wrong")
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	a := New(config.AuthConfig{JWTSecret: "s", TokenTTL: -time.Minute, BootstrapPasswordHash: hash})

	token, err := a.Login("admin", "hunter2")
	require.NoError(t, err)

	_, err = a.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := a.Login("admin", "hunter2")
	require.NoError(t, err)

	_, err = a.Verify(token + "x")
	assert.Error(t, err)
}

func TestMiddlewareRejectsMissingAndInvalidTokens(t *testing.T) {
	a := newTestAuthenticator(t)
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	a := newTestAuthenticator(t)
	token, err := a.Login("admin", "hunter2")
	require.NoError(t, err)

	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "admin", r.Header.Get("X-Admin-Subject"))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

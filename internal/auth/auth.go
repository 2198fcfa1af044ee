// Package auth issues and verifies bearer tokens for SUPERVISOR's
// control socket (spec §4.10's "authenticated local admins"). CHASE's
// admin socket does not use it.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"golang.org/x/crypto/bcrypt"

	"github.com/piwheels/master/internal/config"
	"github.com/piwheels/master/internal/errs"
)

// claims is the JWT payload issued to an authenticated admin.
type claims struct {
	Subject string `json:"sub"`
	jwt.StandardClaims
}

// Authenticator issues and verifies bearer tokens against a single
// bootstrap admin credential. There is exactly one admin account
// today; the interface leaves room for a real user store later
// without touching callers.
type Authenticator struct {
	secret       []byte
	ttl          time.Duration
	passwordHash string
}

// New builds an Authenticator from configuration.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{
		secret:       []byte(cfg.JWTSecret),
		ttl:          cfg.TokenTTL,
		passwordHash: cfg.BootstrapPasswordHash,
	}
}

// Login verifies password against the configured bootstrap hash and
// issues a signed token valid for the configured TTL.
func (a *Authenticator) Login(subject, password string) (string, error) {
	if a.passwordHash == "" {
		return "", errs.New(errs.KindProtocol, "auth.Login", errors.New("no bootstrap credential configured"))
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.passwordHash), []byte(password)); err != nil {
		return "", errs.New(errs.KindProtocol, "auth.Login", errors.New("invalid credentials"))
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Subject: subject,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(a.ttl).Unix(),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", errs.New(errs.KindProtocol, "auth.Login", err)
	}
	return signed, nil
}

// Verify parses and validates a bearer token, returning its subject.
func (a *Authenticator) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", errs.New(errs.KindProtocol, "auth.Verify", err)
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", errs.New(errs.KindProtocol, "auth.Verify", errors.New("invalid token"))
	}
	return c.Subject, nil
}

// HashPassword is a helper for operators provisioning the bootstrap
// credential via configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Middleware rejects requests without a valid "Bearer <token>"
// Authorization header. Used by internal/supervisor's control router.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		subject, err := a.Verify(token)
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		r.Header.Set("X-Admin-Subject", subject)
		next.ServeHTTP(w, r)
	})
}

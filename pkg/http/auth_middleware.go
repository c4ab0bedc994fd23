package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/errors"
)

// AuthMiddleware checks API keys on the endpoints that change engine state or
// feed it audio
type AuthMiddleware struct {
	keys        [][]byte
	logger      *logrus.Logger
	exemptPaths []string
}

// NewAuthMiddleware creates a new authentication middleware. With no keys
// every request passes.
func NewAuthMiddleware(keys []string, logger *logrus.Logger) *AuthMiddleware {
	am := &AuthMiddleware{
		logger:      logger,
		exemptPaths: []string{"/health", "/metrics", "/status"},
	}
	for _, k := range keys {
		if k != "" {
			am.keys = append(am.keys, []byte(k))
		}
	}
	return am
}

// Enabled reports whether any key is configured
func (am *AuthMiddleware) Enabled() bool {
	return len(am.keys) > 0
}

// Wrap returns next guarded by the key check
func (am *AuthMiddleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !am.Enabled() || am.isPathExempt(r.URL.Path) {
			next(w, r)
			return
		}

		if !am.authenticate(r) {
			am.logger.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warning("Authentication failed")
			errors.WriteError(w, errors.ErrUnauthorized)
			return
		}

		next(w, r)
	}
}

// authenticate accepts X-API-Key, a bearer token, or ?api_key= on websocket
// upgrades where browsers cannot set headers
func (am *AuthMiddleware) authenticate(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return am.valid(key)
	}

	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return am.valid(strings.TrimPrefix(authHeader, "Bearer "))
	}

	if key := r.URL.Query().Get("api_key"); key != "" && isWebSocketRequest(r) {
		return am.valid(key)
	}

	return false
}

func (am *AuthMiddleware) valid(key string) bool {
	candidate := []byte(key)
	for _, k := range am.keys {
		if subtle.ConstantTimeCompare(k, candidate) == 1 {
			return true
		}
	}
	return false
}

// isPathExempt checks if a path is exempt from authentication
func (am *AuthMiddleware) isPathExempt(path string) bool {
	for _, exempt := range am.exemptPaths {
		if path == exempt || strings.HasPrefix(path, exempt+"/") {
			return true
		}
	}
	return false
}

func isWebSocketRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}

	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}

	return false
}

// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AdminTokenAuth guards mutating routes with a bearer token. With no token
// configured the guard is open and a warning is logged once.
func AdminTokenAuth(adminToken string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	adminToken = strings.TrimSpace(adminToken)
	if adminToken == "" {
		logger.Warn("admin token not configured, mutating routes are unauthenticated")
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
				logger.Warn("request blocked by admin token",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid admin token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	schemeToken := strings.SplitN(header, " ", 2)
	if len(schemeToken) != 2 {
		return "", false
	}
	if !strings.EqualFold(schemeToken[0], "Bearer") {
		return "", false
	}
	if schemeToken[1] == "" {
		return "", false
	}
	return schemeToken[1], true
}

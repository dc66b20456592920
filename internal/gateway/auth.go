package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// withAuth enforces the configured bearer token on every endpoint
// except /health. With no token configured the handler passes through.
func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	token := []byte(s.cfg.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		candidate := extractToken(r)
		if candidate == "" {
			writeError(w, http.StatusUnauthorized, "missing API token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), token) != 1 {
			writeError(w, http.StatusForbidden, "invalid API token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken checks, in order: Authorization: Bearer <token>, the
// X-API-Key header, and the api_key query parameter. The query form
// exists for SSE clients that cannot set headers.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

package api

import (
	"net/http"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/authtoken"
)

// authMiddleware rejects requests with 401 when a token is required and
// the caller's X-Tunnel-Token header is missing or does not match.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requireAuth {
			next.ServeHTTP(w, r)
			return
		}
		if !s.token.Equal(r.Header.Get(authtoken.HeaderName)) {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

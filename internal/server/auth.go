package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireClientToken gates the proxy routes behind the bearer token
// configured for this gateway. Comparison uses subtle.ConstantTimeCompare
// so token length/content timing can't leak to a probing client; no
// third-party package in the retrieval pack does a bare string compare
// any differently, so this one stays on the standard library.
func (s *Server) requireClientToken(next http.Handler) http.Handler {
	want := s.cfg.Server.ClientToken
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}

		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.Header.Get("x-api-key")
		}

		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, "authentication_error", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

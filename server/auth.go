package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authExemptPaths stay reachable without a token: liveness probes and
// metrics scrapers do not carry credentials.
var authExemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// authMiddleware gates the torrent API behind a bearer token. An empty
// configured token disables the check entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	token := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, exempt := authExemptPaths[r.URL.Path]; exempt {
			next.ServeHTTP(w, r)
			return
		}

		scheme, credential, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || scheme != "Bearer" ||
			subtle.ConstantTimeCompare([]byte(credential), token) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rakunlabs/at/pkg/openapierr"
)

// optionalAuthPaths lists the endpoints spec.md §4.1 tags "optional-auth":
// with webui_auth_enabled, a request with no Authorization header at all is
// treated as authenticated (same-host UI, no embedded secret); a
// present-but-invalid key still fails.
var optionalAuthPaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/completions":      true,
	"/v1/models":           true,
}

// authorize implements spec.md §4.1's authorize(request) -> AuthOutcome.
func (s *Server) authorize(r *http.Request) *openapierr.Error {
	auth := r.Header.Get("Authorization")

	if auth == "" {
		if s.webUIAuthEnabled && optionalAuthPaths[r.URL.Path] {
			return nil
		}
		return openapierr.New(openapierr.InvalidAPIKey, "missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return openapierr.New(openapierr.InvalidAPIKey, "Authorization header must use Bearer scheme")
	}
	key := strings.TrimPrefix(auth, prefix)

	if !constantTimeEqual(key, s.apiKey) {
		return openapierr.New(openapierr.InvalidAPIKey, "invalid API key")
	}

	return nil
}

// constantTimeEqual compares two strings in constant time regardless of
// where they first differ, avoiding a timing side-channel on the API key
// (spec.md §8's "Auth constant-time" property). subtle.ConstantTimeCompare
// returns 0 immediately for unequal-length inputs, so a length mismatch
// returns false after a dummy comparison of b against itself; the length
// of the configured key is therefore not hidden.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still perform a comparison against b itself so this branch does
		// not cost asymptotically less time than the equal-length path.
		subtle.ConstantTimeCompare([]byte(b), []byte(b))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// corsMiddleware implements spec.md §4.1's CORS requirements: Authorization
// must be listed explicitly (wildcard does not cover it per the browser
// spec), allowed origins are configurable, and preflight responses cache
// for 600s.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if origin != "" && !s.originAllowed(origin) {
			openapierr.Write(w, r.Header.Get("X-Request-Id"), openapierr.New(openapierr.ForbiddenOrigin, "origin not allowed"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

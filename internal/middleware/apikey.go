package middleware

import (
	"crypto/subtle"
	"net/http"
)

// openPaths are always reachable without a key so load balancers and
// scrapers of the exposition endpoint keep working.
var openPaths = map[string]struct{}{
	"/":        {},
	"/healthz": {},
	"/metrics": {},
}

// APIKey returns middleware that validates API key authentication.
// An empty key disables the check and requests pass through unchanged.
// The key is read from the X-API-Key header, then the api_key query
// parameter, and compared in constant time.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			if _, open := openPaths[r.URL.Path]; open {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get("X-API-Key")
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}

			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

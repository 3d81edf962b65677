// CLAUDE:SUMMARY Optional API key gate: X-API-Key checked through a caller-supplied validator, 401 with WWW-Authenticate on failure.
package shield

import (
	"context"
	"encoding/json"
	"net/http"
)

// KeyValidator reports whether the presented plaintext key is valid. It is
// a func type so the middleware stays decoupled from any storage layer.
type KeyValidator func(ctx context.Context, key string) error

// RequireAPIKey gates requests on a valid X-API-Key header. Paths listed in
// exclude stay open (health and metrics endpoints typically). A missing or
// invalid key answers 401 with a WWW-Authenticate challenge.
func RequireAPIKey(validate KeyValidator, exclude ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(exclude))
	for _, p := range exclude {
		open[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get("X-API-Key")
			if key == "" {
				unauthorized(w, "missing API key")
				return
			}
			if err := validate(r.Context(), key); err != nil {
				GetLogger(r.Context()).Warn("api key rejected", "path", r.URL.Path, "error", err)
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "ApiKey")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

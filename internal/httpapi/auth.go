package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireBearer wraps next with a Bearer-token check when apiKey is
// non-empty; it is a no-op pass-through when no key is configured
// (spec.md §4.6). The standard library's subtle.ConstantTimeCompare is
// used directly: the retrieval pack has no third-party constant-time
// comparison helper, and this is exactly what the standard library
// primitive is for (see DESIGN.md).
func requireBearer(apiKey string, next http.HandlerFunc) http.HandlerFunc {
	if apiKey == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimPrefix(header, prefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r)
	}
}

package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware requires secret on every request when it is non-empty
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Check X-Rowhook-Secret header
			providedSecret := r.Header.Get("X-Rowhook-Secret")
			if providedSecret == "" {
				// Check Authorization: Bearer header
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
					return
				}
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
					return
				}
				providedSecret = parts[1]
			}

			if subtle.ConstantTimeCompare([]byte(providedSecret), []byte(secret)) != 1 {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

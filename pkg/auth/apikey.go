// Package auth carries the HTTP middleware chain: API-key authentication,
// request IDs, CORS, security headers, body limits and rate limiting.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/legivellum/receiptgate/pkg/api"
)

// publicPaths never require authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// APIKeyMiddleware authenticates requests with a static API key, accepted
// either as `Authorization: Bearer <key>` or in the X-API-Key header.
// Comparison is constant time. An empty configured key fails closed.
func APIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if apiKey == "" {
				api.WriteUnauthorized(w, r, "authentication is not configured")
				return
			}

			presented := extractKey(r)
			if presented == "" {
				api.WriteUnauthorized(w, r, "missing API key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(apiKey)) != 1 {
				api.WriteUnauthorized(w, r, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

package auth

import (
	"net"
	"net/http"

	"github.com/legivellum/receiptgate/pkg/api"
	"github.com/legivellum/receiptgate/pkg/ratelimit"
)

// RateLimitMiddleware enforces the per-client budget keyed by remote IP.
// A nil store disables limiting; limiter errors fail open.
func RateLimitMiddleware(store ratelimit.LimiterStore, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			key := clientKey(r)
			allowed, err := store.Allow(r.Context(), key, policy)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, r, policy.RetryAfterSeconds())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

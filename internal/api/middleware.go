package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/shehryarbajwa/imagen-relay/internal/backend"
	"github.com/shehryarbajwa/imagen-relay/internal/ratelimit"
	"github.com/shehryarbajwa/imagen-relay/pkg/models"
)

// AuthMiddleware checks the Authorization bearer token against the
// configured API key.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token != apiKey {
				writeJSON(w, http.StatusUnauthorized, models.ErrorResponse{
					Error: models.ErrorDetail{
						Message: "Invalid API key",
						Type:    "authentication_error",
						Code:    "invalid_api_key",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware enforces per-client request rates, keyed by the
// bearer token (falling back to the remote address).
func RateLimitMiddleware(limiter *ratelimit.Limiter, requestsPerHour int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if client == "" {
				client = r.RemoteAddr
			}

			if !limiter.Allow(client) {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
				w.Header().Set("X-RateLimit-Remaining", "0")
				writeError(w, backend.New(backend.KindTooManyRequests, "request rate limit exceeded"))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(requestsPerHour))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens(client))))
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

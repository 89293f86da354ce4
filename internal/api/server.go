package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/imagen-relay/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter) *mux.Router {
	r := mux.NewRouter()

	// Health and generated media are public
	r.HandleFunc("/v1/health", h.Health).Methods("GET")
	r.PathPrefix("/static/generated/").Handler(
		http.StripPrefix("/static/generated/", http.FileServer(http.Dir(h.store.Dir()))))

	// Everything else requires the API key
	protected := r.PathPrefix("").Subrouter()
	protected.Use(AuthMiddleware(h.cfg.APIKey))
	protected.Use(RateLimitMiddleware(rateLimiter, h.cfg.RequestsPerHour))

	protected.HandleFunc("/v1/images/generations", h.GenerateImage).Methods("POST", "OPTIONS")
	protected.HandleFunc("/v1/images/edits", h.EditImage).Methods("POST", "OPTIONS")
	protected.HandleFunc("/v1/cleanup", h.Cleanup).Methods("POST")
	protected.HandleFunc("/v1/cookies", h.UploadCookies).Methods("POST")

	protected.HandleFunc("/v2/videos/generations", h.CreateVideoTask).Methods("POST", "OPTIONS")
	protected.HandleFunc("/v2/videos/generations/{id}", h.GetVideoTask).Methods("GET")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

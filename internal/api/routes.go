package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ignite/resend-dispatch/internal/pkg/httputil"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, health *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health checks
	if health != nil {
		r.Get("/healthz", health.HandleLiveness)
		r.Get("/health", health.HandleHealth)
		r.Get("/health/ready", health.HandleReadiness)
	}

	r.Route("/emails", func(r chi.Router) {
		r.Post("/", h.SendEmail)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEmail)
			r.Get("/status", h.GetStatus)
			r.Get("/events", h.ListEvents)
			r.Post("/cancel", h.CancelEmail)
		})
	})

	r.Post("/webhooks/resend", h.ResendWebhook)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "route not found")
	})

	return r
}

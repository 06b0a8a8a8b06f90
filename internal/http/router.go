package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/textrelay/server/internal/auth"
	"github.com/textrelay/server/internal/http/handlers"
	"github.com/textrelay/server/internal/middleware"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(webhookHandler *handlers.WebhookHandler, adminHandler *handlers.AdminHandler, jwtService *auth.JWTService) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/sms", webhookHandler.HandleInboundSMS)

	// Operator routes (require valid admin JWT)
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuthMiddleware(jwtService))
		r.Post("/bindings", adminHandler.HandleBind)
		r.Get("/bindings/{phone}", adminHandler.HandleGetBinding)
		r.Delete("/bindings/{phone}", adminHandler.HandleRevokeBinding)
		r.Post("/grants", adminHandler.HandleStoreGrant)
		r.Get("/grants/{userID}", adminHandler.HandleListGrants)
		r.Delete("/grants/{userID}/{provider}", adminHandler.HandleRevokeGrant)
	})

	return r
}

package rest

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/parsgate/payamak/internal/auth"
)

// NewRouter assembles the middleware stack and the route tree. Health and
// metrics stay outside the authenticated group.
func NewRouter(h *Handler, health *Health, authn *auth.Authenticator, limiter *auth.RateLimiter, logger zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Api-Key", "X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(Metrics)

	r.Get("/health", health.Handle)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticate(authn, logger))
		r.Use(RateLimit(limiter, logger))

		r.Route("/sms", func(r chi.Router) {
			r.Post("/send", h.handleSend)
			r.Get("/messages", h.handleListMessages)
			r.Get("/messages/{id}", h.handleGetMessage)
			r.Post("/messages/{id}/cancel", h.handleCancelMessage)
			r.Get("/statistics", h.handleStatistics)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Get("/balance", h.handleBalance)
			r.Post("/charge", h.handleCharge)
			r.Get("/transactions", h.handleTransactions)
		})
	})

	return r
}

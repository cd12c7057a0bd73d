package controller

import (
	"time"

	"github.com/cassiomorais/courier/internal/domain/idempotency"
	"github.com/cassiomorais/courier/internal/infrastructure/config"
	"github.com/cassiomorais/courier/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/courier/internal/middleware"
	"github.com/cassiomorais/courier/internal/service"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	EventWriter        *service.EventWriter
	AdminService       *service.AdminService
	IdempotencyService *service.IdempotencyService
	HealthChecks       map[string]Pinger
	Metrics            *observability.Metrics
	Logger             zerolog.Logger
	ServerConfig       config.ServerConfig
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.ServerConfig.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotency.HeaderKey},
		ExposedHeaders:   []string{idempotency.HeaderReplayed, "Retry-After"},
		AllowCredentials: deps.ServerConfig.CORS.AllowCredentials,
		MaxAge:           300,
	}))
	r.Use(customMW.Metrics(deps.Metrics))

	healthH := NewHealthController(deps.HealthChecks)
	eventH := NewEventController(deps.EventWriter)
	adminH := NewAdminController(deps.AdminService)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(customMW.RateLimit(deps.ServerConfig.RequestsPerMinute))

		idempotencyMW := customMW.Idempotency(deps.IdempotencyService, deps.Logger, deps.Metrics)

		// Events
		r.With(idempotencyMW).Post("/events", eventH.Append)

		r.Group(func(r chi.Router) {
			r.Use(customMW.RequireOperator(deps.ServerConfig.AdminJWTSecret))

			// Outbox
			r.Get("/outbox", adminH.ListOutbox)
			r.Get("/outbox/{id}", adminH.GetOutbox)
			r.With(idempotencyMW).Post("/outbox/{id}/redrive", adminH.Redrive)

			// Inbox
			r.Get("/inbox", adminH.ListInbox)
			r.Get("/inbox/{messageId}", adminH.GetInbox)
			r.Delete("/inbox/{messageId}", adminH.ResetInbox)
		})
	})

	return r
}

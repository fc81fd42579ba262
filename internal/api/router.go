package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/push"
)

type RouterConfig struct {
	Service    *consultation.Service
	Issuer     *auth.Issuer
	AuthScheme string
	// Hub is optional; without it /ws is not served.
	Hub *push.Hub
	// PgPool and Redis are optional and only used by readiness checks.
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Store   string
	Env     string
	Version string
	Logger  zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Store, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Issuer, cfg.AuthScheme))

		r.Get("/auth/doctor/available/", listDoctorsHandler(cfg.Service))

		r.Post("/consultations/start/", startConsultationHandler(cfg.Service))
		r.Get("/consultations/", listConsultationsHandler(cfg.Service))
		r.Get("/consultations/status/", consultationStatusHandler(cfg.Service))
		r.Post("/consultations/{id}/accept/", acceptConsultationHandler(cfg.Service))
		r.Post("/consultations/{id}/reject/", rejectConsultationHandler(cfg.Service))
		r.Post("/consultations/{id}/notify-patient/", notifyPatientHandler(cfg.Service))
		r.Post("/consultations/{id}/complete/", completeConsultationHandler(cfg.Service))

		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.Handler(principalFromRequest))
		}
	})

	return r
}

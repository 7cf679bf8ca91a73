package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/diabetactic/appointment-queue/internal/queue"
)

type RouterConfig struct {
	Service *queue.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Env     string
	Version string
}

// NewRouter wires the HTTP surface. Authorization is a caller contract: the
// gateway in front of this service must restrict the backoffice verbs
// (accept, deny, resolution, queue size, clear) to admins and ensure
// patients only act on their own entries. The core trusts its inputs.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(RecoverMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Patient-facing queue flow
	r.Post("/queue/submit", submitHandler(cfg.Service))
	r.Get("/queue/state/{patientID}", stateHandler(cfg.Service))
	r.Get("/queue/placement/{patientID}", placementHandler(cfg.Service))
	r.Post("/queue/entries/{placement}/appointment", createAppointmentHandler(cfg.Service))

	// Backoffice queue management
	r.Put("/queue/accept/{placement}", acceptHandler(cfg.Service))
	r.Put("/queue/deny/{placement}", denyHandler(cfg.Service))
	r.Get("/queue/pending", listByStateHandler(cfg.Service, queue.StatePending))
	r.Get("/queue/accepted", listByStateHandler(cfg.Service, queue.StateAccepted))
	r.Get("/queue/size", getQueueSizeHandler(cfg.Service))
	r.Post("/queue/size", setQueueSizeHandler(cfg.Service))
	r.Delete("/queue", clearQueueHandler(cfg.Service))

	// Appointments and resolutions
	r.Get("/appointments", listAppointmentsHandler(cfg.Service))
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Post("/appointments/{id}/resolution", resolveHandler(cfg.Service))
	r.Get("/appointments/{id}/resolution", getResolutionHandler(cfg.Service))

	return r
}

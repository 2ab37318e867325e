package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jdziat/workgate/pkg/coordinator"
	"github.com/jdziat/workgate/pkg/core"
)

// HealthSource serves the current health report.
type HealthSource interface {
	Snapshot(ctx context.Context) (core.HealthReport, error)
}

// IncidentLister lists incidents.
type IncidentLister interface {
	List(ctx context.Context, f core.IncidentFilter) ([]*core.Incident, error)
}

// Services are the components the API fronts.
type Services struct {
	Coordinator *coordinator.Coordinator
	Health      HealthSource
	Incidents   IncidentLister
}

type server struct {
	svc Services
	cfg *config
}

// Handler creates the HTTP handler.
//
// Usage:
//
//	srv := &http.Server{Addr: ":8080", Handler: api.Handler(services, api.WithEngineToken(tok))}
func Handler(svc Services, opts ...Option) http.Handler {
	cfg := &config{
		retryAfter: time.Minute,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}
	s := &server{svc: svc, cfg: cfg}

	r := chi.NewRouter()
	r.Use(s.correlate)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.requireEngineToken)
			r.Post("/engine/heartbeat", s.heartbeat)
			r.Post("/engine/claim", s.claim)
			r.Post("/units/{id}/complete", s.complete)
			r.Post("/units/{id}/fail", s.fail)
			r.Post("/units/{id}/events", s.logEvent)
		})

		r.Post("/jobs", s.submit)
		r.Get("/jobs/{id}/units", s.jobUnits)
		r.Get("/health", s.health)
		r.Get("/incidents", s.incidents)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireActor)
			r.Post("/units/{id}/requeue", s.requeue)
			r.Post("/units/{id}/mark-failed", s.markFailed)
			r.Post("/units/{id}/force-pending", s.forcePending)
			r.Get("/units/{id}/audit", s.unitAudit)
			r.Post("/workers/{name}/drain", s.drain)
		})
	})

	if cfg.metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.metrics.Handler())
	}

	if cfg.middleware != nil {
		return cfg.middleware(r)
	}
	return r
}

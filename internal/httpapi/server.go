// Package httpapi exposes the dispatch and observability API: run
// submission, health, Prometheus metrics, rolling stats, run history, and a
// live SSE event stream.
package httpapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/modelmux/modelmux/internal/durable"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/runner"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/tracing"
)

// Dependencies wires the server to the rest of the system. Nil fields
// disable their endpoints gracefully.
type Dependencies struct {
	Runner    *runner.Runner
	Providers []string

	Logger  *slog.Logger
	Metrics *metrics.Registry
	Store   store.Store
	Health  *health.Tracker
	Bus     *events.Bus
	Stats   *stats.Collector
	Durable *durable.Manager
}

// NewRouter builds the chi router with the standard middleware stack.
func NewRouter(d Dependencies, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if d.Logger != nil {
		r.Use(logging.RequestLogger(d.Logger))
	}
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", HealthzHandler(d))

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		if d.Runner != nil {
			r.Post("/run", RunHandler(d))
		}
		r.Get("/health", ProviderHealthHandler(d))
		r.Get("/stats", StatsHandler(d))
		if d.Store != nil {
			r.Get("/runs", RunsListHandler(d))
			r.Get("/runs/{id}", RunGetHandler(d))
		}
		if d.Bus != nil {
			r.Get("/events", SSEHandler(d.Bus))
		}
		if d.Durable != nil {
			r.Get("/dispatches", DispatchesHandler(d))
		}
	})

	return r
}

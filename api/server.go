/*
server.go - HTTP router for the migration status surface

PURPOSE:
  A migration window runs for hours under human supervision. This router
  exposes a read-only view of the run for the operators watching it:
  current phase state, rebuild counters, catalog sizes, the run-log tail
  and Prometheus metrics. Nothing here mutates the store or the run.

ROUTER: chi
  Lightweight, context-based, with the middleware this surface needs
  (request logging, panic recovery, request ids) already available.

ROUTES:
  /api/status    phase state + rebuild counters
  /api/runlog    recent run-log lines
  /api/catalog   product and lot catalog row counts
  /metrics       Prometheus exposition

SEE ALSO:
  - handlers.go: handler implementations
  - metrics.go:  the metric set
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the status router.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/runlog", h.GetRunLog)
		r.Get("/catalog", h.GetCatalog)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.metrics.registry, promhttp.HandlerOpts{}))

	return r
}

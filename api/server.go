/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for planning frontends
  5. Actor:      X-User-ID into the request context

ROUTE GROUPS:
  /api/items/*          Item definitions and batch listings
  /api/batches/*        Receipts, xlsx import, availability
  /api/tasks/*          Tasks, plans, reservations, links, settlement
  /api/reservations/*   Reservation cancellation
  /api/links/*          Unlink, consumption
  /api/scenarios/*      Demo scenarios
  /health               Liveness
  /metrics              Prometheus, when a handler is supplied

SECURITY NOTE:
  No authentication middleware. X-User-ID is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the optional parts of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler // mounted at /metrics when set
	Scenarios      bool         // mount /api/scenarios
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader, "Idempotency-Key"},
			AllowCredentials: true,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(Actor)

		r.Route("/items", func(r chi.Router) {
			r.Post("/", h.CreateItem)
			r.Get("/{id}/batches", h.ListBatches)
		})

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", h.ReceiveBatch)
			r.Post("/import", h.ImportBatches)
			r.Get("/{id}/availability", h.GetAvailability)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetTask)
				r.Post("/transition", h.TransitionTask)
				r.Post("/cancel", h.CancelTask)
				r.Post("/plan", h.PlanAllocation)
				r.Post("/reservations", h.Reserve)
				r.Get("/reservations", h.ListReservations)
				r.Post("/links", h.CreateLink)
				r.Delete("/links", h.DeleteTaskLinks)
				r.Get("/report", h.GetReport)
				r.Put("/usage", h.ReviseUsage)
				r.Post("/confirm", h.ConfirmConsumption)
			})
		})

		r.Delete("/reservations/{id}", h.CancelReservation)

		r.Route("/links", func(r chi.Router) {
			r.Delete("/{id}", h.DeleteLink)
			r.Post("/{id}/consumption", h.RecordConsumption)
		})

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

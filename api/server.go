/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in 500 logs
  2. Logger:     Request logging through the application's logrus logger
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the shop-floor frontend

ROUTE GROUPS:
  /api/allocate/*       Allocation engine and query surface
  /api/materials/*      Material setup, detail and audit
  /api/machines/*       Machine directory
  /api/users            User directory
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins is used when no origins are configured.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: h.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", h.Metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Allocation routes
		r.Route("/allocate", func(r chi.Router) {
			r.Post("/", h.AllocateStock)
			r.Get("/allocates", h.ListAllocations)
			r.Get("/material/{materialId}", h.ListAllocationsForMaterial)
			r.Get("/machine/{machineId}/history", h.GetMachineStockHistory)
			r.Put("/{id}", h.UpdateAllocation)
		})

		// Material routes
		r.Route("/materials", func(r chi.Router) {
			r.Get("/", h.ListMaterials)
			r.Post("/", h.CreateMaterial)
			r.Get("/{id}", h.GetMaterial)
			r.Get("/{id}/audit", h.AuditMaterial)
		})

		// Directory routes
		r.Route("/machines", func(r chi.Router) {
			r.Get("/", h.ListMachines)
			r.Post("/", h.CreateMachine)
		})
		r.Post("/users", h.CreateUser)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

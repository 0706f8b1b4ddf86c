package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// RouterOptions holds router-level settings that are not handler state.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler
}

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	r.Use(CORSMiddleware(opts.AllowedOrigins))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Post("/connectivity", h.Connectivity)

			r.Route("/queue", func(r chi.Router) {
				r.Post("/", h.Enqueue)
				r.Get("/", h.ListQueue)
				r.Delete("/", h.ClearQueue)
				r.Get("/stats", h.QueueStats)
				r.Post("/replay", h.Replay)
			})

			r.Route("/cache/{collection}", func(r chi.Router) {
				r.Use(CollectionMiddleware(h.collections))
				r.Get("/", h.ListRecords)
				r.Put("/{id}", h.PutRecord)
				r.Get("/{id}", h.GetRecord)
				r.Delete("/{id}", h.DeleteRecord)
			})
		})
	})

	return r
}

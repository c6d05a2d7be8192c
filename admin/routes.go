package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin router
func NewRouter(handlers *AdminHandlers) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handlers.handleHealth)
	r.Get("/status", handlers.handleStatus)

	if handlers.sources.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", handlers.sources.Metrics)
	}

	r.Mount("/debug", middleware.Profiler())

	log.Debug().Bool("metrics", handlers.sources.Metrics != nil).Msg("Admin routes registered")
	return r
}

// NewMetricsRouter serves only /metrics, for a dedicated Prometheus listener
func NewMetricsRouter(metrics http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics)
	return r
}

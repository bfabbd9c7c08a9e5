package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oar-cd/conductor/metrics"
)

// NewRouter builds the HTTP surface: the API, health check and Prometheus metrics.
// Proxy headers name the client only when trustProxy is set; otherwise any
// caller could pick its own address and dodge the per-IP webhook limit.
func NewRouter(h *Handlers, m *metrics.Metrics, trustProxy bool) *chi.Mux {
	r := chi.NewRouter()
	if trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	h.RegisterRoutes(r)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("Failed to write health check response",
				"layer", "api",
				"operation", "health_check",
				"error", err)
		}
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	return r
}

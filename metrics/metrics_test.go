package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IndependentRegistries(t *testing.T) {
	// Registering twice on separate registries must not panic
	first := New(nil)
	second := New(prometheus.NewRegistry())

	first.RunsCreated.WithLabelValues("manual").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(first.RunsCreated.WithLabelValues("manual")))
	assert.Equal(t, float64(0), testutil.ToFloat64(second.RunsCreated.WithLabelValues("manual")))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New(nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/123", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/runs/{id}", "404")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductor_http_requests_total")
}

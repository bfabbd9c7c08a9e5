// Package metrics exports Prometheus metrics for the run engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

// Metrics holds every collector the engine updates
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	RunsCreated  *prometheus.CounterVec
	RunsFinished *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	RunsInFlight prometheus.Gauge
	LockWaits    *prometheus.CounterVec

	SchedulerTicks      prometheus.Counter
	SchedulerDispatches *prometheus.CounterVec

	WebhookRequests *prometheus.CounterVec

	AuditWriteFailures *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all collectors with reg. Passing nil uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
		RunsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_created_total",
				Help:      "Runs created by trigger",
			},
			[]string{"trigger"},
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Runs that reached a terminal status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of finished runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Runs currently holding an execution slot",
			},
		),
		LockWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_lock_waits_total",
				Help:      "Per-server lock acquisitions by outcome",
			},
			[]string{"outcome"},
		),
		SchedulerTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_ticks_total",
				Help:      "Scheduler evaluation cycles",
			},
		),
		SchedulerDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_dispatches_total",
				Help:      "Scheduled form dispatches by outcome",
			},
			[]string{"outcome"},
		),
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_requests_total",
				Help:      "Inbound webhook triggers by result",
			},
			[]string{"result"},
		),
		AuditWriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_write_failures_total",
				Help:      "Audit entries that could not be persisted",
			},
			[]string{"action"},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a registry private to one Server, so several
// servers (or tests) can coexist in a process.
type metrics struct {
	registry        *prometheus.Registry
	entriesAppended *prometheus.CounterVec
	verifyRuns      prometheus.Counter
	verifyInvalid   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

func newMetrics(hub *wsHub) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		entriesAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditchain_entries_appended_total",
				Help: "Audit entries appended, as observed by this server.",
			},
			[]string{"tool"},
		),
		verifyRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditchain_verify_runs_total",
			Help: "Integrity verification runs.",
		}),
		verifyInvalid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auditchain_verify_invalid_entries",
			Help: "Invalid entries found by the most recent verification.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditchain_http_requests_total",
				Help: "HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
	}
	feedClients := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "auditchain_feed_clients",
			Help: "Connected live feed clients.",
		},
		func() float64 { return float64(hub.clients.Load()) },
	)
	m.registry.MustRegister(m.entriesAppended, m.verifyRuns, m.verifyInvalid, m.httpRequests, feedClients)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument counts requests by chi route pattern, keeping label
// cardinality bounded (entry ids never become labels).
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

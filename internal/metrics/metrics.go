package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks what the tower decided and how the API behaves. Each
// instance carries its own registry so tests never collide.
type Metrics struct {
	registry     *prometheus.Registry
	verdicts     *prometheus.CounterVec
	judgements   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds a Metrics recorder over a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tower_verdicts_total",
			Help: "Verdicts rendered, by artifact kind and outcome.",
		}, []string{"kind", "verdict"}),
		judgements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tower_judgements_total",
			Help: "Mission judgements, by outcome and reason code.",
		}, []string{"verdict", "reason_code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tower_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

// RecordVerdict counts one rendered verdict.
func (m *Metrics) RecordVerdict(kind, verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(kind, verdict).Inc()
}

// RecordJudgement counts one mission judgement.
func (m *Metrics) RecordJudgement(verdict, reasonCode string) {
	if m == nil {
		return
	}
	m.judgements.WithLabelValues(verdict, reasonCode).Inc()
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware observes request durations. The chi route pattern is used
// as the path label so IDs do not blow up cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		m.httpDuration.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Package observability exposes orchestrator metrics on a private
// Prometheus registry. Metrics implements execution.Observer.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
)

const namespace = "orchestrator"

type Metrics struct {
	registry      *prometheus.Registry
	steps         *prometheus.CounterVec
	stepDurations *prometheus.HistogramVec
	shortfalls    *prometheus.CounterVec
	executions    *prometheus.CounterVec
	requests      *prometheus.CounterVec
	reqDurations  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Finished plan steps by action and final status.",
		}, []string{"action", "status"}),
		stepDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of plan steps including verification.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"action"}),
		shortfalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_shortfalls_total",
			Help:      "User ledger entries clamped below the requested or recorded amount.",
		}, []string{"asset"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route, method and status code.",
		}, []string{"route", "method", "status"}),
		reqDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	registry.MustRegister(
		m.steps, m.stepDurations, m.shortfalls, m.executions, m.requests, m.reqDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) StepFinished(action string, status execution.Status, elapsed time.Duration) {
	m.steps.WithLabelValues(action, string(status)).Inc()
	m.stepDurations.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) Shortfall(asset string) {
	m.shortfalls.WithLabelValues(asset).Inc()
}

func (m *Metrics) ExecutionFinished(outcome execution.Outcome) {
	m.executions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and for callers adding their own collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Middleware records request counts and latency under a fixed route label.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
			m.reqDurations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

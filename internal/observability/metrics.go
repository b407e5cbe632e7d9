package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jobmetrics "github.com/labkeeper/labkeeper/internal/jobs"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	resolveFailures *prometheus.CounterVec
	auditRecords    *prometheus.CounterVec
	auditBuffer     prometheus.Gauge
	notifications   *prometheus.CounterVec
	jobs            *jobmetrics.Metrics
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labkeeper_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "labkeeper_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labkeeper_authz_decisions_total",
		Help: "Authorization decisions by gate, outcome and deny reason.",
	}, []string{"gate", "outcome", "reason"})
	resolveFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labkeeper_principal_resolve_failures_total",
		Help: "Principal resolution failures by kind.",
	}, []string{"kind"})
	auditRecords := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labkeeper_audit_records_total",
		Help: "Audit records stored by level.",
	}, []string{"level"})
	auditBuffer := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "labkeeper_audit_buffer_records",
		Help: "Records currently held in the audit ring buffer.",
	})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "labkeeper_audit_notifications_total",
		Help: "Critical audit notifications by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, decisions, resolveFailures, auditRecords, auditBuffer, notifications)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		resolveFailures: resolveFailures,
		auditRecords:    auditRecords,
		auditBuffer:     auditBuffer,
		notifications:   notifications,
		jobs:            jobmetrics.NewMetrics(registry),
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision mencatat keputusan otorisasi.
func (m *Metrics) ObserveDecision(gate string, allowed bool, reason string) {
	if m == nil {
		return
	}
	outcome := "deny"
	if allowed {
		outcome = "allow"
		reason = ""
	}
	m.decisions.WithLabelValues(gate, outcome, reason).Inc()
}

// ObserveResolveFailure mencatat kegagalan resolusi principal.
func (m *Metrics) ObserveResolveFailure(kind string) {
	if m == nil {
		return
	}
	m.resolveFailures.WithLabelValues(kind).Inc()
}

// ObserveAuditRecord counts one stored audit record.
func (m *Metrics) ObserveAuditRecord(level string) {
	if m == nil {
		return
	}
	m.auditRecords.WithLabelValues(level).Inc()
}

// ObserveAuditBuffer sets the ring buffer occupancy.
func (m *Metrics) ObserveAuditBuffer(size int) {
	if m == nil {
		return
	}
	m.auditBuffer.Set(float64(size))
}

// ObserveNotification counts a critical notification outcome.
func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Jobs returns the background job collectors registered on this registry.
func (m *Metrics) Jobs() *jobmetrics.Metrics {
	if m == nil {
		return nil
	}
	return m.jobs
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// Package jobmetrics instruments the asynq handlers run by the worker.
package jobmetrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	// StatusDropped marks a run that failed with asynq.SkipRetry.
	StatusDropped = "dropped"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	retries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	alerts   *prometheus.CounterVec
	pruned   prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against registerer, or once against
// the default registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker times a single handler invocation.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing job. Redelivered tasks also bump the retry counter.
func (m *Metrics) Track(ctx context.Context, job string) *Tracker {
	t := &Tracker{metrics: m, job: job, start: time.Now()}
	if m == nil {
		return t
	}
	if n, ok := asynq.GetRetryCount(ctx); ok && n > 0 {
		m.retries.WithLabelValues(job).Inc()
	}
	return t
}

// End records the run outcome and duration and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	t.metrics.runs.WithLabelValues(t.job, statusOf(err)).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, asynq.SkipRetry):
		return StatusDropped
	default:
		return StatusFailure
	}
}

// AddAlert counts a critical alert delivery attempt by outcome
// (delivered, rejected, skipped).
func (m *Metrics) AddAlert(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.alerts.WithLabelValues(outcome).Inc()
}

// AddPruned counts audit records removed by retention.
func (m *Metrics) AddPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkeeper_jobs_total",
			Help: "Job executions by job name and status (success, failure, dropped).",
		}, []string{"job", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkeeper_job_retries_total",
			Help: "Job executions that were redeliveries of a failed task.",
		}, []string{"job"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labkeeper_job_duration_seconds",
			Help:    "Duration in seconds of background job executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labkeeper_critical_alerts_total",
			Help: "Critical audit alerts handled by the worker, by outcome.",
		}, []string{"outcome"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "labkeeper_audit_records_pruned_total",
			Help: "Audit records deleted by the retention job.",
		}),
	}
	registerer.MustRegister(m.runs, m.retries, m.duration, m.alerts, m.pruned)
	return m
}

package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/labkeeper/labkeeper/internal/audit"
	jobmetrics "github.com/labkeeper/labkeeper/internal/jobs"
)

// Enqueuer is the subset of *asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// CriticalNotifier hands critical audit records to the job queue. It
// implements audit.Notifier.
type CriticalNotifier struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewCriticalNotifier constructs a notifier backed by queue.
func NewCriticalNotifier(queue Enqueuer, logger *slog.Logger) *CriticalNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CriticalNotifier{queue: queue, logger: logger}
}

// NotifyCritical enqueues rec. A task already queued for the same
// correlation id counts as delivered.
func (n *CriticalNotifier) NotifyCritical(ctx context.Context, rec audit.Record) error {
	task, err := NewAuditCriticalTask(rec)
	if err != nil {
		return err
	}
	info, err := n.queue.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			n.logger.Debug("audit critical already queued", slog.String("correlation_id", rec.CorrelationID))
			return nil
		}
		return fmt.Errorf("enqueue audit critical: %w", err)
	}
	n.logger.Info("audit critical queued",
		slog.String("correlation_id", rec.CorrelationID),
		slog.String("operation", rec.OperationType),
		slog.String("task_id", info.ID),
	)
	return nil
}

// AlertJob posts critical audit records to an operator webhook.
type AlertJob struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAlertJob constructs the webhook job. An empty url logs alerts instead
// of posting them.
func NewAlertJob(url string, client *http.Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *AlertJob {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertJob{url: url, client: client, logger: logger, metrics: metrics}
}

type alertMessage struct {
	Text   string       `json:"text"`
	Record audit.Record `json:"record"`
}

// Handle processes TaskAuditCritical tasks.
func (j *AlertJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AuditCriticalPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		j.logger.Error("audit critical payload", slog.Any("error", err))
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(ctx, "audit_critical_alert")
	rec := payload.Record

	if j.url == "" {
		j.logger.Warn("audit critical alert",
			slog.String("operation", rec.OperationType),
			slog.String("actor", rec.Actor),
			slog.String("path", rec.Path),
			slog.Int("status", rec.Outcome.Status),
			slog.String("correlation_id", rec.CorrelationID),
		)
		j.metrics.AddAlert("skipped")
		return tracker.End(nil)
	}

	body, err := json.Marshal(alertMessage{
		Text:   fmt.Sprintf("critical: %s by %s on %s %s (%d)", rec.OperationType, rec.Actor, rec.Method, rec.Path, rec.Outcome.Status),
		Record: rec,
	})
	if err != nil {
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return tracker.End(fmt.Errorf("build alert request: %v: %w", err, asynq.SkipRetry))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", rec.CorrelationID)

	resp, err := j.client.Do(req)
	if err != nil {
		return tracker.End(fmt.Errorf("post alert: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		j.metrics.AddAlert("delivered")
		return tracker.End(nil)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		j.metrics.AddAlert("rejected")
		j.logger.Error("alert webhook rejected", slog.Int("status", resp.StatusCode), slog.String("correlation_id", rec.CorrelationID))
		return tracker.End(fmt.Errorf("alert webhook status %d: %w", resp.StatusCode, asynq.SkipRetry))
	default:
		return tracker.End(fmt.Errorf("alert webhook status %d", resp.StatusCode))
	}
}

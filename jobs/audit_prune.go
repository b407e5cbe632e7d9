package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgconn"

	jobmetrics "github.com/labkeeper/labkeeper/internal/jobs"
)

const pruneAuditSQL = `DELETE FROM audit_records WHERE occurred_at < $1`

// Execer is satisfied by *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditPruneJob removes durable audit records older than the retention.
type AuditPruneJob struct {
	db      Execer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewAuditPruneJob constructs the prune job.
func NewAuditPruneJob(db Execer, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditPruneJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditPruneJob{db: db, logger: logger, metrics: metrics, now: time.Now}
}

// Handle processes TaskAuditPrune tasks.
func (j *AuditPruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload AuditPrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RetentionDays <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(ctx, "audit_prune")
	cutoff := j.now().UTC().AddDate(0, 0, -payload.RetentionDays)
	tag, err := j.db.Exec(ctx, pruneAuditSQL, cutoff)
	if err != nil {
		j.logger.Error("audit prune", slog.Any("error", err))
		return tracker.End(err)
	}
	j.metrics.AddPruned(tag.RowsAffected())
	j.logger.Info("audit prune", slog.Int64("deleted", tag.RowsAffected()), slog.Time("cutoff", cutoff))
	return tracker.End(nil)
}

package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/labkeeper/labkeeper/internal/audit"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries critical audit alerts ahead of housekeeping.
	QueueCritical = "critical"
	// TaskAuditCritical delivers one critical audit record to operators.
	TaskAuditCritical = "audit:critical"
	// TaskAuditPrune deletes durable audit records past retention.
	TaskAuditPrune = "audit:prune"
)

// AuditCriticalPayload is the body of a TaskAuditCritical task.
type AuditCriticalPayload struct {
	Record audit.Record `json:"record"`
}

// NewAuditCriticalTask builds a critical alert task. The task id is the
// record's correlation id so a second enqueue for the same request is
// rejected by the queue.
func NewAuditCriticalTask(rec audit.Record) (*asynq.Task, error) {
	if rec.CorrelationID == "" {
		return nil, fmt.Errorf("audit critical task: correlation id required")
	}
	body, err := json.Marshal(AuditCriticalPayload{Record: rec})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditCritical, body,
		asynq.Queue(QueueCritical),
		asynq.TaskID(criticalTaskID(rec.CorrelationID)),
		asynq.MaxRetry(8),
		asynq.Retention(24*time.Hour),
	), nil
}

// AuditPrunePayload configures one prune run.
type AuditPrunePayload struct {
	RetentionDays int `json:"retention_days"`
}

// NewAuditPruneTask builds a prune task.
func NewAuditPruneTask(retentionDays int) (*asynq.Task, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("audit prune task: retention must be positive")
	}
	body, err := json.Marshal(AuditPrunePayload{RetentionDays: retentionDays})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditPrune, body, asynq.Queue(QueueDefault)), nil
}

func criticalTaskID(correlationID string) string {
	return "audit-critical:" + correlationID
}

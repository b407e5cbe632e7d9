package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertRecordSQL = `INSERT INTO audit_records
(id, occurred_at, level, operation_type, resource, resource_id, actor, method, path, status, success, latency_ms, correlation_id, metadata)
VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO NOTHING`

// PGSink persists records to PostgreSQL in the background. Records are
// dropped, and logged, when the queue is full.
type PGSink struct {
	pool      *pgxpool.Pool
	queue     chan Record
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// NewPGSink constructs a sink with a queue of the given depth.
func NewPGSink(pool *pgxpool.Pool, depth int, logger *slog.Logger) *PGSink {
	if depth <= 0 {
		depth = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PGSink{pool: pool, queue: make(chan Record, depth), batchSize: 100, interval: time.Second, logger: logger}
}

// Accept implements Sink.
func (s *PGSink) Accept(rec Record) {
	select {
	case s.queue <- rec:
	default:
		s.logger.Warn("audit sink queue full", slog.String("record_id", rec.ID))
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (s *PGSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	pending := make([]Record, 0, s.batchSize)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := s.write(ctx, pending); err != nil {
			s.logger.Error("audit sink write", slog.Int("records", len(pending)), slog.Any("error", err))
		}
		pending = pending[:0]
	}
	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case rec := <-s.queue:
					pending = append(pending, rec)
				default:
					break drain
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(shutdownCtx)
			cancel()
			return
		case rec := <-s.queue:
			pending = append(pending, rec)
			if len(pending) >= s.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (s *PGSink) write(ctx context.Context, records []Record) error {
	batch := &pgx.Batch{}
	for _, rec := range records {
		meta := rec.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		batch.Queue(insertRecordSQL,
			rec.ID, rec.Timestamp, string(rec.Level), rec.OperationType, rec.Resource, rec.ResourceID,
			rec.Actor, rec.Method, rec.Path, rec.Outcome.Status, rec.Outcome.Success, rec.Outcome.LatencyMs,
			rec.CorrelationID, raw,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

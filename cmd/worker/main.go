package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/labkeeper/labkeeper/internal/app"
	"github.com/labkeeper/labkeeper/internal/observability"
	"github.com/labkeeper/labkeeper/internal/platform/db"
	"github.com/labkeeper/labkeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	metrics := observability.NewMetrics()

	alertJob := jobs.NewAlertJob(cfg.AlertWebhookURL, &http.Client{Timeout: 10 * time.Second}, logger, metrics.Jobs())
	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskAuditCritical, Handler: alertJob.Handle},
	}
	var cron []jobs.CronRegistration

	pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns))
	if err != nil {
		logger.Warn("postgres unavailable, audit pruning disabled", slog.Any("error", err))
	} else {
		defer pool.Close()
		pruneJob := jobs.NewAuditPruneJob(pool, logger, metrics.Jobs())
		pruneTask, err := jobs.NewAuditPruneTask(cfg.AuditRetentionDays)
		if err != nil {
			logger.Error("build prune task", slog.Any("error", err))
			os.Exit(1)
		}
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskAuditPrune, Handler: pruneJob.Handle})
		cron = append(cron, jobs.CronRegistration{Spec: "30 2 * * *", Task: pruneTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers:    handlers,
		Cron:        cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

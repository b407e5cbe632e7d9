package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/labkeeper/labkeeper/cmd/labkeeper/cli"
	"github.com/labkeeper/labkeeper/configs"
	"github.com/labkeeper/labkeeper/internal/app"
	"github.com/labkeeper/labkeeper/internal/platform/cache"
	"github.com/labkeeper/labkeeper/internal/platform/db"
	"github.com/labkeeper/labkeeper/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	_ = godotenv.Load()

	args := os.Args[1:]
	if len(args) > 0 {
		if err := runCommand(args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := serve(); err != nil {
		slog.Default().Error("labkeeper", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	var backends app.Backends
	if cfg.UsesPostgres() || cfg.AuditSink {
		pool, err := db.New(ctx, cfg.PGDSN, db.WithMaxConns(cfg.PGMaxConns))
		if err != nil {
			if cfg.UsesPostgres() {
				return fmt.Errorf("connect postgres: %w", err)
			}
			logger.Warn("postgres unavailable, audit records stay in memory", slog.Any("error", err))
		} else {
			defer pool.Close()
			backends.Pool = pool
		}
	}

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		backends.Redis = redisClient
		closeQueue := attachQueue(&backends, redisClient, logger)
		defer closeQueue()
	}

	services, err := app.Build(ctx, cfg, logger, backends, nil)
	if err != nil {
		return fmt.Errorf("build services: %w", err)
	}
	if services.Sink != nil {
		go services.Sink.Run(ctx)
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      app.NewRouter(services),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	services.Recorder.Wait()
	return nil
}

// attachQueue connects the asynq client and inspector to the same Redis the
// server uses. The returned func releases both.
func attachQueue(backends *app.Backends, client *redis.Client, logger *slog.Logger) func() {
	opts := asynq.RedisClientOpt{Addr: client.Options().Addr, Password: client.Options().Password, DB: client.Options().DB}
	queue, err := jobs.NewClient(opts)
	if err != nil {
		logger.Warn("job queue unavailable", slog.Any("error", err))
		return func() {}
	}
	inspector := asynq.NewInspector(opts)
	backends.Queue = queue
	backends.Inspector = inspector
	return func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
		if err := queue.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}
}

func runCommand(args []string) error {
	switch args[0] {
	case "policy":
		fs := flag.NewFlagSet("policy", flag.ContinueOnError)
		file := fs.String("file", os.Getenv("POLICY_FILE"), "policy document to check")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		document, err := configs.LoadPolicy(*file)
		if err != nil {
			return err
		}
		summary, err := cli.CheckPolicy(document)
		if err != nil {
			return err
		}
		return cli.WriteSummary(os.Stdout, summary)
	case "jobs":
		fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
		redisAddr := fs.String("redis", envOr("REDIS_ADDR", "127.0.0.1:6379"), "redis address")
		days := fs.Int("days", 365, "retention for audit:prune")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		c, err := cli.NewJobsCLI(*redisAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		ctx := context.Background()
		rest := fs.Args()
		if len(rest) == 2 && rest[0] == "trigger" {
			info, err := c.Trigger(ctx, rest[1], *days)
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		}
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			return err
		}
		for _, s := range stats {
			fmt.Printf("%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (want policy or jobs)", args[0])
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

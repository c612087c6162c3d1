package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/snoozeyoulose/backend/internal/config"
	"github.com/snoozeyoulose/backend/internal/notify"
	"github.com/snoozeyoulose/backend/internal/ratelimit"
	"github.com/snoozeyoulose/backend/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations (job queue tables)
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Rate limiting: Redis when configured so limits hold across instances,
	// in-process otherwise.
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("Cannot reach Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb)
		slog.Info("Using Redis rate limiter", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewMemoryLimiter()
		slog.Info("Using in-memory rate limiter")
	}

	// Notification delivery: real Twilio, or log-only for local development.
	var dispatcher notify.Dispatcher
	if cfg.TwilioAccountSID != "" {
		dispatcher = notify.NewTwilioDispatcher(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		slog.Info("Using Twilio dispatcher", "from", cfg.TwilioFromNumber)
	} else {
		dispatcher = notify.NewLogDispatcher(logger)
		slog.Warn("No Twilio credentials; SMS and calls are logged only")
	}

	handler, engine := buildHandler(cfg, pool, limiter, dispatcher, logger)

	// The periodic sweep drives the alarm lifecycle: ring due alarms,
	// forfeit expired ones.
	workers := river.NewWorkers()
	river.AddWorker(workers, scheduler.NewAlarmSweepWorker(engine, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 4},
		},
		Workers:      workers,
		PeriodicJobs: scheduler.PeriodicJobs(),
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	serverAddr := "0.0.0.0:" + cfg.Port
	slog.Info("Starting HTTP server", "addr", serverAddr)
	if err := http.ListenAndServe(serverAddr, handler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

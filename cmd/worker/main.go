package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/salesrecon/internal/app"
	jobmetrics "github.com/odyssey-erp/salesrecon/internal/jobs"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/platform/cache"
	"github.com/odyssey-erp/salesrecon/internal/platform/db"
	"github.com/odyssey-erp/salesrecon/jobs"
)

func main() {
	if app.SkipStartup("worker") {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, int32(cfg.MatchWorkers+cfg.EmitWorkers+2))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis ping", slog.Any("error", err))
		_ = redisClient.Close()
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	engine := app.NewEngine(app.EngineParams{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
		Logger:  logger,
	})

	autoRelateJob := jobs.NewAutoRelateJob(engine.Matching, logger, metrics)
	emitJob := jobs.NewEmitJob(engine.Emission, logger, metrics)

	var cron []jobs.CronRegistration
	if cfg.AutoRelateCron != "" {
		for _, clientID := range cfg.AutoRelateClients {
			task, err := jobs.NewAutoRelateTask(orderlines.Scope{Kind: orderlines.ScopeClient, ClientID: clientID}, cfg.MatchLearnAliases)
			if err != nil {
				logger.Error("build auto-relate task", slog.Int64("client_id", clientID), slog.Any("error", err))
				os.Exit(1)
			}
			cron = append(cron, jobs.CronRegistration{Spec: cfg.AutoRelateCron, Task: task, Options: []asynq.Option{asynq.MaxRetry(3)}})
		}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.EmitWorkers,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconAutoRelate, Handler: autoRelateJob.Handle},
			{Type: jobs.TaskReconEmit, Handler: emitJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/salesrecon/internal/app"
	jobmetrics "github.com/odyssey-erp/salesrecon/internal/jobs"
	"github.com/odyssey-erp/salesrecon/internal/observability"
	"github.com/odyssey-erp/salesrecon/internal/platform/cache"
	"github.com/odyssey-erp/salesrecon/internal/platform/db"
)

type runtime struct {
	cfg    *app.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	redis   *redis.Client
	engine  *app.Engine
	metrics *observability.Metrics
}

// bootstrap connects to Postgres and Redis and wires the engine. Redis is optional.
func bootstrap(ctx context.Context) (*runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, poolSize(cfg))
	if err != nil {
		return nil, err
	}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, running without cache and cross-process locks", slog.Any("error", err))
		_ = redisClient.Close()
		redisClient = nil
	}

	// engine counters share the registry the API serves on /metrics
	metrics := observability.NewMetrics()
	engine := app.NewEngine(app.EngineParams{
		Config:  cfg,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: jobmetrics.NewMetrics(metrics.Registerer()),
		Logger:  logger,
	})
	return &runtime{cfg: cfg, logger: logger, pool: pool, redis: redisClient, engine: engine, metrics: metrics}, nil
}

func (r *runtime) Close() {
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn("redis close", slog.Any("error", err))
		}
	}
	r.pool.Close()
}

// poolSize leaves room for every match and emit worker plus the HTTP handlers.
func poolSize(cfg *app.Config) int32 {
	return int32(cfg.MatchWorkers + cfg.EmitWorkers + 4)
}

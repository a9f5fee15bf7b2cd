package app

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/salesrecon/internal/aliases"
	"github.com/odyssey-erp/salesrecon/internal/catalog"
	"github.com/odyssey-erp/salesrecon/internal/emission"
	jobmetrics "github.com/odyssey-erp/salesrecon/internal/jobs"
	"github.com/odyssey-erp/salesrecon/internal/kits"
	"github.com/odyssey-erp/salesrecon/internal/matching"
	"github.com/odyssey-erp/salesrecon/internal/orderlines"
	"github.com/odyssey-erp/salesrecon/internal/platform/cache"
	"github.com/odyssey-erp/salesrecon/internal/shipments"
)

// Engine bundles the reconciliation services sharing one pool, cache and lock client.
type Engine struct {
	Lines     *orderlines.Repository
	Catalog   *catalog.Loader
	Aliases   *aliases.Service
	Matching  *matching.Service
	Kits      *kits.Resolver
	Emission  *emission.Service
	Shipments *shipments.Service
}

// EngineParams groups the infrastructure the engine is built on. Redis may be nil.
type EngineParams struct {
	Config  *Config
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *jobmetrics.Metrics
	Logger  *slog.Logger
}

// NewEngine wires every service of the engine.
func NewEngine(p EngineParams) *Engine {
	cfg := p.Config
	if cfg == nil {
		cfg = &Config{MatchWorkers: 8, EmitWorkers: 4, MatchFuzzyEnabled: true}
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var locker *cache.Locker
	var catalogCache *catalog.Cache
	if p.Redis != nil {
		locker = cache.NewLocker(p.Redis, cfg.OrderLockTTL)
		catalogCache = catalog.NewCache(p.Redis, cfg.CatalogCacheTTL)
	}

	adapters := orderlines.NewAdapters(cfg.Vocabulary())
	lines := orderlines.NewRepository(p.Pool)
	loader := catalog.NewLoader(catalog.NewRepository(p.Pool), catalogCache, logger.With(slog.String("component", "catalog")))
	aliasService := aliases.NewService(aliases.NewRepository(p.Pool), logger.With(slog.String("component", "aliases")))
	shipmentService := shipments.NewService(shipments.NewRepository(p.Pool), adapters, logger.With(slog.String("component", "shipments")))

	matchService := matching.NewService(lines, loader, aliasService, shipmentService, p.Metrics, matching.Config{
		Workers:      cfg.MatchWorkers,
		FuzzyEnabled: cfg.MatchFuzzyEnabled,
	}, logger.With(slog.String("component", "matching")))

	resolver := kits.NewResolver(kits.NewRepository(p.Pool), loader, locker, shipmentService, logger.With(slog.String("component", "kits")))

	emitService := emission.NewService(emission.NewRepository(p.Pool), loader, resolver, adapters, emission.Config{
		Workers: cfg.EmitWorkers,
	}, emission.Deps{
		Locker:   locker,
		Observer: shipmentService,
		Recorder: p.Metrics,
		Logger:   logger.With(slog.String("component", "emission")),
	})

	return &Engine{
		Lines:     lines,
		Catalog:   loader,
		Aliases:   aliasService,
		Matching:  matchService,
		Kits:      resolver,
		Emission:  emitService,
		Shipments: shipmentService,
	}
}

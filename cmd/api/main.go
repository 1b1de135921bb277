// The api binary serves the worklens HTTP API: interactive queries, prompt
// translation, job submission and tracking, and the metric catalog.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/worklens/internal/api"
	"github.com/jonesrussell/worklens/internal/cache"
	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/config"
	"github.com/jonesrussell/worklens/internal/database"
	"github.com/jonesrussell/worklens/internal/engine"
	"github.com/jonesrussell/worklens/internal/executor"
	"github.com/jonesrussell/worklens/internal/jobs"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/metrics"
	"github.com/jonesrussell/worklens/internal/server"
	"github.com/jonesrussell/worklens/internal/tenant"
	"github.com/jonesrussell/worklens/internal/translator"
)

// catalogRefreshInterval is how often the served snapshot is reconciled with
// versions published by other processes.
const catalogRefreshInterval = time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.Service.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	if cfg.Service.Pprof {
		server.StartPprof(log, cfg.Service.PprofPort)
	}

	db, err := database.NewPostgresConnection(&cfg.Database)
	if err != nil {
		log.Error("connecting to database", logger.Error(err))
		return 1
	}
	defer func() { _ = database.Close(db) }()
	log.Info("database connected",
		logger.String("host", cfg.Database.Host),
		logger.String("database", cfg.Database.Database))

	rdb, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Error("connecting to redis", logger.Error(err))
		return 1
	}
	defer func() { _ = rdb.Close() }()
	log.Info("redis connected", logger.String("addr", cfg.Redis.Addr))

	return runServer(cfg, log, db, rdb)
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.GetConfigPath("config.yml"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// runServer wires the engine and serves HTTP until shutdown.
func runServer(cfg *config.Config, log logger.Logger, db *sqlx.DB, rdb *redis.Client) int {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	cat := catalog.New(catalog.NewStore(db), log)
	snap, err := cat.Load(context.Background())
	if err != nil {
		log.Error("loading metric catalog", logger.Error(err))
		return 1
	}
	m.SetCatalogGeneration(snap.Version())

	eng := engine.New(engine.Config{
		Catalog:           cat,
		Gate:              tenant.NewGate(log),
		Cache:             cache.NewStore(rdb, cfg.Query.CacheTTL, log),
		Runner:            executor.New(db, cfg.Query.RowCap, log),
		Metrics:           m,
		Log:               log,
		InteractiveBudget: cfg.Query.InteractiveTimeout,
		JobBudget:         cfg.Query.JobTimeout,
		MaxConcurrent:     int64(cfg.Query.MaxConcurrent),
	})

	var prompts api.PromptTranslator
	if cfg.Translator.BaseURL != "" {
		client := translator.NewHTTPClient(
			cfg.Translator.BaseURL, cfg.Translator.APIToken,
			cfg.Translator.Timeout, float64(cfg.Translator.RatePerSec))
		prompts = translator.NewService(client, cat, cfg.Translator.MaxAttempts, m, log)
		log.Info("prompt translation enabled",
			logger.String("endpoint", cfg.Translator.BaseURL))
	}

	router := api.NewRouter(api.Config{
		Queries:    eng,
		Jobs:       jobs.NewService(jobs.NewRepository(db), eng, log),
		Catalog:    cat,
		Translator: prompts,
		Limiter: server.NewTenantRateLimiter(
			float64(cfg.Query.TenantRatePerSec), cfg.Query.TenantRateBurst),
		Registry:  registry,
		JWTSecret: cfg.Auth.JWTSecret,
		Log:       log,
	})

	srv := server.New(server.Config{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Port:           cfg.Service.Port,
		Debug:          cfg.Service.Debug,
		Checks: map[string]server.HealthChecker{
			"database": server.DatabaseCheck(db.PingContext),
			"redis": server.RedisCheck(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		},
	}, log, router.Register)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watchCatalog(ctx, cat, m, log)

	log.Info("worklens api starting",
		logger.Int("port", cfg.Service.Port),
		logger.Int64("catalog_version", snap.Version()))

	if err := srv.RunWithGracefulShutdown(ctx); err != nil {
		log.Error("server error", logger.Error(err))
		return 1
	}

	log.Info("worklens api exited cleanly")
	return 0
}

// watchCatalog keeps the served snapshot and the generation gauge current
// with versions published by other processes.
func watchCatalog(ctx context.Context, cat *catalog.Catalog, m *metrics.Metrics, log logger.Logger) {
	ticker := time.NewTicker(catalogRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, _, err := cat.Refresh(ctx)
			if err != nil {
				log.Warn("refreshing catalog", logger.Error(err))
				continue
			}
			m.SetCatalogGeneration(snap.Version())
		}
	}
}

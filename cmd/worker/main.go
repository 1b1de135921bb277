// The worker binary drains the analytics job queue: it claims queued jobs,
// executes them through the query engine, consumes cache invalidation events,
// and purges expired job rows on a schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/worklens/internal/cache"
	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/config"
	"github.com/jonesrussell/worklens/internal/database"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/engine"
	"github.com/jonesrussell/worklens/internal/executor"
	"github.com/jonesrussell/worklens/internal/invalidation"
	"github.com/jonesrussell/worklens/internal/jobs"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/metrics"
	"github.com/jonesrussell/worklens/internal/server"
	"github.com/jonesrussell/worklens/internal/tenant"
)

const (
	// catalogRefreshInterval is how often the served snapshot is reconciled
	// with versions published by other processes.
	catalogRefreshInterval = time.Minute

	// statsSampleInterval is how often queue depth gauges are resampled.
	statsSampleInterval = 30 * time.Second
)

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

	return runWorker(cfg, log, db, rdb)
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

// runWorker starts the claim pool, the invalidation consumer, and a small
// health endpoint, then blocks until a shutdown signal arrives.
func runWorker(cfg *config.Config, log logger.Logger, db *sqlx.DB, rdb *redis.Client) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	cat := catalog.New(catalog.NewStore(db), log)
	snap, err := cat.Load(ctx)
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

	repo := jobs.NewRepository(db)
	worker := jobs.NewWorker(repo, eng, jobs.Config{
		Workers:            cfg.Jobs.Workers,
		PollInterval:       cfg.Jobs.PollInterval,
		CheckpointInterval: cfg.Jobs.CheckpointInterval,
		ClaimTTL:           cfg.Jobs.ClaimTTL,
		Retention:          cfg.Jobs.Retention,
		PurgeSchedule:      cfg.Jobs.PurgeSchedule,
		StaleResetInterval: cfg.Jobs.StaleResetInterval,
	}, m, log)
	if err := worker.Start(ctx); err != nil {
		log.Error("starting worker pool", logger.Error(err))
		return 1
	}
	defer worker.Stop()

	consumer := invalidation.NewConsumer(rdb, invalidation.Config{
		Stream:        cfg.Invalidation.Stream,
		ConsumerGroup: cfg.Invalidation.ConsumerGroup,
		BatchSize:     cfg.Invalidation.BatchSize,
		BlockTimeout:  cfg.Invalidation.BlockTimeout,
	}, eng, log)
	if err := consumer.Start(ctx); err != nil {
		log.Error("starting invalidation consumer", logger.Error(err))
		return 1
	}
	defer consumer.Stop()

	go watchCatalog(ctx, cat, m, log)
	go sampleJobStats(ctx, repo, m, log)

	srv := server.New(server.Config{
		ServiceName:    cfg.Service.Name + "-worker",
		ServiceVersion: cfg.Service.Version,
		Port:           cfg.Jobs.MetricsPort,
		Debug:          cfg.Service.Debug,
		Checks: map[string]server.HealthChecker{
			"database": server.DatabaseCheck(db.PingContext),
			"redis": server.RedisCheck(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		},
	}, log, func(router *gin.Engine) {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	})

	log.Info("worklens worker starting",
		logger.Int("port", cfg.Jobs.MetricsPort),
		logger.Int("workers", cfg.Jobs.Workers),
		logger.Int64("catalog_version", snap.Version()))

	if err := srv.RunWithGracefulShutdown(ctx); err != nil {
		log.Error("server error", logger.Error(err))
		return 1
	}

	log.Info("worklens worker exited cleanly")
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

// sampleJobStats republishes queue depth gauges so dashboards track the
// backlog without polling the stats endpoint.
func sampleJobStats(ctx context.Context, repo *jobs.Repository, m *metrics.Metrics, log logger.Logger) {
	ticker := time.NewTicker(statsSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := repo.Stats(ctx)
			if err != nil {
				log.Warn("sampling job stats", logger.Error(err))
				continue
			}
			m.SetJobsInState(string(domain.JobStatusQueued), stats.Queued)
			m.SetJobsInState(string(domain.JobStatusRunning), stats.Running)
			m.SetJobsInState(string(domain.JobStatusCompleted), stats.Completed)
			m.SetJobsInState(string(domain.JobStatusFailed), stats.Failed)
			m.SetJobsInState(string(domain.JobStatusCancelled), stats.Cancelled)
		}
	}
}

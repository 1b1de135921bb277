// Package api exposes the worklens engine over HTTP: interactive queries,
// prompt translation, job orchestration, and the metric catalog, all under
// a JWT-protected /api/v1 prefix with Prometheus metrics on /metrics.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/queryspec"
	"github.com/jonesrussell/worklens/internal/server"
)

// QueryRunner answers interactive queries and advises on execution mode.
// *engine.Engine satisfies it.
type QueryRunner interface {
	RunInteractive(ctx context.Context, spec domain.QuerySpec) (*domain.Result, error)
	EstimateMode(spec domain.QuerySpec) domain.QueryMode
}

// JobManager is the tenant-facing side of job orchestration. *jobs.Service
// satisfies it.
type JobManager interface {
	Submit(ctx context.Context, spec domain.QuerySpec) (*domain.Job, bool, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Result(ctx context.Context, id string) (*domain.Result, error)
	Cancel(ctx context.Context, id string) (*domain.Job, error)
	Stats(ctx context.Context) (*domain.JobStats, error)
}

// CatalogManager reads and publishes catalog versions. *catalog.Catalog
// satisfies it.
type CatalogManager interface {
	Snapshot() *catalog.Snapshot
	Publish(ctx context.Context, metrics []domain.MetricDefinition, publishedBy string) (*catalog.Snapshot, error)
}

// PromptTranslator turns a natural-language prompt into a validated
// specification. *translator.Service satisfies it.
type PromptTranslator interface {
	Translate(ctx context.Context, prompt string) (*queryspec.ValidatedSpec, error)
}

// Config wires the router's collaborators.
type Config struct {
	Queries QueryRunner
	Jobs    JobManager
	Catalog CatalogManager

	// Translator may be nil; the translate endpoint is then not registered.
	Translator PromptTranslator

	// Limiter bounds the interactive query endpoints per tenant. Optional.
	Limiter *server.TenantRateLimiter

	// Registry is the Prometheus registry served on /metrics. Nil falls
	// back to the default gatherer.
	Registry prometheus.Gatherer

	JWTSecret string
	Log       logger.Logger
}

// Router holds the API dependencies behind small interfaces so handler
// tests run against fakes.
type Router struct {
	queries    QueryRunner
	jobs       JobManager
	catalog    CatalogManager
	translator PromptTranslator
	limiter    *server.TenantRateLimiter
	registry   prometheus.Gatherer
	jwtSecret  string
	log        logger.Logger
}

// NewRouter creates the API router.
func NewRouter(cfg Config) *Router {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultGatherer
	}
	return &Router{
		queries:    cfg.Queries,
		jobs:       cfg.Jobs,
		catalog:    cfg.Catalog,
		translator: cfg.Translator,
		limiter:    cfg.Limiter,
		registry:   cfg.Registry,
		jwtSecret:  cfg.JWTSecret,
		log:        cfg.Log,
	}
}

// Register mounts every route. Health routes are handled by the server
// chassis; everything under /api/v1 requires a tenant-bearing JWT.
func (r *Router) Register(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.Use(server.Auth(r.jwtSecret))

	queries := v1.Group("/queries")
	if r.limiter != nil {
		queries.Use(r.limiter.Middleware())
	}
	queries.POST("", r.runQuery)
	if r.translator != nil {
		queries.POST("/translate", r.translatePrompt)
	}

	jobs := v1.Group("/jobs")
	jobs.POST("", r.submitJob)
	jobs.GET("/stats", r.jobStats) // static route before :id
	jobs.GET("/:id", r.getJob)
	jobs.GET("/:id/result", r.getJobResult)
	jobs.DELETE("/:id", r.cancelJob)

	metrics := v1.Group("/catalog/metrics")
	metrics.GET("", r.listMetrics)
	metrics.GET("/:name", r.getMetric)

	admin := v1.Group("/admin")
	admin.Use(server.AdminOnly())
	admin.PUT("/catalog", r.publishCatalog)
}

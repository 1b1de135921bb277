// Package engine answers analytics queries end to end: validate against
// the live catalog snapshot, check the result cache, compile, scope to the
// caller's tenant, execute under budget, and store the result back. One
// engine instance serves both interactive requests and the job runner.
package engine

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/jonesrussell/worklens/internal/cache"
	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/compiler"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/metrics"
	"github.com/jonesrussell/worklens/internal/queryspec"
	"github.com/jonesrussell/worklens/internal/tenant"
)

// jobSpanDays is the date-range width above which the mode estimator
// recommends asynchronous execution.
const jobSpanDays = 180

// SnapshotSource hands out the catalog snapshot queries validate against.
// *catalog.Catalog satisfies it; tests substitute fixed snapshots.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// Runner executes one scoped query under a budget. *executor.Executor
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, q *tenant.ScopedQuery, budget time.Duration) (*domain.Result, error)
}

// Config wires an Engine's collaborators and budgets.
type Config struct {
	Catalog           SnapshotSource
	Gate              *tenant.Gate
	Cache             *cache.Store
	Runner            Runner
	Metrics           *metrics.Metrics
	Log               logger.Logger
	InteractiveBudget time.Duration
	JobBudget         time.Duration
	MaxConcurrent     int64
}

// Engine coordinates the full query path. Identical concurrent requests
// collapse into one execution, and a semaphore caps how many queries hit
// the store at once across both modes.
type Engine struct {
	catalog SnapshotSource
	gate    *tenant.Gate
	cache   *cache.Store
	runner  Runner
	metrics *metrics.Metrics
	log     logger.Logger

	interactiveBudget time.Duration
	jobBudget         time.Duration

	flights singleflight.Group
	sem     *semaphore.Weighted
}

func New(cfg Config) *Engine {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Engine{
		catalog:           cfg.Catalog,
		gate:              cfg.Gate,
		cache:             cfg.Cache,
		runner:            cfg.Runner,
		metrics:           cfg.Metrics,
		log:               cfg.Log,
		interactiveBudget: cfg.InteractiveBudget,
		jobBudget:         cfg.JobBudget,
		sem:               semaphore.NewWeighted(cfg.MaxConcurrent),
	}
}

// RunInteractive answers spec within the interactive budget, from cache
// when possible. The returned result is the caller's own copy; its Clamped
// flag reflects this request's limit, not whoever populated the cache.
func (e *Engine) RunInteractive(ctx context.Context, spec domain.QuerySpec) (*domain.Result, error) {
	start := time.Now()
	res, err := e.runInteractive(ctx, spec)
	e.metrics.RecordQuery(string(domain.ModeInteractive), outcome(err), time.Since(start).Seconds())
	return res, err
}

func (e *Engine) runInteractive(ctx context.Context, spec domain.QuerySpec) (*domain.Result, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, domain.ErrNoTenant
	}
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil, domain.NewExecutionError("metric catalog not loaded", nil)
	}
	validated, err := queryspec.Validate(spec, snap, domain.ModeInteractive)
	if err != nil {
		return nil, err
	}

	if cached, ok := e.cache.Get(ctx, tenantID, validated.Spec.Entity, validated.Hash); ok {
		e.metrics.RecordCacheRequest(true)
		cached.Clamped = validated.Clamped
		return cached, nil
	}
	e.metrics.RecordCacheRequest(false)

	key := cache.Key(tenantID, validated.Spec.Entity, validated.Hash)
	v, err, _ := e.flights.Do(key, func() (any, error) {
		return e.computeAndStore(ctx, tenantID, validated, snap, e.interactiveBudget)
	})
	if err != nil {
		return nil, err
	}

	res := *(v.(*domain.Result))
	res.Clamped = validated.Clamped
	return &res, nil
}

// PrepareJob validates spec for asynchronous execution against the current
// snapshot and returns its canonical form, whose hash is the job's
// deduplication identity.
func (e *Engine) PrepareJob(spec domain.QuerySpec) (*queryspec.ValidatedSpec, error) {
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil, domain.NewExecutionError("metric catalog not loaded", nil)
	}
	return queryspec.Validate(spec, snap, domain.ModeJob)
}

// ExecuteJob computes spec under the job budget. It revalidates against
// the snapshot current at execution time, skips the cache read so the job
// always computes fresh, and still stores the result for later interactive
// reads.
func (e *Engine) ExecuteJob(ctx context.Context, spec domain.QuerySpec) (*domain.Result, error) {
	start := time.Now()
	res, err := e.runJob(ctx, spec)
	e.metrics.RecordQuery(string(domain.ModeJob), outcome(err), time.Since(start).Seconds())
	return res, err
}

func (e *Engine) runJob(ctx context.Context, spec domain.QuerySpec) (*domain.Result, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, domain.ErrNoTenant
	}
	snap := e.catalog.Snapshot()
	if snap == nil {
		return nil, domain.NewExecutionError("metric catalog not loaded", nil)
	}
	validated, err := queryspec.Validate(spec, snap, domain.ModeJob)
	if err != nil {
		return nil, err
	}

	res, err := e.computeAndStore(ctx, tenantID, validated, snap, e.jobBudget)
	if err != nil {
		return nil, err
	}
	out := *res
	out.Clamped = validated.Clamped
	return &out, nil
}

// computeAndStore is the shared compute path: compile, scope, execute
// under the store-wide concurrency cap, then cache. Cache write failures
// degrade to a log line; the computed result still returns.
func (e *Engine) computeAndStore(ctx context.Context, tenantID string, validated *queryspec.ValidatedSpec, snap *catalog.Snapshot, budget time.Duration) (*domain.Result, error) {
	compiled, err := compiler.Compile(validated, snap)
	if err != nil {
		return nil, err
	}
	scoped, err := e.gate.Scope(ctx, compiled)
	if err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	e.metrics.QueryStarted()
	res, err := e.runner.Execute(ctx, scoped, budget)
	e.metrics.QueryFinished()
	if err != nil {
		return nil, err
	}

	if err := e.cache.Put(ctx, tenantID, scoped.Entity, scoped.Hash, res); err != nil {
		e.log.Warn("result computed but not cached",
			logger.String("tenant_id", tenantID),
			logger.String("spec_hash", scoped.Hash),
			logger.Error(err))
	}
	return res, nil
}

// InvalidateEntity drops the tenant's cached results for one entity.
func (e *Engine) InvalidateEntity(ctx context.Context, tenantID string, entity domain.Entity) (int, error) {
	removed, err := e.cache.InvalidateEntity(ctx, tenantID, entity)
	if err != nil {
		return removed, err
	}
	e.metrics.RecordInvalidation("entity", removed)
	e.log.Info("cache invalidated",
		logger.String("tenant_id", tenantID),
		logger.String("entity", string(entity)),
		logger.Int("removed", removed))
	return removed, nil
}

// InvalidateTenant drops every cached result the tenant holds.
func (e *Engine) InvalidateTenant(ctx context.Context, tenantID string) (int, error) {
	removed, err := e.cache.InvalidateTenant(ctx, tenantID)
	if err != nil {
		return removed, err
	}
	e.metrics.RecordInvalidation("tenant", removed)
	e.log.Info("cache invalidated",
		logger.String("tenant_id", tenantID),
		logger.Int("removed", removed))
	return removed, nil
}

// EstimateMode advises which execution mode suits spec. The estimate is
// advisory only; validation enforces the real per-mode bounds.
func (e *Engine) EstimateMode(spec domain.QuerySpec) domain.QueryMode {
	if spec.Limit > domain.MaxInteractiveLimit {
		return domain.ModeJob
	}
	if spec.DateRange == nil && len(spec.Filters) == 0 {
		return domain.ModeJob
	}
	if spec.DateRange != nil && spec.DateRange.To.Sub(spec.DateRange.From) > jobSpanDays*24*time.Hour {
		return domain.ModeJob
	}
	return domain.ModeInteractive
}

// outcome maps an error to its metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return string(domain.CodeOf(err))
	}
}

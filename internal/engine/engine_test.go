package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/worklens/internal/cache"
	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/engine"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/metrics"
	"github.com/jonesrussell/worklens/internal/tenant"
)

type fixedSnapshot struct {
	snap *catalog.Snapshot
}

func (f fixedSnapshot) Snapshot() *catalog.Snapshot { return f.snap }

type fakeRunner struct {
	mu         sync.Mutex
	calls      int
	delay      time.Duration
	err        error
	result     domain.Result
	lastArgs   []any
	lastBudget time.Duration
}

func (f *fakeRunner) Execute(ctx context.Context, q *tenant.ScopedQuery, budget time.Duration) (*domain.Result, error) {
	f.mu.Lock()
	f.calls++
	f.lastArgs = q.Args
	f.lastBudget = budget
	delay, err := f.delay, f.err
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	res := f.result
	return &res, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRunner) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func testSnapshot() *catalog.Snapshot {
	return catalog.NewSnapshot(3, []domain.MetricDefinition{
		{Name: "velocity", DisplayName: "Sprint Velocity", Category: domain.CategoryDelivery,
			Entity: domain.EntitySprints, Expression: "velocity", Aggregation: domain.AggAvg},
		{Name: "throughput", DisplayName: "Throughput", Category: domain.CategoryFlow,
			Entity: domain.EntityWorkItems, Expression: "resolved_at", Aggregation: domain.AggCount},
	})
}

func newTestEngine(t *testing.T, runner engine.Runner) (*engine.Engine, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(engine.Config{
		Catalog:           fixedSnapshot{testSnapshot()},
		Gate:              tenant.NewGate(logger.NewNop()),
		Cache:             cache.NewStore(client, 5*time.Minute, logger.NewNop()),
		Runner:            runner,
		Metrics:           m,
		Log:               logger.NewNop(),
		InteractiveBudget: time.Second,
		JobBudget:         10 * time.Second,
		MaxConcurrent:     4,
	})
	return eng, m
}

func sprintSpec(limit int) domain.QuerySpec {
	return domain.QuerySpec{
		Entity:     domain.EntitySprints,
		Measures:   []domain.Measure{{Name: "velocity"}},
		Dimensions: []string{"project_key"},
		Limit:      limit,
	}
}

func sampleResult() domain.Result {
	return domain.Result{
		Rows:        []map[string]any{{"project_key": "CORE", "velocity_avg": 21.5}},
		RowCount:    1,
		QueryTimeMS: 5,
	}
}

func TestRunInteractive_MissThenHit(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	eng, m := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	first, err := eng.RunInteractive(ctx, sprintSpec(50))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Cached {
		t.Error("first answer must come from the store")
	}
	if runner.count() != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.count())
	}
	if runner.lastArgs[0] != "acme" {
		t.Errorf("first bound arg = %v, want the tenant", runner.lastArgs[0])
	}
	if runner.lastBudget != time.Second {
		t.Errorf("budget = %s, want the interactive budget", runner.lastBudget)
	}

	second, err := eng.RunInteractive(ctx, sprintSpec(50))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.Cached {
		t.Error("second answer must come from the cache")
	}
	if runner.count() != 1 {
		t.Errorf("runner calls = %d, cache hit must not recompute", runner.count())
	}
	if got := testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")); got != 1 {
		t.Errorf("hit counter = %v, want 1", got)
	}
}

func TestRunInteractive_FailsClosedWithoutTenant(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	eng, _ := newTestEngine(t, runner)

	_, err := eng.RunInteractive(context.Background(), sprintSpec(50))
	if !errors.Is(err, domain.ErrNoTenant) {
		t.Fatalf("err = %v, want ErrNoTenant", err)
	}
	if runner.count() != 0 {
		t.Error("nothing may execute without a tenant")
	}
}

func TestRunInteractive_ClampIsPerRequest(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	eng, _ := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	oversized, err := eng.RunInteractive(ctx, sprintSpec(500000))
	if err != nil {
		t.Fatalf("oversized run: %v", err)
	}
	if !oversized.Clamped {
		t.Error("a clamped request must say so")
	}

	// Limit 1000 canonicalizes identically to the clamped request, so this
	// hits the same cache entry but was never clamped itself.
	exact, err := eng.RunInteractive(ctx, sprintSpec(domain.MaxInteractiveLimit))
	if err != nil {
		t.Fatalf("exact run: %v", err)
	}
	if runner.count() != 1 {
		t.Errorf("runner calls = %d, both requests share one computation", runner.count())
	}
	if exact.Clamped {
		t.Error("the clamp flag must reflect this request, not the cache entry")
	}
	if !exact.Cached {
		t.Error("expected the shared cache entry")
	}
}

func TestRunInteractive_ValidationFailsBeforeExecution(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	eng, _ := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	spec := sprintSpec(50)
	spec.Measures = []domain.Measure{{Name: "no_such_metric"}}
	_, err := eng.RunInteractive(ctx, spec)
	if code := domain.CodeOf(err); code != domain.CodeValidation {
		t.Errorf("code = %s, want %s", code, domain.CodeValidation)
	}
	if runner.count() != 0 {
		t.Error("invalid specifications must never reach the store")
	}
}

func TestRunInteractive_ErrorsAreNotCached(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	runner.setErr(domain.NewTimeoutError(time.Second))
	eng, _ := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	_, err := eng.RunInteractive(ctx, sprintSpec(50))
	if code := domain.CodeOf(err); code != domain.CodeTimeout {
		t.Fatalf("code = %s, want %s", code, domain.CodeTimeout)
	}

	runner.setErr(nil)
	res, err := eng.RunInteractive(ctx, sprintSpec(50))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Cached {
		t.Error("the failed attempt must not have cached anything")
	}
	if runner.count() != 2 {
		t.Errorf("runner calls = %d, want a fresh execution after the failure", runner.count())
	}
}

func TestInvalidateEntity_ForcesRecompute(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	eng, _ := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	if _, err := eng.RunInteractive(ctx, sprintSpec(50)); err != nil {
		t.Fatalf("warm: %v", err)
	}
	removed, err := eng.InvalidateEntity(ctx, "acme", domain.EntitySprints)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	res, err := eng.RunInteractive(ctx, sprintSpec(50))
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if res.Cached {
		t.Error("invalidation must force a recompute")
	}
	if runner.count() != 2 {
		t.Errorf("runner calls = %d, want 2", runner.count())
	}
}

func TestExecuteJob_ComputesFreshAndWarmsCache(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	eng, _ := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	if _, err := eng.RunInteractive(ctx, sprintSpec(50)); err != nil {
		t.Fatalf("interactive: %v", err)
	}

	// The job path never reads the cache: a job exists because the caller
	// wants a fresh computation.
	res, err := eng.ExecuteJob(ctx, sprintSpec(50))
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if res.Cached {
		t.Error("job results are computed, never served from cache")
	}
	if runner.count() != 2 {
		t.Errorf("runner calls = %d, want 2", runner.count())
	}
	if runner.lastBudget != 10*time.Second {
		t.Errorf("budget = %s, want the job budget", runner.lastBudget)
	}

	after, err := eng.RunInteractive(ctx, sprintSpec(50))
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if !after.Cached || runner.count() != 2 {
		t.Error("the job result must be available to interactive readers")
	}
}

func TestRunInteractive_IdenticalRequestsCollapse(t *testing.T) {
	runner := &fakeRunner{result: sampleResult(), delay: 50 * time.Millisecond}
	eng, _ := newTestEngine(t, runner)
	ctx := tenant.WithTenant(context.Background(), "acme")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.RunInteractive(ctx, sprintSpec(50))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if runner.count() != 1 {
		t.Errorf("runner calls = %d, identical requests must share one execution", runner.count())
	}
}

func TestEstimateMode(t *testing.T) {
	t.Parallel()
	eng, _ := newTestEngine(t, &fakeRunner{result: sampleResult()})

	day := 24 * time.Hour
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	narrow := &domain.DateRange{From: now.Add(-30 * day), To: now}
	wide := &domain.DateRange{From: now.Add(-365 * day), To: now}
	filtered := []domain.Filter{{Field: "state", Operator: domain.OpEq, Value: "closed"}}

	testCases := []struct {
		name string
		spec domain.QuerySpec
		want domain.QueryMode
	}{
		{"oversized limit", domain.QuerySpec{Limit: 5000, DateRange: narrow}, domain.ModeJob},
		{"unbounded scan", domain.QuerySpec{Limit: 100}, domain.ModeJob},
		{"wide range", domain.QuerySpec{Limit: 100, DateRange: wide}, domain.ModeJob},
		{"narrow range", domain.QuerySpec{Limit: 100, DateRange: narrow}, domain.ModeInteractive},
		{"filtered", domain.QuerySpec{Limit: 100, Filters: filtered}, domain.ModeInteractive},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := eng.EstimateMode(tc.spec); got != tc.want {
				t.Errorf("mode = %s, want %s", got, tc.want)
			}
		})
	}
}

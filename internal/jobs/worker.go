package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/metrics"
	"github.com/jonesrussell/worklens/internal/tenant"
)

// Progress checkpoints reported while a job moves through the pipeline.
// Execution itself has no sub-progress; the jump from executing to storing
// covers the query's whole runtime.
const (
	progressClaimed   = 0.10
	progressValidated = 0.25
	progressExecuting = 0.40
	progressStoring   = 0.90
)

// Store is the persistence surface the worker drives. *Repository
// satisfies it.
type Store interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id string, progress float64) error
	Complete(ctx context.Context, id string, result []byte) error
	Fail(ctx context.Context, id string, code domain.ErrorCode, message string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	FinalizeCancel(ctx context.Context, id string) error
	ResetStale(ctx context.Context) (int64, error)
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Runner executes a validated specification under the job budget.
// *engine.Engine satisfies it.
type Runner interface {
	ExecuteJob(ctx context.Context, spec domain.QuerySpec) (*domain.Result, error)
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of claim loops to run.
	Workers int
	// PollInterval is how long a drained worker sleeps before polling
	// the queue again.
	PollInterval time.Duration
	// CheckpointInterval is how often a running job checks its cancel
	// flag; cancellations land within one interval.
	CheckpointInterval time.Duration
	// ClaimTTL is the lease granted on claim. Jobs whose lease lapses
	// without completion are requeued by the stale sweep.
	ClaimTTL time.Duration
	// Retention is how long terminal jobs are kept before purging.
	Retention time.Duration
	// PurgeSchedule is the cron expression for the retention sweep.
	PurgeSchedule string
	// StaleResetInterval is how often abandoned claims are swept.
	StaleResetInterval time.Duration
}

// Worker claims queued jobs and drives them to a terminal status. Each of
// the configured goroutines drains the queue and then falls back to
// polling; a cron scheduler handles the retention purge and the stale
// claim sweep.
type Worker struct {
	store   Store
	runner  Runner
	cfg     Config
	metrics *metrics.Metrics
	log     logger.Logger
	tracer  trace.Tracer

	id       string
	cron     *cron.Cron
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
}

func NewWorker(store Store, runner Runner, cfg Config, m *metrics.Metrics, log logger.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Worker{
		store:    store,
		runner:   runner,
		cfg:      cfg,
		metrics:  m,
		log:      log,
		tracer:   otel.Tracer("analytics-worker"),
		id:       workerID(),
		stopChan: make(chan struct{}),
	}
}

// workerID names this process in claimed_by. Hostname plus a short random
// suffix keeps two workers on one host distinguishable.
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start launches the claim loops and the maintenance scheduler. It returns
// an error if the purge schedule does not parse; the loops themselves run
// until Stop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	w.cron = cron.New()
	if _, err := w.cron.AddFunc(w.cfg.PurgeSchedule, func() { w.purge(ctx) }); err != nil {
		return fmt.Errorf("scheduling retention purge: %w", err)
	}
	if _, err := w.cron.AddFunc("@every "+w.cfg.StaleResetInterval.String(), func() { w.resetStale(ctx) }); err != nil {
		return fmt.Errorf("scheduling stale claim sweep: %w", err)
	}
	w.cron.Start()

	for i := range w.cfg.Workers {
		w.wg.Add(1)
		go w.run(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
	w.started = true
	w.log.Info("job worker started",
		logger.String("worker_id", w.id),
		logger.Int("workers", w.cfg.Workers),
		logger.Duration("poll_interval", w.cfg.PollInterval),
		logger.Duration("claim_ttl", w.cfg.ClaimTTL))
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to reach a
// checkpoint. Jobs interrupted mid-run stay running until their lease
// lapses and the stale sweep requeues them.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started {
		return
	}
	close(w.stopChan)
	<-w.cron.Stop().Done()
	w.wg.Wait()
	w.started = false
	w.log.Info("job worker stopped", logger.String("worker_id", w.id))
}

// run is one claim loop: drain the queue, then poll. Claimed jobs are
// processed inline so a worker never holds more than one lease.
func (w *Worker) run(ctx context.Context, claimant string) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain before sleeping so a deep queue is not paced by the
		// poll interval.
		for w.claimAndProcess(ctx, claimant) {
			select {
			case <-w.stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
		}

		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// claimAndProcess takes one job off the queue. It reports whether a job
// was claimed, so the caller knows to keep draining.
func (w *Worker) claimAndProcess(ctx context.Context, claimant string) bool {
	job, err := w.store.Claim(ctx, claimant, w.cfg.ClaimTTL)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, context.Canceled) {
			w.log.Error("claiming job", logger.Error(err))
		}
		return false
	}
	w.metrics.RecordJobClaimed()
	w.processJob(ctx, claimant, job)
	return true
}

// processJob drives one claimed job to a terminal status. The cancel
// watcher aborts execution through the job's context when the tenant
// requests it; a watcher-initiated abort finalizes as cancelled, while an
// abort from process shutdown leaves the job running for the stale sweep.
func (w *Worker) processJob(ctx context.Context, claimant string, job *domain.Job) {
	start := time.Now()

	ctx, span := w.tracer.Start(ctx, "jobs.process")
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("tenant_id", job.TenantID),
		attribute.String("spec_hash", job.SpecHash),
	)
	defer span.End()

	log := w.log.With(
		logger.String("job_id", job.ID),
		logger.String("tenant_id", job.TenantID),
		logger.String("spec_hash", job.SpecHash),
		logger.String("claimed_by", claimant))
	log.Info("job claimed")

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	done := make(chan struct{})
	defer close(done)
	fired := make(chan struct{}, 1)
	go w.watchCancel(ctx, job.ID, done, fired, cancelExec)

	outcome := w.execute(execCtx, job, fired, log)

	elapsed := time.Since(start)
	w.metrics.RecordJobProcessed(outcome, elapsed.Seconds())
	if outcome == metrics.OutcomeFailed {
		span.SetStatus(codes.Error, "job failed")
	}
	log.Info("job finished",
		logger.String("outcome", outcome),
		logger.Duration("elapsed", elapsed))
}

// execute walks the job through its checkpoints and returns the outcome
// label. Progress updates are best-effort: a failed update never aborts
// the job, since the guarded completion writes are what hold the state
// machine together.
func (w *Worker) execute(ctx context.Context, job *domain.Job, fired <-chan struct{}, log logger.Logger) string {
	w.reportProgress(ctx, job.ID, progressClaimed, log)

	var spec domain.QuerySpec
	if err := json.Unmarshal(job.Spec, &spec); err != nil {
		return w.fail(ctx, job.ID, domain.NewExecutionError("decoding stored specification", err), log)
	}
	w.reportProgress(ctx, job.ID, progressValidated, log)

	// The stored spec carries no tenant; execution scopes through the
	// same gate interactive queries use.
	execCtx := tenant.WithTenant(ctx, job.TenantID)
	w.reportProgress(ctx, job.ID, progressExecuting, log)

	result, err := w.runner.ExecuteJob(execCtx, spec)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			select {
			case <-fired:
				// The watcher aborted on the tenant's behalf.
				return w.finalizeCancel(job.ID, log)
			default:
				// Shutdown interrupted the run. Leave the job
				// running; the lease lapses and the stale sweep
				// requeues it.
				log.Warn("job interrupted by shutdown")
				return metrics.OutcomeInterrupted
			}
		}
		return w.fail(ctx, job.ID, err, log)
	}

	w.reportProgress(ctx, job.ID, progressStoring, log)
	payload, err := json.Marshal(result)
	if err != nil {
		return w.fail(ctx, job.ID, domain.NewExecutionError("encoding result", err), log)
	}
	if err := w.store.Complete(ctx, job.ID, payload); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// The cancel flag was raised after the last checkpoint;
			// the guarded update refused to complete.
			return w.finalizeCancel(job.ID, log)
		}
		log.Error("storing job result", logger.Error(err))
		return metrics.OutcomeInterrupted
	}
	return metrics.OutcomeCompleted
}

// watchCancel polls the job's cancel flag each checkpoint interval and
// aborts execution when it is raised. The token on fired is sent before
// the abort, so the execution path can tell a tenant cancel from a
// shutdown the moment the context error surfaces.
func (w *Worker) watchCancel(ctx context.Context, jobID string, done <-chan struct{}, fired chan<- struct{}, cancelExec context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := w.store.CancelRequested(ctx, jobID)
			if err != nil {
				w.log.Warn("checking cancel flag",
					logger.String("job_id", jobID), logger.Error(err))
				continue
			}
			if cancelled {
				fired <- struct{}{}
				cancelExec()
				return
			}
		}
	}
}

// fail records a terminal failure. A guarded update that finds the cancel
// flag raised finalizes as cancelled instead: cancellation wins over
// failure when both race.
func (w *Worker) fail(ctx context.Context, jobID string, jobErr error, log logger.Logger) string {
	code := domain.CodeOf(jobErr)
	log.Warn("job failed",
		logger.String("code", string(code)),
		logger.Error(jobErr))
	if err := w.store.Fail(ctx, jobID, code, jobErr.Error()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return w.finalizeCancel(jobID, log)
		}
		log.Error("recording job failure", logger.Error(err))
		return metrics.OutcomeInterrupted
	}
	return metrics.OutcomeFailed
}

// finalizeCancel flips the job to cancelled. It runs on a fresh context:
// the job's own context is already dead by the time cancellation is
// acknowledged.
func (w *Worker) finalizeCancel(jobID string, log logger.Logger) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.FinalizeCancel(ctx, jobID); err != nil {
		log.Error("finalizing cancellation", logger.Error(err))
		return metrics.OutcomeInterrupted
	}
	log.Info("job cancelled")
	return metrics.OutcomeCancelled
}

func (w *Worker) reportProgress(ctx context.Context, jobID string, progress float64, log logger.Logger) {
	if err := w.store.UpdateProgress(ctx, jobID, progress); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("updating job progress",
			logger.Float64("progress", progress), logger.Error(err))
	}
}

func (w *Worker) purge(ctx context.Context) {
	removed, err := w.store.PurgeTerminal(ctx, w.cfg.Retention)
	if err != nil {
		w.log.Error("purging terminal jobs", logger.Error(err))
		return
	}
	if removed > 0 {
		w.log.Info("purged terminal jobs", logger.Int64("removed", removed))
	}
}

func (w *Worker) resetStale(ctx context.Context) {
	reset, err := w.store.ResetStale(ctx)
	if err != nil {
		w.log.Error("resetting stale claims", logger.Error(err))
		return
	}
	if reset > 0 {
		w.log.Warn("requeued jobs with lapsed leases", logger.Int64("reset", reset))
	}
}

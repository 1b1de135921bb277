// Package jobs manages asynchronous query executions: submission with
// same-specification deduplication, lease-based claiming, progress
// checkpoints, cooperative cancellation, and terminal-state retention.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/worklens/internal/domain"
)

// jobColumns is the column list for SELECT/RETURNING on analytics_jobs
// (single source for schema changes).
const jobColumns = `id, tenant_id, spec_hash, spec, status, progress, result,
	error_code, error_message, cancel_requested, claimed_by, claim_expires_at,
	created_at, started_at, completed_at`

// submitAttempts bounds the insert/readback loop in Submit. Two passes
// cover the race where the deduplicating twin finishes between our failed
// insert and the readback.
const submitAttempts = 2

// Repository persists jobs in PostgreSQL. Every tenant-facing read and
// write carries an explicit tenant predicate; worker-facing calls span
// tenants by design, since one queue serves them all.
type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Submit enqueues a job unless an equivalent one is already queued or
// running for the tenant, in which case the existing job returns with
// created=false. Equivalence is the specification hash; the partial unique
// index on (tenant_id, spec_hash) makes the check race-free.
func (r *Repository) Submit(ctx context.Context, tenantID, specHash string, spec []byte) (*domain.Job, bool, error) {
	query := `
		INSERT INTO analytics_jobs (id, tenant_id, spec_hash, spec, status)
		VALUES ($1, $2, $3, $4, 'queued')
		ON CONFLICT (tenant_id, spec_hash) WHERE status IN ('queued', 'running') DO NOTHING
		RETURNING ` + jobColumns

	for range submitAttempts {
		var job domain.Job
		err := r.db.GetContext(ctx, &job, query, uuid.NewString(), tenantID, specHash, string(spec))
		if err == nil {
			return &job, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("submit job: %w", err)
		}

		existing, err := r.activeByHash(ctx, tenantID, specHash)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
		// The twin reached rest between insert and readback; insert again.
	}
	return nil, false, domain.NewConflictError(
		"submission raced with an equivalent job reaching rest; retry", "spec_hash")
}

func (r *Repository) activeByHash(ctx context.Context, tenantID, specHash string) (*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM analytics_jobs
		WHERE tenant_id = $1 AND spec_hash = $2 AND status IN ('queued', 'running')
		ORDER BY created_at
		LIMIT 1`

	var job domain.Job
	err := r.db.GetContext(ctx, &job, query, tenantID, specHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read active job: %w", err)
	}
	return &job, nil
}

// Get returns the tenant's job by id.
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM analytics_jobs WHERE id = $1 AND tenant_id = $2`

	var job domain.Job
	err := r.db.GetContext(ctx, &job, query, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewNotFoundError("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// Claim atomically moves the oldest queued job to running under a lease,
// skipping rows other workers hold locked. domain.ErrNotFound means the
// queue is empty.
func (r *Repository) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error) {
	query := `
		UPDATE analytics_jobs
		SET status = 'running',
		    started_at = NOW(),
		    claimed_by = $1,
		    claim_expires_at = NOW() + $2::interval
		WHERE id = (
			SELECT id FROM analytics_jobs
			WHERE status = 'queued'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var job domain.Job
	err := r.db.GetContext(ctx, &job, query, workerID, lease.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// UpdateProgress raises the job's progress. GREATEST keeps it monotonic
// even if checkpoints land out of order.
func (r *Repository) UpdateProgress(ctx context.Context, id string, progress float64) error {
	query := `
		UPDATE analytics_jobs
		SET progress = GREATEST(progress, $2)
		WHERE id = $1 AND status = 'running'`
	if err := r.execExpectOneRow(ctx, query, id, progress); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete stores the result and finishes the job. A job whose
// cancellation was requested refuses completion, so a cancelled job can
// never flip to completed; callers get domain.ErrNotFound and should
// finalize the cancel instead.
func (r *Repository) Complete(ctx context.Context, id string, result []byte) error {
	query := `
		UPDATE analytics_jobs
		SET status = 'completed',
		    progress = 1.0,
		    result = $2,
		    completed_at = NOW(),
		    claim_expires_at = NULL
		WHERE id = $1 AND status = 'running' AND cancel_requested = FALSE`
	if err := r.execExpectOneRow(ctx, query, id, string(result)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail finishes the job with an error taxonomy code and message. Same
// cancellation guard as Complete.
func (r *Repository) Fail(ctx context.Context, id string, code domain.ErrorCode, message string) error {
	query := `
		UPDATE analytics_jobs
		SET status = 'failed',
		    error_code = $2,
		    error_message = $3,
		    completed_at = NOW(),
		    claim_expires_at = NULL
		WHERE id = $1 AND status = 'running' AND cancel_requested = FALSE`
	if err := r.execExpectOneRow(ctx, query, id, string(code), message); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RequestCancel cancels the tenant's job. Queued jobs cancel immediately;
// running jobs get the cancel flag and the claiming worker finalizes at
// its next checkpoint; terminal jobs return as they are, making
// cancellation idempotent.
func (r *Repository) RequestCancel(ctx context.Context, tenantID, id string) (*domain.Job, error) {
	direct := `
		UPDATE analytics_jobs
		SET status = 'cancelled', cancel_requested = TRUE, completed_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status = 'queued'
		RETURNING ` + jobColumns

	var job domain.Job
	err := r.db.GetContext(ctx, &job, direct, id, tenantID)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cancel queued job: %w", err)
	}

	flag := `
		UPDATE analytics_jobs
		SET cancel_requested = TRUE
		WHERE id = $1 AND tenant_id = $2 AND status = 'running'
		RETURNING ` + jobColumns

	err = r.db.GetContext(ctx, &job, flag, id, tenantID)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flag running job: %w", err)
	}

	return r.Get(ctx, tenantID, id)
}

// CancelRequested is the worker's checkpoint probe. A vanished job reads
// as cancelled: there is no one left to work for.
func (r *Repository) CancelRequested(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := r.db.GetContext(ctx, &cancelled,
		`SELECT cancel_requested OR status = 'cancelled' FROM analytics_jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe cancel flag: %w", err)
	}
	return cancelled, nil
}

// FinalizeCancel brings a flagged job to rest. Idempotent: a job already
// terminal is left untouched.
func (r *Repository) FinalizeCancel(ctx context.Context, id string) error {
	query := `
		UPDATE analytics_jobs
		SET status = 'cancelled', completed_at = NOW(), claim_expires_at = NULL
		WHERE id = $1 AND status IN ('queued', 'running')`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("finalize cancel: %w", err)
	}
	return nil
}

// ResetStale recovers jobs whose worker died mid-run: expired leases with
// a pending cancel come to rest as cancelled, the remainder requeue from
// scratch.
func (r *Repository) ResetStale(ctx context.Context) (int64, error) {
	cancelStale := `
		UPDATE analytics_jobs
		SET status = 'cancelled', completed_at = NOW(), claim_expires_at = NULL
		WHERE status = 'running' AND cancel_requested = TRUE AND claim_expires_at < NOW()`
	cancelled, err := r.db.ExecContext(ctx, cancelStale)
	if err != nil {
		return 0, fmt.Errorf("cancel stale jobs: %w", err)
	}

	requeue := `
		UPDATE analytics_jobs
		SET status = 'queued',
		    progress = 0,
		    started_at = NULL,
		    claimed_by = NULL,
		    claim_expires_at = NULL
		WHERE status = 'running' AND claim_expires_at < NOW()`
	requeued, err := r.db.ExecContext(ctx, requeue)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}

	a, _ := cancelled.RowsAffected()
	b, _ := requeued.RowsAffected()
	return a + b, nil
}

// PurgeTerminal deletes jobs at rest longer than the retention window.
func (r *Repository) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM analytics_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND completed_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	return result.RowsAffected()
}

// Stats returns queue depth by status plus the past hour's average run
// time.
func (r *Repository) Stats(ctx context.Context) (*domain.JobStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued') AS queued,
			COUNT(*) FILTER (WHERE status = 'running') AS running,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') AS cancelled,
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))
				FILTER (WHERE status = 'completed' AND completed_at > NOW() - INTERVAL '1 hour'), 0) AS avg_run_seconds
		FROM analytics_jobs`

	var stats domain.JobStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return &stats, nil
}

// execExpectOneRow runs an exec and returns domain.ErrNotFound when no row
// was affected.
func (r *Repository) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

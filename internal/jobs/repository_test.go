package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/jobs"
)

const sampleSpec = `{"entity":"sprints","measures":[{"name":"velocity","agg":"avg"}],"limit":50}`

func jobColumns() []string {
	return []string{
		"id", "tenant_id", "spec_hash", "spec", "status", "progress", "result",
		"error_code", "error_message", "cancel_requested", "claimed_by", "claim_expires_at",
		"created_at", "started_at", "completed_at",
	}
}

func jobRow(id, tenantID, status string) *sqlmock.Rows {
	return sqlmock.NewRows(jobColumns()).
		AddRow(id, tenantID, "hash-1", []byte(sampleSpec), status, 0.0, nil,
			nil, nil, false, nil, nil, time.Now().UTC(), nil, nil)
}

func newRepoMock(t *testing.T) (*jobs.Repository, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	repo := jobs.NewRepository(sqlx.NewDb(db, "sqlmock"))
	return repo, mock, func() { db.Close() }
}

func TestRepository_Submit_CreatesJob(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("INSERT INTO analytics_jobs").
		WithArgs(sqlmock.AnyArg(), "acme", "hash-1", sampleSpec).
		WillReturnRows(jobRow("job-1", "acme", "queued"))

	job, created, err := repo.Submit(context.Background(), "acme", "hash-1", []byte(sampleSpec))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created {
		t.Error("created = false, want true for a fresh submission")
	}
	if job.ID != "job-1" || job.Status != domain.JobStatusQueued {
		t.Errorf("job = %s/%s, want job-1/queued", job.ID, job.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Submit_DeduplicatesOnActiveTwin(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	// The partial unique index swallows the insert; the readback finds the
	// already-active twin.
	mock.ExpectQuery("INSERT INTO analytics_jobs").
		WithArgs(sqlmock.AnyArg(), "acme", "hash-1", sampleSpec).
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectQuery("FROM analytics_jobs").
		WithArgs("acme", "hash-1").
		WillReturnRows(jobRow("job-0", "acme", "running"))

	job, created, err := repo.Submit(context.Background(), "acme", "hash-1", []byte(sampleSpec))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if created {
		t.Error("created = true, want false when an equivalent job is active")
	}
	if job.ID != "job-0" || job.Status != domain.JobStatusRunning {
		t.Errorf("job = %s/%s, want the active twin job-0/running", job.ID, job.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Submit_RetriesWhenTwinReachesRest(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	// First insert loses to a twin, but the twin completes before the
	// readback. The second insert succeeds.
	mock.ExpectQuery("INSERT INTO analytics_jobs").
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectQuery("FROM analytics_jobs").
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectQuery("INSERT INTO analytics_jobs").
		WillReturnRows(jobRow("job-2", "acme", "queued"))

	job, created, err := repo.Submit(context.Background(), "acme", "hash-1", []byte(sampleSpec))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created || job.ID != "job-2" {
		t.Errorf("got created=%v id=%s, want a fresh job-2", created, job.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Submit_GivesUpAfterRepeatedRaces(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	for range 2 {
		mock.ExpectQuery("INSERT INTO analytics_jobs").
			WillReturnRows(sqlmock.NewRows(jobColumns()))
		mock.ExpectQuery("FROM analytics_jobs").
			WillReturnRows(sqlmock.NewRows(jobColumns()))
	}

	_, _, err := repo.Submit(context.Background(), "acme", "hash-1", []byte(sampleSpec))
	if err == nil {
		t.Fatal("expected exhausted submission to error")
	}
	if domain.CodeOf(err) != domain.CodeConflict {
		t.Errorf("CodeOf() = %q, want conflict", domain.CodeOf(err))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Get_ScopedToTenant(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("FROM analytics_jobs").
		WithArgs("job-1", "acme").
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := repo.Get(context.Background(), "acme", "job-1")
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Errorf("CodeOf() = %q, want not_found for another tenant's job", domain.CodeOf(err))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Claim_LeasesOldestQueued(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("UPDATE analytics_jobs").
		WithArgs("worker-1", "5m0s").
		WillReturnRows(jobRow("job-1", "acme", "running"))

	job, err := repo.Claim(context.Background(), "worker-1", 5*time.Minute)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if job.Status != domain.JobStatusRunning {
		t.Errorf("Status = %s, want running", job.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Claim_EmptyQueue(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("UPDATE analytics_jobs").
		WithArgs("worker-1", "5m0s").
		WillReturnRows(sqlmock.NewRows(jobColumns()))

	_, err := repo.Claim(context.Background(), "worker-1", 5*time.Minute)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want domain.ErrNotFound on an empty queue", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_UpdateProgress_RequiresRunningJob(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectExec("SET progress = GREATEST").
		WithArgs("job-1", 0.4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET progress = GREATEST").
		WithArgs("job-9", 0.4).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.UpdateProgress(context.Background(), "job-1", 0.4); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	err := repo.UpdateProgress(context.Background(), "job-9", 0.4)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want domain.ErrNotFound for a job no longer running", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Complete_RefusedAfterCancelRequest(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	// The cancel_requested guard means zero rows match, so a cancelled job
	// can never flip to completed.
	mock.ExpectExec("SET status = 'completed'").
		WithArgs("job-1", `{"rows":[]}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Complete(context.Background(), "job-1", []byte(`{"rows":[]}`))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want domain.ErrNotFound when the guard refuses", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Fail_RecordsTaxonomyCode(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectExec("SET status = 'failed'").
		WithArgs("job-1", "timeout", "query exceeded its execution budget").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Fail(context.Background(), "job-1", domain.CodeTimeout,
		"query exceeded its execution budget")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_RequestCancel_QueuedCancelsDirectly(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("SET status = 'cancelled'").
		WithArgs("job-1", "acme").
		WillReturnRows(jobRow("job-1", "acme", "cancelled"))

	job, err := repo.RequestCancel(context.Background(), "acme", "job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if job.Status != domain.JobStatusCancelled {
		t.Errorf("Status = %s, want cancelled", job.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_RequestCancel_RunningSetsFlag(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("SET status = 'cancelled'").
		WithArgs("job-1", "acme").
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectQuery("SET cancel_requested = TRUE").
		WithArgs("job-1", "acme").
		WillReturnRows(jobRow("job-1", "acme", "running"))

	job, err := repo.RequestCancel(context.Background(), "acme", "job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if job.Status != domain.JobStatusRunning {
		t.Errorf("Status = %s, want running until the worker checkpoints", job.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_RequestCancel_TerminalIsIdempotent(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("SET status = 'cancelled'").
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectQuery("SET cancel_requested = TRUE").
		WillReturnRows(sqlmock.NewRows(jobColumns()))
	mock.ExpectQuery("FROM analytics_jobs").
		WithArgs("job-1", "acme").
		WillReturnRows(jobRow("job-1", "acme", "completed"))

	job, err := repo.RequestCancel(context.Background(), "acme", "job-1")
	if err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if job.Status != domain.JobStatusCompleted {
		t.Errorf("Status = %s, want the terminal status unchanged", job.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_CancelRequested_VanishedJobReadsCancelled(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectQuery("SELECT cancel_requested").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"cancel_requested"}).AddRow(false))
	mock.ExpectQuery("SELECT cancel_requested").
		WithArgs("job-gone").
		WillReturnRows(sqlmock.NewRows([]string{"cancel_requested"}))

	cancelled, err := repo.CancelRequested(context.Background(), "job-1")
	if err != nil || cancelled {
		t.Errorf("CancelRequested(job-1) = %v, %v; want false, nil", cancelled, err)
	}
	cancelled, err = repo.CancelRequested(context.Background(), "job-gone")
	if err != nil || !cancelled {
		t.Errorf("CancelRequested(job-gone) = %v, %v; want true, nil", cancelled, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_ResetStale_CancelsFlaggedThenRequeues(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectExec("SET status = 'cancelled'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET status = 'queued'").
		WillReturnResult(sqlmock.NewResult(0, 2))

	reset, err := repo.ResetStale(context.Background())
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if reset != 3 {
		t.Errorf("reset = %d, want 3", reset)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_PurgeTerminal_BindsRetentionInterval(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	mock.ExpectExec("DELETE FROM analytics_jobs").
		WithArgs("168h0m0s").
		WillReturnResult(sqlmock.NewResult(0, 4))

	removed, err := repo.PurgeTerminal(context.Background(), 7*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeTerminal: %v", err)
	}
	if removed != 4 {
		t.Errorf("removed = %d, want 4", removed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRepository_Stats(t *testing.T) {
	repo, mock, done := newRepoMock(t)
	defer done()

	rows := sqlmock.NewRows([]string{
		"queued", "running", "completed", "failed", "cancelled", "avg_run_seconds",
	}).AddRow(int64(3), int64(1), int64(40), int64(2), int64(1), 12.5)
	mock.ExpectQuery("FROM analytics_jobs").WillReturnRows(rows)

	stats, err := repo.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queued != 3 || stats.Running != 1 || stats.Completed != 40 {
		t.Errorf("stats = %+v, want queued=3 running=1 completed=40", stats)
	}
	if stats.AvgRunSeconds != 12.5 {
		t.Errorf("AvgRunSeconds = %v, want 12.5", stats.AvgRunSeconds)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

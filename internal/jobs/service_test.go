package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/jobs"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/queryspec"
	"github.com/jonesrussell/worklens/internal/tenant"
)

type fakePreparer struct {
	validated *queryspec.ValidatedSpec
	err       error
	gotSpec   domain.QuerySpec
}

func (f *fakePreparer) PrepareJob(spec domain.QuerySpec) (*queryspec.ValidatedSpec, error) {
	f.gotSpec = spec
	if f.err != nil {
		return nil, f.err
	}
	return f.validated, nil
}

func canonicalValidated() *queryspec.ValidatedSpec {
	return &queryspec.ValidatedSpec{
		Spec: domain.QuerySpec{
			Entity:   domain.EntitySprints,
			Measures: []domain.Measure{{Name: "velocity", Agg: domain.AggAvg}},
			Limit:    50,
		},
		Mode:           domain.ModeJob,
		CatalogVersion: 3,
		Hash:           "hash-1",
	}
}

func tenantCtx() context.Context {
	return tenant.WithTenant(context.Background(), "acme")
}

func newServiceMock(t *testing.T, preparer jobs.SpecPreparer) (*jobs.Service, sqlmock.Sqlmock, func()) {
	t.Helper()

	repo, mock, done := newRepoMock(t)
	return jobs.NewService(repo, preparer, logger.NewNop()), mock, done
}

func TestService_Submit_StoresCanonicalForm(t *testing.T) {
	preparer := &fakePreparer{validated: canonicalValidated()}
	svc, mock, done := newServiceMock(t, preparer)
	defer done()

	// The caller omitted the aggregation; the stored payload must be the
	// canonical form so the worker executes exactly what the hash names.
	mock.ExpectQuery("INSERT INTO analytics_jobs").
		WithArgs(sqlmock.AnyArg(), "acme", "hash-1", sampleSpec).
		WillReturnRows(jobRow("job-1", "acme", "queued"))

	raw := domain.QuerySpec{
		Entity:   domain.EntitySprints,
		Measures: []domain.Measure{{Name: "velocity"}},
		Limit:    50,
	}
	job, created, err := svc.Submit(tenantCtx(), raw)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !created || job.ID != "job-1" {
		t.Errorf("got created=%v id=%s, want a fresh job-1", created, job.ID)
	}
	if len(preparer.gotSpec.Measures) != 1 || preparer.gotSpec.Measures[0].Agg != "" {
		t.Errorf("preparer saw %+v, want the raw specification", preparer.gotSpec.Measures)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestService_Submit_RequiresTenant(t *testing.T) {
	svc, mock, done := newServiceMock(t, &fakePreparer{validated: canonicalValidated()})
	defer done()

	_, _, err := svc.Submit(context.Background(), domain.QuerySpec{Entity: domain.EntitySprints})
	if !errors.Is(err, domain.ErrNoTenant) {
		t.Errorf("err = %v, want domain.ErrNoTenant", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database work for an unauthenticated submit: %v", err)
	}
}

func TestService_Submit_PropagatesValidationFailure(t *testing.T) {
	bad := domain.NewValidationError("measures[0].name", "unknown metric \"burnup\"")
	svc, mock, done := newServiceMock(t, &fakePreparer{err: bad})
	defer done()

	_, _, err := svc.Submit(tenantCtx(), domain.QuerySpec{Entity: domain.EntitySprints})
	if domain.CodeOf(err) != domain.CodeValidation {
		t.Errorf("CodeOf() = %q, want validation_error", domain.CodeOf(err))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database work for an invalid specification: %v", err)
	}
}

func TestService_Result_PendingJobIsConflict(t *testing.T) {
	svc, mock, done := newServiceMock(t, &fakePreparer{})
	defer done()

	mock.ExpectQuery("FROM analytics_jobs").
		WithArgs("job-1", "acme").
		WillReturnRows(jobRow("job-1", "acme", "running"))

	_, err := svc.Result(tenantCtx(), "job-1")
	if domain.CodeOf(err) != domain.CodeConflict {
		t.Errorf("CodeOf() = %q, want conflict while the job is running", domain.CodeOf(err))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestService_Result_DecodesStoredResult(t *testing.T) {
	svc, mock, done := newServiceMock(t, &fakePreparer{})
	defer done()

	stored := `{"rows":[{"velocity_avg":21.5}],"row_count":1,"query_time_ms":12}`
	rows := sqlmock.NewRows(jobColumns()).
		AddRow("job-1", "acme", "hash-1", []byte(sampleSpec), "completed", 1.0, []byte(stored),
			nil, nil, false, nil, nil, time.Now().UTC(), nil, nil)
	mock.ExpectQuery("FROM analytics_jobs").
		WithArgs("job-1", "acme").
		WillReturnRows(rows)

	res, err := svc.Result(tenantCtx(), "job-1")
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if res.RowCount != 1 || res.Rows[0]["velocity_avg"] != 21.5 {
		t.Errorf("res = %+v, want the stored single-row result", res)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestService_Cancel_RequiresTenant(t *testing.T) {
	svc, mock, done := newServiceMock(t, &fakePreparer{})
	defer done()

	_, err := svc.Cancel(context.Background(), "job-1")
	if !errors.Is(err, domain.ErrNoTenant) {
		t.Errorf("err = %v, want domain.ErrNoTenant", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database work for an unauthenticated cancel: %v", err)
	}
}

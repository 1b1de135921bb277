package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/queryspec"
	"github.com/jonesrussell/worklens/internal/tenant"
)

// SpecPreparer validates a specification for asynchronous execution and
// returns its canonical form. *engine.Engine satisfies it.
type SpecPreparer interface {
	PrepareJob(spec domain.QuerySpec) (*queryspec.ValidatedSpec, error)
}

// Service is the tenant-facing side of job orchestration: submit, read,
// fetch results, cancel. The worker side lives in Worker.
type Service struct {
	repo     *Repository
	preparer SpecPreparer
	log      logger.Logger
}

func NewService(repo *Repository, preparer SpecPreparer, log logger.Logger) *Service {
	return &Service{repo: repo, preparer: preparer, log: log}
}

// Submit validates and enqueues spec for the context's tenant. The stored
// specification is the canonical form, so the worker executes exactly what
// the hash identifies. created=false means an equivalent job was already
// queued or running and that job is returned instead.
func (s *Service) Submit(ctx context.Context, spec domain.QuerySpec) (*domain.Job, bool, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, false, domain.ErrNoTenant
	}
	validated, err := s.preparer.PrepareJob(spec)
	if err != nil {
		return nil, false, err
	}
	payload, err := json.Marshal(validated.Spec)
	if err != nil {
		return nil, false, domain.NewExecutionError("encoding specification", err)
	}

	job, created, err := s.repo.Submit(ctx, tenantID, validated.Hash, payload)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info("job submitted",
			logger.String("job_id", job.ID),
			logger.String("tenant_id", tenantID),
			logger.String("spec_hash", job.SpecHash))
	} else {
		s.log.Info("job submission deduplicated",
			logger.String("job_id", job.ID),
			logger.String("tenant_id", tenantID),
			logger.String("spec_hash", job.SpecHash))
	}
	return job, created, nil
}

// Get returns the tenant's job by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, domain.ErrNoTenant
	}
	return s.repo.Get(ctx, tenantID, id)
}

// Result returns the job's stored result, and a conflict while the job has
// not completed: callers learn the current status and when to come back.
func (s *Service) Result(ctx context.Context, id string) (*domain.Result, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, domain.NewConflictError(
			fmt.Sprintf("job is %s; results are available once it completes", job.Status), "status")
	}
	res, err := job.DecodeResult()
	if err != nil {
		return nil, domain.NewExecutionError("decoding stored result", err)
	}
	return res, nil
}

// Cancel requests cancellation of the tenant's job. Terminal jobs return
// unchanged, making repeated cancels harmless.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Job, error) {
	tenantID, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, domain.ErrNoTenant
	}
	job, err := s.repo.RequestCancel(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("job cancellation requested",
		logger.String("job_id", job.ID),
		logger.String("tenant_id", tenantID),
		logger.String("status", string(job.Status)))
	return job, nil
}

// Stats reports queue depth by status across tenants.
func (s *Service) Stats(ctx context.Context) (*domain.JobStats, error) {
	return s.repo.Stats(ctx)
}

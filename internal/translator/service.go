package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/metrics"
	"github.com/jonesrussell/worklens/internal/queryspec"
)

// ErrTranslationFailed marks a prompt the service could not turn into a
// valid specification within the attempt budget. The last validation
// failure travels in the error chain so callers can surface its detail.
var ErrTranslationFailed = errors.New("prompt could not be translated to a valid specification")

// SnapshotSource provides the active catalog snapshot. *catalog.Catalog
// satisfies it.
type SnapshotSource interface {
	Snapshot() *catalog.Snapshot
}

// Service drives the translate-validate loop: each attempt that fails
// validation re-prompts the client with the first failure's field and
// message as feedback.
type Service struct {
	client      Client
	catalog     SnapshotSource
	maxAttempts int
	metrics     *metrics.Metrics
	log         logger.Logger
}

func NewService(client Client, cat SnapshotSource, maxAttempts int, m *metrics.Metrics, log logger.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Service{
		client:      client,
		catalog:     cat,
		maxAttempts: maxAttempts,
		metrics:     m,
		log:         log,
	}
}

// Translate turns prompt into a validated interactive specification. The
// specification is returned without being executed; callers submit it like
// any hand-written one.
func (s *Service) Translate(ctx context.Context, prompt string) (*queryspec.ValidatedSpec, error) {
	snap := s.catalog.Snapshot()
	req := Request{
		Prompt:   prompt,
		Entities: entitySchemas(),
		Metrics:  metricSchemas(snap),
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		raw, err := s.client.Translate(ctx, req)
		if err != nil {
			// Transport failure: re-prompting cannot help.
			s.metrics.RecordTranslation(metrics.OutcomeFailed)
			return nil, fmt.Errorf("%w: %w", ErrTranslationFailed, err)
		}

		validated, err := s.validate(raw, snap)
		if err != nil {
			lastErr = err
			req.Feedback = feedbackFor(err)
			s.metrics.RecordTranslation(metrics.OutcomeInvalid)
			s.log.Warn("translated specification failed validation",
				logger.Int("attempt", attempt),
				logger.Error(err))
			continue
		}

		s.metrics.RecordTranslation(metrics.OutcomeOK)
		s.log.Info("prompt translated",
			logger.Int("attempt", attempt),
			logger.String("spec_hash", validated.Hash))
		return validated, nil
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrTranslationFailed, s.maxAttempts, lastErr)
}

func (s *Service) validate(raw json.RawMessage, snap *catalog.Snapshot) (*queryspec.ValidatedSpec, error) {
	var spec domain.QuerySpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, domain.NewValidationError("spec",
			"translation output is not a specification object")
	}
	return queryspec.Validate(spec, snap, domain.ModeInteractive)
}

// feedbackFor renders the first validation failure as a correction hint
// for the next attempt.
func feedbackFor(err error) string {
	e := domain.AsEngineError(err)
	if e.Field != "" {
		return fmt.Sprintf("field %s: %s", e.Field, e.Message)
	}
	return e.Message
}

func entitySchemas() []EntitySchema {
	names := domain.Entities()
	out := make([]EntitySchema, 0, len(names))
	for _, name := range names {
		e := domain.Entity(name)
		out = append(out, EntitySchema{
			Name:      name,
			Fields:    e.Fields(),
			DateField: e.DateField(),
		})
	}
	return out
}

func metricSchemas(snap *catalog.Snapshot) []MetricSchema {
	defs := snap.Metrics()
	out := make([]MetricSchema, 0, len(defs))
	for _, def := range defs {
		out = append(out, MetricSchema{
			Name:        def.Name,
			DisplayName: def.DisplayName,
			Category:    string(def.Category),
			Entity:      string(def.Entity),
			Aggregation: string(def.Aggregation),
			Deprecated:  def.Deprecated,
		})
	}
	return out
}

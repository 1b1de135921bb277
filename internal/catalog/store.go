package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jonesrussell/worklens/internal/domain"
)

// metricSelectList is the column list for catalog_metrics reads (single
// source for schema changes).
const metricSelectList = `name, display_name, category, entity, storage_expression,
			dependencies, aggregation, weight, deprecated, deprecated_in, replaced_by`

// Store persists catalog versions in PostgreSQL. Every publish writes a
// complete new version; existing versions are never touched, which is what
// makes snapshots immutable.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a catalog store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// LoadLatest reads the most recently published catalog version. An empty
// catalog loads as snapshot version 0 with no metrics.
func (s *Store) LoadLatest(ctx context.Context) (*Snapshot, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM catalog_versions`).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("load latest catalog version: %w", err)
	}
	if !version.Valid {
		return NewSnapshot(0, nil), nil
	}

	metrics, err := s.loadVersion(ctx, version.Int64)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(version.Int64, metrics), nil
}

// LoadVersion reads one specific catalog version.
func (s *Store) LoadVersion(ctx context.Context, version int64) (*Snapshot, error) {
	metrics, err := s.loadVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if len(metrics) == 0 {
		return nil, domain.ErrNotFound
	}
	return NewSnapshot(version, metrics), nil
}

func (s *Store) loadVersion(ctx context.Context, version int64) ([]domain.MetricDefinition, error) {
	query := `SELECT ` + metricSelectList + `
		FROM catalog_metrics
		WHERE version = $1
		ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("load catalog version %d: %w", version, err)
	}
	defer rows.Close()

	return scanMetrics(rows)
}

// Publish commits the next catalog version atomically. Metrics present in
// the current version but missing from the payload are carried forward
// marked deprecated, because metrics are never physically deleted. The new
// version is validated before anything is written; on any invariant
// violation the whole transaction rolls back.
func (s *Store) Publish(ctx context.Context, metrics []domain.MetricDefinition, publishedBy string) (*Snapshot, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var version int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO catalog_versions (version, published_at, published_by)
		SELECT COALESCE(MAX(version), 0) + 1, NOW(), $1 FROM catalog_versions
		RETURNING version`, publishedBy).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("insert catalog version: %w", err)
	}

	var current []domain.MetricDefinition
	if version > 1 {
		rows, loadErr := tx.QueryContext(ctx, `SELECT `+metricSelectList+`
			FROM catalog_metrics WHERE version = $1 ORDER BY name`, version-1)
		if loadErr != nil {
			return nil, fmt.Errorf("load previous catalog version: %w", loadErr)
		}
		current, loadErr = scanMetrics(rows)
		rows.Close()
		if loadErr != nil {
			return nil, loadErr
		}
	}

	merged := mergeForPublish(current, metrics, version)
	if err := ValidateCatalog(merged); err != nil {
		return nil, err
	}

	const insert = `
		INSERT INTO catalog_metrics (version, name, display_name, category, entity,
			storage_expression, dependencies, aggregation, weight,
			deprecated, deprecated_in, replaced_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	for i := range merged {
		m := &merged[i]
		_, err = tx.ExecContext(ctx, insert,
			version, m.Name, m.DisplayName, m.Category, m.Entity,
			m.Expression, pq.StringArray(m.Dependencies), m.Aggregation, m.Weight,
			m.Deprecated, m.DeprecatedIn, m.ReplacedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("insert metric %s: %w", m.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}

	return NewSnapshot(version, merged), nil
}

// mergeForPublish produces the complete metric set for the next version:
// the payload plus carried-forward deprecations. A metric already deprecated
// keeps its original deprecation version so the grace window is not reset.
func mergeForPublish(current, next []domain.MetricDefinition, version int64) []domain.MetricDefinition {
	currentByName := make(map[string]*domain.MetricDefinition, len(current))
	for i := range current {
		currentByName[current[i].Name] = &current[i]
	}

	merged := make([]domain.MetricDefinition, 0, len(next))
	nextNames := make(map[string]struct{}, len(next))
	for _, m := range next {
		nextNames[m.Name] = struct{}{}
		if m.Deprecated {
			if prev, ok := currentByName[m.Name]; ok && prev.Deprecated && prev.DeprecatedIn != nil {
				m.DeprecatedIn = prev.DeprecatedIn
			} else if m.DeprecatedIn == nil {
				v := version
				m.DeprecatedIn = &v
			}
		} else {
			m.DeprecatedIn = nil
			m.ReplacedBy = nil
		}
		merged = append(merged, m)
	}

	for _, m := range current {
		if _, ok := nextNames[m.Name]; ok {
			continue
		}
		carried := m
		carried.Deprecated = true
		if carried.DeprecatedIn == nil {
			v := version
			carried.DeprecatedIn = &v
		}
		merged = append(merged, carried)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Name < merged[j].Name })
	return merged
}

func scanMetrics(rows *sql.Rows) ([]domain.MetricDefinition, error) {
	var metrics []domain.MetricDefinition
	for rows.Next() {
		var m domain.MetricDefinition
		var deps pq.StringArray
		var weight sql.NullFloat64
		var deprecatedIn sql.NullInt64
		var replacedBy sql.NullString

		err := rows.Scan(
			&m.Name, &m.DisplayName, &m.Category, &m.Entity, &m.Expression,
			&deps, &m.Aggregation, &weight, &m.Deprecated, &deprecatedIn, &replacedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}

		m.Dependencies = deps
		if weight.Valid {
			w := weight.Float64
			m.Weight = &w
		}
		if deprecatedIn.Valid {
			v := deprecatedIn.Int64
			m.DeprecatedIn = &v
		}
		if replacedBy.Valid {
			r := replacedBy.String
			m.ReplacedBy = &r
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation, used by callers that race on version publication.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidMetric is returned when creating a metric definition with
// invalid fields.
var ErrInvalidMetric = errors.New("invalid metric definition")

// DeprecationGraceGenerations is how many catalog-version generations a
// deprecated metric remains queryable before compilation rejects it.
const DeprecationGraceGenerations = 2

// MetricCategory tags a metric for catalog browsing.
type MetricCategory string

const (
	CategoryFlow           MetricCategory = "flow"
	CategoryDelivery       MetricCategory = "delivery"
	CategoryQuality        MetricCategory = "quality"
	CategoryPredictability MetricCategory = "predictability"
	CategoryWorkload       MetricCategory = "workload"
)

// MetricDefinition is a named, versioned unit of computation. Metrics are
// data: the compiler dispatches over these records rather than per-metric
// branches, so the catalog stays open for extension while the compiler
// stays closed.
//
// A metric with a non-empty Dependencies set is composite: it compiles to
// the weight-scaled sum of its constituents' expressions, and the Weight
// declared on each constituent must sum to 1.0 across the composite.
type MetricDefinition struct {
	Name         string         `db:"name"               json:"name"`
	DisplayName  string         `db:"display_name"       json:"display_name"`
	Category     MetricCategory `db:"category"           json:"category"`
	Entity       Entity         `db:"entity"             json:"entity"`
	Expression   string         `db:"storage_expression" json:"storage_expression"`
	Dependencies []string       `db:"dependencies"       json:"dependencies,omitempty"`
	Aggregation  Aggregation    `db:"aggregation"        json:"aggregation"`
	Weight       *float64       `db:"weight"             json:"weight,omitempty"`
	Deprecated   bool           `db:"deprecated"         json:"deprecated"`
	DeprecatedIn *int64         `db:"deprecated_in"      json:"deprecated_in,omitempty"`
	ReplacedBy   *string        `db:"replaced_by"        json:"replaced_by,omitempty"`
}

// IsComposite reports whether the metric is computed from other metrics.
func (m *MetricDefinition) IsComposite() bool {
	return len(m.Dependencies) > 0
}

// Replacement returns the recommended alternative for a deprecated metric,
// or "" when none was declared.
func (m *MetricDefinition) Replacement() string {
	if m.ReplacedBy == nil {
		return ""
	}
	return *m.ReplacedBy
}

// NewMetricDefinition creates a metric definition with validation. Composite
// metrics may omit the expression; plain metrics must carry one.
func NewMetricDefinition(name, displayName string, category MetricCategory, entity Entity, expression string, agg Aggregation) (*MetricDefinition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidMetric)
	}
	if !entity.Valid() {
		return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidMetric, entity)
	}
	if !ValidAggregation(agg) {
		return nil, fmt.Errorf("%w: unknown aggregation %q", ErrInvalidMetric, agg)
	}
	if displayName == "" {
		displayName = name
	}
	return &MetricDefinition{
		Name:        name,
		DisplayName: displayName,
		Category:    category,
		Entity:      entity,
		Expression:  expression,
		Aggregation: agg,
	}, nil
}

// MetricSummary is the list-endpoint projection of a metric definition.
type MetricSummary struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name"`
	Category    MetricCategory `json:"category"`
	Version     int64          `json:"version"`
}

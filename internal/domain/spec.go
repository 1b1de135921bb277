// Package domain contains the core domain models for the worklens engine:
// query specifications, metric definitions, jobs, results, and the error
// taxonomy shared by every layer.
package domain

import (
	"reflect"
	"time"
)

// Structural bounds enforced before any catalog lookup or compilation.
const (
	MinMeasures   = 1
	MaxMeasures   = 10
	MaxDimensions = 5
	MaxFilters    = 20
	MaxSortFields = 3

	MaxInteractiveLimit = 1000
	MaxJobLimit         = 100000
)

// QueryMode selects the execution path and its limit ceiling.
type QueryMode string

const (
	ModeInteractive QueryMode = "interactive"
	ModeJob         QueryMode = "job"
)

// MaxLimit returns the hard ceiling for the mode. Caller limits above it
// are clamped, never rejected.
func (m QueryMode) MaxLimit() int {
	if m == ModeJob {
		return MaxJobLimit
	}
	return MaxInteractiveLimit
}

// Aggregation names the supported aggregate functions.
type Aggregation string

const (
	AggSum        Aggregation = "sum"
	AggAvg        Aggregation = "avg"
	AggCount      Aggregation = "count"
	AggMin        Aggregation = "min"
	AggMax        Aggregation = "max"
	AggPercentile Aggregation = "percentile"
)

// Aggregations lists every valid aggregation, for error detail.
func Aggregations() []string {
	return []string{
		string(AggSum), string(AggAvg), string(AggCount),
		string(AggMin), string(AggMax), string(AggPercentile),
	}
}

// ValidAggregation reports whether a is a supported aggregate function.
func ValidAggregation(a Aggregation) bool {
	switch a {
	case AggSum, AggAvg, AggCount, AggMin, AggMax, AggPercentile:
		return true
	}
	return false
}

// Operator is a filter comparison from the fixed whitelist. Free-form
// operators are never accepted.
type Operator string

const (
	OpEq      Operator = "="
	OpNeq     Operator = "!="
	OpIn      Operator = "in"
	OpGte     Operator = ">="
	OpLte     Operator = "<="
	OpBetween Operator = "between"
)

// Operators lists the filter operator whitelist, for error detail.
func Operators() []string {
	return []string{
		string(OpEq), string(OpNeq), string(OpIn),
		string(OpGte), string(OpLte), string(OpBetween),
	}
}

// ValidOperator reports whether op belongs to the whitelist.
func ValidOperator(op Operator) bool {
	switch op {
	case OpEq, OpNeq, OpIn, OpGte, OpLte, OpBetween:
		return true
	}
	return false
}

// SortDirection orders a sort field.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Measure references a catalog metric by name, optionally overriding its
// default aggregation for this use only.
type Measure struct {
	Name string      `json:"name"`
	Agg  Aggregation `json:"agg,omitempty"`
}

// Alias is the output column the measure compiles to. Canonical
// specifications always carry an explicit aggregation, so aliases stay
// stable across callers that relied on the metric default.
func (m Measure) Alias() string {
	if m.Agg == "" {
		return m.Name
	}
	return m.Name + "_" + string(m.Agg)
}

// Filter is one predicate over an entity field. Values are only ever bound
// as query parameters, never interpolated into query text.
type Filter struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ListValue returns the filter value as a list. JSON decoding produces
// []any, but specifications built in Go may carry typed slices; both are
// accepted.
func (f Filter) ListValue() ([]any, bool) {
	switch v := f.Value.(type) {
	case nil:
		return nil, false
	case []any:
		return v, true
	}
	rv := reflect.ValueOf(f.Value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// SortField orders the result set.
type SortField struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// DateRange restricts results to the entity's date field.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// QuerySpec is the unit of client intent: a constrained, structured request
// for analytical results, validated against the active catalog version
// before compilation.
type QuerySpec struct {
	Entity     Entity      `json:"entity"`
	Measures   []Measure   `json:"measures"`
	Dimensions []string    `json:"dimensions,omitempty"`
	Filters    []Filter    `json:"filters,omitempty"`
	Sort       []SortField `json:"sort,omitempty"`
	Limit      int         `json:"limit"`
	DateRange  *DateRange  `json:"date_range,omitempty"`
}

// Result is the shape returned by both the interactive path and completed
// jobs. Truncated is set when the executor's hard row cap cut the result
// short; a capped result is never silently mislabeled as complete.
type Result struct {
	Rows        []map[string]any `json:"rows"`
	RowCount    int              `json:"row_count"`
	QueryTimeMS int64            `json:"query_time_ms"`
	Cached      bool             `json:"cached"`
	Clamped     bool             `json:"clamped,omitempty"`
	Truncated   bool             `json:"truncated,omitempty"`
}

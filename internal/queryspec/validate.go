// Package queryspec validates query specifications against a catalog
// snapshot and reduces them to a canonical form with a stable content
// hash. Rules run cheapest-first and only the first violation is
// reported, with enough detail to correct the specification without
// consulting server logs.
package queryspec

import (
	"fmt"

	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/domain"
)

// DefaultLimit applies when a specification omits its limit.
const DefaultLimit = 100

// maxInValues bounds "in" filter lists so compiled placeholder lists stay
// small.
const maxInValues = 100

// ValidatedSpec is the validator's output: the canonical specification,
// the catalog generation it was checked against, and the content hash
// that keys result caching and job deduplication.
type ValidatedSpec struct {
	Spec           domain.QuerySpec
	Mode           domain.QueryMode
	CatalogVersion int64
	Hash           string
	Clamped        bool
}

// Validate checks spec in fixed rule order: structural bounds, measure
// resolution, field membership, then the operator whitelist. Limits above
// the mode ceiling clamp instead of failing, and the clamp is reported.
func Validate(spec domain.QuerySpec, snap *catalog.Snapshot, mode domain.QueryMode) (*ValidatedSpec, error) {
	if err := checkBounds(&spec); err != nil {
		return nil, err
	}
	clamped := clampLimit(&spec, mode)
	if err := checkMeasures(&spec, snap); err != nil {
		return nil, err
	}
	if err := checkFields(&spec); err != nil {
		return nil, err
	}
	if err := checkOperators(&spec); err != nil {
		return nil, err
	}

	canonical := Canonicalize(spec)
	hash, err := Hash(canonical, snap.Version())
	if err != nil {
		return nil, domain.NewExecutionError("hashing specification", err)
	}
	return &ValidatedSpec{
		Spec:           canonical,
		Mode:           mode,
		CatalogVersion: snap.Version(),
		Hash:           hash,
		Clamped:        clamped,
	}, nil
}

func checkBounds(spec *domain.QuerySpec) error {
	if !spec.Entity.Valid() {
		return domain.NewValidationError("entity",
			fmt.Sprintf("unknown entity %q", spec.Entity), domain.Entities()...)
	}
	if n := len(spec.Measures); n < domain.MinMeasures || n > domain.MaxMeasures {
		return domain.NewValidationError("measures",
			fmt.Sprintf("between %d and %d measures required, got %d",
				domain.MinMeasures, domain.MaxMeasures, n))
	}
	if n := len(spec.Dimensions); n > domain.MaxDimensions {
		return domain.NewValidationError("dimensions",
			fmt.Sprintf("at most %d dimensions allowed, got %d", domain.MaxDimensions, n))
	}
	if n := len(spec.Filters); n > domain.MaxFilters {
		return domain.NewValidationError("filters",
			fmt.Sprintf("at most %d filters allowed, got %d", domain.MaxFilters, n))
	}
	if n := len(spec.Sort); n > domain.MaxSortFields {
		return domain.NewValidationError("sort",
			fmt.Sprintf("at most %d sort fields allowed, got %d", domain.MaxSortFields, n))
	}
	if spec.Limit < 0 {
		return domain.NewValidationError("limit", "limit must not be negative")
	}
	if r := spec.DateRange; r != nil {
		if r.From.IsZero() || r.To.IsZero() {
			return domain.NewValidationError("date_range", "both from and to are required")
		}
		if r.To.Before(r.From) {
			return domain.NewValidationError("date_range", "from must not be after to")
		}
	}
	return nil
}

// clampLimit applies the mode ceiling. Oversized limits are reduced rather
// than rejected; a zero limit takes the default.
func clampLimit(spec *domain.QuerySpec, mode domain.QueryMode) bool {
	if spec.Limit == 0 {
		spec.Limit = DefaultLimit
		return false
	}
	if ceiling := mode.MaxLimit(); spec.Limit > ceiling {
		spec.Limit = ceiling
		return true
	}
	return false
}

// checkMeasures resolves every measure in the snapshot and fills in the
// metric's default aggregation where the caller left it implicit, so the
// canonical form is fully explicit.
func checkMeasures(spec *domain.QuerySpec, snap *catalog.Snapshot) error {
	for i := range spec.Measures {
		m := &spec.Measures[i]
		field := fmt.Sprintf("measures[%d].name", i)
		if m.Name == "" {
			return domain.NewValidationError(field, "measure name is required")
		}
		def, err := snap.Resolve(m.Name)
		if err != nil {
			return domain.NewValidationError(field,
				fmt.Sprintf("unknown metric %q", m.Name),
				entityMetricNames(snap, spec.Entity)...)
		}
		if err := snap.Queryable(def); err != nil {
			return err
		}
		if def.Entity != spec.Entity {
			return domain.NewValidationError(field,
				fmt.Sprintf("metric %q measures entity %q, not %q", m.Name, def.Entity, spec.Entity))
		}
		if m.Agg == "" {
			m.Agg = def.Aggregation
			continue
		}
		if !domain.ValidAggregation(m.Agg) {
			return domain.NewValidationError(fmt.Sprintf("measures[%d].agg", i),
				fmt.Sprintf("unknown aggregation %q", m.Agg), domain.Aggregations()...)
		}
	}
	return nil
}

// entityMetricNames lists the still-queryable metrics for an entity, so an
// unknown-metric error names what the caller could have asked for.
func entityMetricNames(snap *catalog.Snapshot, entity domain.Entity) []string {
	var names []string
	for _, m := range snap.Metrics() {
		if m.Entity != entity {
			continue
		}
		if snap.Queryable(&m) != nil {
			continue
		}
		names = append(names, m.Name)
	}
	return names
}

func checkFields(spec *domain.QuerySpec) error {
	for i, d := range spec.Dimensions {
		if !spec.Entity.HasField(d) {
			return domain.NewValidationError(fmt.Sprintf("dimensions[%d]", i),
				fmt.Sprintf("field %q is not queryable on entity %q", d, spec.Entity),
				spec.Entity.Fields()...)
		}
	}
	for i, f := range spec.Filters {
		if !spec.Entity.HasField(f.Field) {
			return domain.NewValidationError(fmt.Sprintf("filters[%d].field", i),
				fmt.Sprintf("field %q is not queryable on entity %q", f.Field, spec.Entity),
				spec.Entity.Fields()...)
		}
	}
	for i, s := range spec.Sort {
		if !sortable(spec, s.Field) {
			return domain.NewValidationError(fmt.Sprintf("sort[%d].field", i),
				fmt.Sprintf("field %q is neither an entity field nor a measure of this specification", s.Field))
		}
		if s.Direction != "" && s.Direction != domain.SortAsc && s.Direction != domain.SortDesc {
			return domain.NewValidationError(fmt.Sprintf("sort[%d].direction", i),
				fmt.Sprintf("unknown sort direction %q", s.Direction),
				string(domain.SortAsc), string(domain.SortDesc))
		}
	}
	return nil
}

// sortable accepts entity columns, measure names, and measure output
// aliases as sort targets.
func sortable(spec *domain.QuerySpec, field string) bool {
	if spec.Entity.HasField(field) {
		return true
	}
	for _, m := range spec.Measures {
		if field == m.Name || field == m.Alias() {
			return true
		}
	}
	return false
}

func checkOperators(spec *domain.QuerySpec) error {
	for i, f := range spec.Filters {
		if !domain.ValidOperator(f.Operator) {
			return domain.NewValidationError(fmt.Sprintf("filters[%d].operator", i),
				fmt.Sprintf("unknown operator %q", f.Operator), domain.Operators()...)
		}
		if err := checkFilterValue(i, f); err != nil {
			return err
		}
	}
	return nil
}

// checkFilterValue enforces operator arity: "in" takes a bounded non-empty
// list, "between" takes exactly two values, everything else a scalar.
func checkFilterValue(i int, f domain.Filter) error {
	field := fmt.Sprintf("filters[%d].value", i)
	switch f.Operator {
	case domain.OpIn:
		vals, ok := f.ListValue()
		if !ok || len(vals) == 0 {
			return domain.NewValidationError(field, `operator "in" requires a non-empty list value`)
		}
		if len(vals) > maxInValues {
			return domain.NewValidationError(field,
				fmt.Sprintf(`operator "in" accepts at most %d values, got %d`, maxInValues, len(vals)))
		}
	case domain.OpBetween:
		vals, ok := f.ListValue()
		if !ok || len(vals) != 2 {
			return domain.NewValidationError(field, `operator "between" requires exactly two values`)
		}
	default:
		if f.Value == nil {
			return domain.NewValidationError(field, "filter value is required")
		}
		if _, isList := f.ListValue(); isList {
			return domain.NewValidationError(field,
				fmt.Sprintf("operator %q requires a scalar value", f.Operator))
		}
		if _, isObject := f.Value.(map[string]any); isObject {
			return domain.NewValidationError(field,
				fmt.Sprintf("operator %q requires a scalar value", f.Operator))
		}
	}
	return nil
}

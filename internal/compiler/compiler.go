// Package compiler lowers validated query specifications to parameterized
// SQL. Compilation is deterministic: the same canonical specification and
// catalog generation always produce byte-identical query text and the same
// parameter order, which is what lets the specification hash double as a
// cache and idempotency key. The compiler never touches the database.
package compiler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jonesrussell/worklens/internal/catalog"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/queryspec"
)

// TenantPredicate is the scoping clause every compiled query carries,
// verbatim. Placeholder $1 is reserved for the tenant identifier and is
// bound by the tenant gate, never by the compiler; compiled parameters
// start at $2.
const TenantPredicate = "tenant_id = $1"

// percentilePoint is the fixed quantile for percentile aggregations.
const percentilePoint = 0.9

// CompiledQuery is query text plus the parameter values for $2 onwards.
// It is inert until the tenant gate binds $1 and produces a scoped query.
type CompiledQuery struct {
	SQL            string
	Params         []any
	Hash           string
	Entity         domain.Entity
	Limit          int
	CatalogVersion int64
}

// argList accumulates bound parameter values. Placeholders are offset by
// one because $1 belongs to the tenant gate.
type argList struct {
	vals []any
}

func (a *argList) add(v any) string {
	a.vals = append(a.vals, v)
	return "$" + strconv.Itoa(len(a.vals)+1)
}

// Compile renders a validated specification against the snapshot it was
// validated with. Clause order is fixed: projection (dimensions before
// measures), tenant predicate, date range, filters in canonical order,
// grouping, sort, limit. Values travel only as bound parameters.
func Compile(v *queryspec.ValidatedSpec, snap *catalog.Snapshot) (*CompiledQuery, error) {
	if snap.Version() != v.CatalogVersion {
		return nil, domain.NewConflictError(
			"catalog generation changed since validation; revalidate the specification",
			"catalog_version")
	}
	spec := v.Spec
	args := &argList{vals: make([]any, 0, len(spec.Filters)+3)}

	cols := make([]string, 0, len(spec.Dimensions)+len(spec.Measures))
	cols = append(cols, spec.Dimensions...)
	for _, m := range spec.Measures {
		expr, err := snap.ExpandExpression(m.Name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, aggregate(m.Agg, expr, m.Alias()))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(spec.Entity.Table())
	b.WriteString(" WHERE ")
	b.WriteString(TenantPredicate)

	if spec.DateRange != nil {
		field := spec.Entity.DateField()
		b.WriteString(fmt.Sprintf(" AND %s >= %s AND %s < %s",
			field, args.add(spec.DateRange.From),
			field, args.add(spec.DateRange.To)))
	}
	for _, f := range spec.Filters {
		clause, err := predicate(f, args)
		if err != nil {
			return nil, err
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
	}

	if len(spec.Dimensions) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(spec.Dimensions, ", "))
	}
	if len(spec.Sort) > 0 {
		orders := make([]string, len(spec.Sort))
		for i, s := range spec.Sort {
			orders[i] = sortExpr(&spec, s)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orders, ", "))
	}
	b.WriteString(" LIMIT ")
	b.WriteString(args.add(spec.Limit))

	return &CompiledQuery{
		SQL:            b.String(),
		Params:         args.vals,
		Hash:           v.Hash,
		Entity:         spec.Entity,
		Limit:          spec.Limit,
		CatalogVersion: v.CatalogVersion,
	}, nil
}

// aggregate renders one measure column. Expanded expressions arrive already
// parenthesized.
func aggregate(agg domain.Aggregation, expr, alias string) string {
	if agg == domain.AggPercentile {
		return fmt.Sprintf("percentile_cont(%s) WITHIN GROUP (ORDER BY %s) AS %s",
			strconv.FormatFloat(percentilePoint, 'g', -1, 64), expr, alias)
	}
	return fmt.Sprintf("%s(%s) AS %s", agg, expr, alias)
}

// predicate renders one filter clause, registering its values as bound
// parameters. Operators were whitelisted during validation and map
// directly onto SQL.
func predicate(f domain.Filter, args *argList) (string, error) {
	switch f.Operator {
	case domain.OpIn:
		vals, ok := f.ListValue()
		if !ok {
			return "", domain.NewExecutionError(
				fmt.Sprintf("filter on %q lost its list value after validation", f.Field), nil)
		}
		placeholders := make([]string, len(vals))
		for i, v := range vals {
			placeholders[i] = args.add(v)
		}
		return fmt.Sprintf("%s IN (%s)", f.Field, strings.Join(placeholders, ", ")), nil
	case domain.OpBetween:
		vals, ok := f.ListValue()
		if !ok || len(vals) != 2 {
			return "", domain.NewExecutionError(
				fmt.Sprintf("filter on %q lost its bounds after validation", f.Field), nil)
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", f.Field, args.add(vals[0]), args.add(vals[1])), nil
	default:
		return fmt.Sprintf("%s %s %s", f.Field, f.Operator, args.add(f.Value)), nil
	}
}

// sortExpr maps a sort target onto query text. Measures sort by their
// output alias whether the caller named the metric or the alias itself;
// anything else is a grouped column and passes through bare.
func sortExpr(spec *domain.QuerySpec, s domain.SortField) string {
	target := s.Field
	for _, m := range spec.Measures {
		if s.Field == m.Name || s.Field == m.Alias() {
			target = m.Alias()
			break
		}
	}
	if s.Direction == domain.SortDesc {
		return target + " DESC"
	}
	return target + " ASC"
}

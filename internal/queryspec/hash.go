package queryspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jonesrussell/worklens/internal/domain"
)

// Canonicalize reduces a specification to the form that equivalent
// specifications share: measures sort by (name, aggregation), dimensions
// sort lexically, filters sort by (field, operator, value), and date
// ranges normalize to UTC. Sort fields keep caller order because order is
// semantic there. Exact duplicates collapse.
func Canonicalize(spec domain.QuerySpec) domain.QuerySpec {
	out := spec
	out.Measures = canonicalMeasures(spec.Measures)
	out.Dimensions = canonicalDimensions(spec.Dimensions)
	out.Filters = canonicalFilters(spec.Filters)
	out.Sort = canonicalSort(spec.Sort)
	if spec.DateRange != nil {
		out.DateRange = &domain.DateRange{
			From: spec.DateRange.From.UTC(),
			To:   spec.DateRange.To.UTC(),
		}
	}
	return out
}

func canonicalMeasures(measures []domain.Measure) []domain.Measure {
	if len(measures) == 0 {
		return nil
	}
	out := slices.Clone(measures)
	slices.SortFunc(out, func(a, b domain.Measure) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(string(a.Agg), string(b.Agg))
	})
	return slices.Compact(out)
}

func canonicalDimensions(dims []string) []string {
	if len(dims) == 0 {
		return nil
	}
	out := slices.Clone(dims)
	slices.Sort(out)
	return slices.Compact(out)
}

func canonicalFilters(filters []domain.Filter) []domain.Filter {
	if len(filters) == 0 {
		return nil
	}
	type keyed struct {
		filter domain.Filter
		key    string
	}
	ks := make([]keyed, len(filters))
	for i, f := range filters {
		ks[i] = keyed{filter: f, key: f.Field + "\x00" + string(f.Operator) + "\x00" + valueKey(f.Value)}
	}
	slices.SortFunc(ks, func(a, b keyed) int { return strings.Compare(a.key, b.key) })

	out := make([]domain.Filter, 0, len(ks))
	for i, k := range ks {
		if i > 0 && k.key == ks[i-1].key {
			continue
		}
		out = append(out, k.filter)
	}
	return out
}

func canonicalSort(sort []domain.SortField) []domain.SortField {
	if len(sort) == 0 {
		return nil
	}
	out := slices.Clone(sort)
	for i := range out {
		if out[i].Direction == "" {
			out[i].Direction = domain.SortAsc
		}
	}
	return out
}

// valueKey renders a filter value deterministically for ordering. JSON
// marshaling sorts map keys, so structured values order stably too.
func valueKey(v any) string {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(payload)
}

// hashEnvelope pins the field order of the hashed payload. The catalog
// version is part of the digest: a new catalog generation may change what
// an expression computes without changing the specification, so each
// generation is its own cache universe.
type hashEnvelope struct {
	CatalogVersion int64              `json:"catalog_version"`
	Entity         domain.Entity      `json:"entity"`
	Measures       []domain.Measure   `json:"measures"`
	Dimensions     []string           `json:"dimensions,omitempty"`
	Filters        []domain.Filter    `json:"filters,omitempty"`
	Sort           []domain.SortField `json:"sort,omitempty"`
	Limit          int                `json:"limit"`
	DateRange      *domain.DateRange  `json:"date_range,omitempty"`
}

// Hash digests a canonical specification bound to a catalog version.
// Identical canonical specifications always produce identical digests.
func Hash(spec domain.QuerySpec, catalogVersion int64) (string, error) {
	payload, err := json.Marshal(hashEnvelope{
		CatalogVersion: catalogVersion,
		Entity:         spec.Entity,
		Measures:       spec.Measures,
		Dimensions:     spec.Dimensions,
		Filters:        spec.Filters,
		Sort:           spec.Sort,
		Limit:          spec.Limit,
		DateRange:      spec.DateRange,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling specification: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

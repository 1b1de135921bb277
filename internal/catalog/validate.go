package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/jonesrussell/worklens/internal/domain"
)

// WeightEpsilon is the tolerance for composite weight sums.
const WeightEpsilon = 1e-6

// Issues collects everything wrong with a candidate catalog. The whole
// update is rejected when any list is non-empty; nothing is ever partially
// applied.
type Issues struct {
	Cycles           []string
	WeightMismatches []string
	Problems         []string
}

// Empty reports whether the candidate catalog is valid.
func (i *Issues) Empty() bool {
	return len(i.Cycles) == 0 && len(i.WeightMismatches) == 0 && len(i.Problems) == 0
}

// Err converts the issues to a conflict error, or nil when the catalog is
// valid. The message carries every finding so an administrator can fix the
// update in one pass.
func (i *Issues) Err() error {
	if i.Empty() {
		return nil
	}
	var parts []string
	var field string
	if len(i.Cycles) > 0 {
		parts = append(parts, "cycles: "+strings.Join(i.Cycles, "; "))
		field = firstMetricOf(i.Cycles[0])
	}
	if len(i.WeightMismatches) > 0 {
		parts = append(parts, "weight mismatches: "+strings.Join(i.WeightMismatches, "; "))
		if field == "" {
			field = firstMetricOf(i.WeightMismatches[0])
		}
	}
	if len(i.Problems) > 0 {
		parts = append(parts, strings.Join(i.Problems, "; "))
		if field == "" {
			field = firstMetricOf(i.Problems[0])
		}
	}
	return domain.NewConflictError("catalog validation failed: "+strings.Join(parts, "; "), field)
}

func firstMetricOf(finding string) string {
	for i, r := range finding {
		if r == ':' || r == ' ' {
			return finding[:i]
		}
	}
	return finding
}

// ValidateCatalog checks a candidate catalog against its invariants:
// unique names, valid entities and aggregations, resolvable dependency
// chains, an acyclic dependency graph, and composite weights summing to
// 1.0 within WeightEpsilon. Returns a conflict error describing every
// violation, or nil.
func ValidateCatalog(metrics []domain.MetricDefinition) error {
	return Inspect(metrics).Err()
}

// Inspect runs full catalog validation and returns the findings.
func Inspect(metrics []domain.MetricDefinition) *Issues {
	issues := &Issues{}

	byName := make(map[string]*domain.MetricDefinition, len(metrics))
	names := make([]string, 0, len(metrics))
	for i := range metrics {
		m := &metrics[i]
		if m.Name == "" {
			issues.Problems = append(issues.Problems, "metric with empty name")
			continue
		}
		if _, dup := byName[m.Name]; dup {
			issues.Problems = append(issues.Problems, fmt.Sprintf("%s: duplicate metric name", m.Name))
			continue
		}
		byName[m.Name] = m
		names = append(names, m.Name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := byName[name]
		if !m.Entity.Valid() {
			issues.Problems = append(issues.Problems, fmt.Sprintf("%s: unknown entity %q", m.Name, m.Entity))
		}
		if !domain.ValidAggregation(m.Aggregation) {
			issues.Problems = append(issues.Problems, fmt.Sprintf("%s: unknown aggregation %q", m.Name, m.Aggregation))
		}
		if !m.IsComposite() && strings.TrimSpace(m.Expression) == "" {
			issues.Problems = append(issues.Problems, fmt.Sprintf("%s: storage expression is required for non-composite metrics", m.Name))
		}
		if m.ReplacedBy != nil {
			if _, ok := byName[*m.ReplacedBy]; !ok {
				issues.Problems = append(issues.Problems, fmt.Sprintf("%s: replacement %q does not exist", m.Name, *m.ReplacedBy))
			}
		}

		for _, dep := range m.Dependencies {
			constituent, ok := byName[dep]
			if !ok {
				issues.Problems = append(issues.Problems, fmt.Sprintf("%s: dependency %q does not resolve", m.Name, dep))
				continue
			}
			if constituent.Entity != m.Entity {
				issues.Problems = append(issues.Problems,
					fmt.Sprintf("%s: constituent %q belongs to entity %q, composite belongs to %q",
						m.Name, dep, constituent.Entity, m.Entity))
			}
		}

		if m.IsComposite() {
			checkWeights(m, byName, issues)
		}
	}

	issues.Cycles = findCycles(names, byName)
	return issues
}

// checkWeights verifies that the weights declared on a composite's
// constituents sum to 1.0 within WeightEpsilon.
func checkWeights(m *domain.MetricDefinition, byName map[string]*domain.MetricDefinition, issues *Issues) {
	var sum float64
	missing := []string{}
	for _, dep := range m.Dependencies {
		constituent, ok := byName[dep]
		if !ok {
			return // already reported as unresolvable
		}
		if constituent.Weight == nil {
			missing = append(missing, dep)
			continue
		}
		sum += *constituent.Weight
	}
	if len(missing) > 0 {
		issues.WeightMismatches = append(issues.WeightMismatches,
			fmt.Sprintf("%s: constituents without declared weights: %s", m.Name, strings.Join(missing, ", ")))
		return
	}
	if math.Abs(sum-1.0) > WeightEpsilon {
		issues.WeightMismatches = append(issues.WeightMismatches,
			fmt.Sprintf("%s: constituent weights sum to %g, want 1.0", m.Name, sum))
	}
}

// findCycles runs a depth-first search over the dependency graph and
// reports every cycle as "a -> b -> a". Names are visited in sorted order
// so findings are deterministic.
func findCycles(names []string, byName map[string]*domain.MetricDefinition) []string {
	const (
		white = iota
		grey
		black
	)

	state := make(map[string]int, len(names))
	var stack []string
	var cycles []string

	var visit func(name string)
	visit = func(name string) {
		state[name] = grey
		stack = append(stack, name)

		for _, dep := range byName[name].Dependencies {
			if _, ok := byName[dep]; !ok {
				continue
			}
			switch state[dep] {
			case grey:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append(append([]string{}, stack[start:]...), dep)
				cycles = append(cycles, strings.Join(cycle, " -> "))
			case white:
				visit(dep)
			}
		}

		stack = stack[:len(stack)-1]
		state[name] = black
	}

	for _, name := range names {
		if state[name] == white {
			visit(name)
		}
	}
	return cycles
}

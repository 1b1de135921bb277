// Package catalog implements the versioned metric registry. Catalog updates
// publish immutable version snapshots; readers bind to one snapshot for the
// lifetime of a compile/execute cycle, so the hot read path takes no locks.
package catalog

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
)

// Snapshot is one immutable catalog version: a resolved metric set plus the
// version number it was published under. Never mutated after creation.
type Snapshot struct {
	version int64
	metrics map[string]*domain.MetricDefinition
	names   []string
}

// NewSnapshot builds a snapshot from metric definitions. The input is
// copied, so later mutation of the slice does not leak into the snapshot.
func NewSnapshot(version int64, metrics []domain.MetricDefinition) *Snapshot {
	byName := make(map[string]*domain.MetricDefinition, len(metrics))
	names := make([]string, 0, len(metrics))
	for i := range metrics {
		m := metrics[i]
		m.Dependencies = append([]string(nil), m.Dependencies...)
		if m.Weight != nil {
			w := *m.Weight
			m.Weight = &w
		}
		if m.DeprecatedIn != nil {
			v := *m.DeprecatedIn
			m.DeprecatedIn = &v
		}
		if m.ReplacedBy != nil {
			r := *m.ReplacedBy
			m.ReplacedBy = &r
		}
		byName[m.Name] = &m
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return &Snapshot{version: version, metrics: byName, names: names}
}

// Version returns the catalog version this snapshot was published under.
func (s *Snapshot) Version() int64 {
	return s.version
}

// Len returns the number of metrics in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.names)
}

// Resolve returns the definition for a metric name. Callers must treat the
// result as read-only.
func (s *Snapshot) Resolve(name string) (*domain.MetricDefinition, error) {
	m, ok := s.metrics[name]
	if !ok {
		return nil, domain.NewNotFoundError("metric", name)
	}
	return m, nil
}

// Queryable reports whether a metric may still appear as a measure.
// Deprecated metrics stay queryable for DeprecationGraceGenerations catalog
// versions after the version that deprecated them, then fail with a
// deprecated_metric error naming a still-valid alternative if one exists.
func (s *Snapshot) Queryable(m *domain.MetricDefinition) error {
	if !m.Deprecated || m.DeprecatedIn == nil {
		return nil
	}
	if s.version-*m.DeprecatedIn < domain.DeprecationGraceGenerations {
		return nil
	}
	return domain.NewDeprecatedMetricError(m.Name, s.validReplacement(m))
}

// validReplacement walks the replacement chain until it finds a metric that
// is itself still queryable. The visited guard stops replacement loops.
func (s *Snapshot) validReplacement(m *domain.MetricDefinition) string {
	visited := map[string]bool{m.Name: true}
	cur := m
	for cur.ReplacedBy != nil {
		next, ok := s.metrics[*cur.ReplacedBy]
		if !ok || visited[next.Name] {
			return ""
		}
		visited[next.Name] = true
		if s.Queryable(next) == nil {
			return next.Name
		}
		cur = next
	}
	return ""
}

// ExpandExpression resolves a metric to its parameterized storage
// expression. Composites expand recursively to the weight-scaled sum of
// their constituents; recursion terminates because catalog validation
// guarantees an acyclic dependency graph.
func (s *Snapshot) ExpandExpression(name string) (string, error) {
	m, ok := s.metrics[name]
	if !ok {
		return "", domain.NewNotFoundError("metric", name)
	}
	if !m.IsComposite() {
		return "(" + m.Expression + ")", nil
	}

	parts := make([]string, 0, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		constituent, ok := s.metrics[dep]
		if !ok {
			return "", domain.NewNotFoundError("metric", dep)
		}
		inner, err := s.ExpandExpression(dep)
		if err != nil {
			return "", err
		}
		var weight float64
		if constituent.Weight != nil {
			weight = *constituent.Weight
		}
		parts = append(parts, formatWeight(weight)+" * "+inner)
	}
	return "(" + strings.Join(parts, " + ") + ")", nil
}

// formatWeight renders a weight deterministically for query text.
func formatWeight(w float64) string {
	return strconv.FormatFloat(w, 'g', -1, 64)
}

// Summaries returns the list-endpoint projection of every metric, sorted by
// name.
func (s *Snapshot) Summaries() []domain.MetricSummary {
	out := make([]domain.MetricSummary, 0, len(s.names))
	for _, name := range s.names {
		m := s.metrics[name]
		out = append(out, domain.MetricSummary{
			Name:        m.Name,
			DisplayName: m.DisplayName,
			Category:    m.Category,
			Version:     s.version,
		})
	}
	return out
}

// Metrics returns a copy of every definition, sorted by name. Used when
// publishing the next version.
func (s *Snapshot) Metrics() []domain.MetricDefinition {
	out := make([]domain.MetricDefinition, 0, len(s.names))
	for _, name := range s.names {
		m := *s.metrics[name]
		m.Dependencies = append([]string(nil), m.Dependencies...)
		out = append(out, m)
	}
	return out
}

// Catalog is the live registry: it loads the latest published snapshot and
// swaps in new ones atomically on publish. Readers call Snapshot once per
// cycle and never observe a partially applied update.
type Catalog struct {
	store *Store
	log   logger.Logger
	snap  atomic.Pointer[Snapshot]
}

// New creates a catalog backed by the given store. Call Load before serving.
func New(store *Store, log logger.Logger) *Catalog {
	c := &Catalog{store: store, log: log}
	c.snap.Store(NewSnapshot(0, nil))
	return c
}

// Load reads the latest published version from storage and makes it the
// active snapshot.
func (c *Catalog) Load(ctx context.Context) (*Snapshot, error) {
	snap, err := c.store.LoadLatest(ctx)
	if err != nil {
		return nil, err
	}
	c.snap.Store(snap)
	c.log.Info("catalog loaded",
		logger.Int64("version", snap.Version()),
		logger.Int("metrics", snap.Len()))
	return snap, nil
}

// Snapshot returns the active snapshot. Never nil.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Refresh reloads the latest published version and swaps it in when it is
// newer than the active snapshot. Long-lived processes poll this to pick up
// versions published by other processes; swapped reports whether anything
// changed.
func (c *Catalog) Refresh(ctx context.Context) (*Snapshot, bool, error) {
	snap, err := c.store.LoadLatest(ctx)
	if err != nil {
		return nil, false, err
	}
	current := c.snap.Load()
	if snap.Version() <= current.Version() {
		return current, false, nil
	}
	c.snap.Store(snap)
	c.log.Info("catalog refreshed",
		logger.Int64("version", snap.Version()),
		logger.Int("metrics", snap.Len()))
	return snap, true, nil
}

// Publish validates and commits the next catalog version, then swaps it in.
// The whole update is rejected atomically if any metric's dependency chain
// is unresolvable, the graph has a cycle, or composite weights do not sum
// to 1.0 within WeightEpsilon.
func (c *Catalog) Publish(ctx context.Context, metrics []domain.MetricDefinition, publishedBy string) (*Snapshot, error) {
	snap, err := c.store.Publish(ctx, metrics, publishedBy)
	if err != nil {
		return nil, err
	}
	c.snap.Store(snap)
	c.log.Info("catalog version published",
		logger.Int64("version", snap.Version()),
		logger.Int("metrics", snap.Len()),
		logger.String("published_by", publishedBy))
	return snap, nil
}

// Deprecate marks a metric deprecated in a new catalog version, recording
// the recommended replacement. The metric is never deleted.
func (c *Catalog) Deprecate(ctx context.Context, name, replacement, publishedBy string) (*Snapshot, error) {
	current := c.Snapshot().Metrics()
	found := false
	for i := range current {
		if current[i].Name != name {
			continue
		}
		found = true
		current[i].Deprecated = true
		if replacement != "" {
			current[i].ReplacedBy = &replacement
		}
	}
	if !found {
		return nil, domain.NewNotFoundError("metric", name)
	}
	return c.Publish(ctx, current, publishedBy)
}

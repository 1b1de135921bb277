// Package invalidation propagates work-item data changes to the result
// cache through a Redis stream. Ingestion publishes a change event per
// affected tenant; the consumer sweeps the matching cache entries so the
// next query recomputes from fresh rows.
package invalidation

import (
	"time"

	"github.com/jonesrussell/worklens/internal/domain"
)

// ChangeEvent announces that a tenant's source data changed. Entity narrows
// the sweep to one table's cached results; when absent the whole tenant is
// invalidated, the coarsest safe scope.
type ChangeEvent struct {
	EventID    string        `json:"event_id"`
	TenantID   string        `json:"tenant_id"`
	Entity     domain.Entity `json:"entity,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

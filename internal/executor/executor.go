// Package executor runs scoped queries against Postgres under a hard
// wall-clock budget and a hard row cap. Both limits are last-resort
// fences, independent of whatever the specification itself asked for.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/tenant"
)

// setTenantGUC pins the tenant onto the transaction so row-level security
// policies see it. The final argument scopes the setting to the
// transaction, so a pooled connection never leaks one tenant into the
// next.
const setTenantGUC = "SELECT set_config('worklens.tenant_id', $1, true)"

// Executor runs scoped queries inside read-only transactions.
type Executor struct {
	db     *sqlx.DB
	rowCap int
	log    logger.Logger
}

func New(db *sqlx.DB, rowCap int, log logger.Logger) *Executor {
	return &Executor{db: db, rowCap: rowCap, log: log}
}

// Execute runs q within budget. Timeouts surface as a distinct error so
// callers can resubmit as a job; a result that hit the row cap comes back
// marked truncated, never silently shortened. Context cancellation passes
// through untouched so callers can tell shutdown from cancellation.
func (e *Executor) Execute(ctx context.Context, q *tenant.ScopedQuery, budget time.Duration) (*domain.Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tx, err := e.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, e.classify(err, q, budget)
	}
	defer tx.Rollback() //nolint:errcheck // read-only, nothing to commit

	if _, err := tx.ExecContext(ctx, setTenantGUC, q.TenantID); err != nil {
		return nil, e.classify(err, q, budget)
	}

	rows, err := tx.QueryxContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, e.classify(err, q, budget)
	}
	defer rows.Close()

	out := make([]map[string]any, 0, min(q.Limit, e.rowCap))
	truncated := false
	for rows.Next() {
		if len(out) >= e.rowCap {
			truncated = true
			e.log.Warn("row cap reached, truncating result",
				logger.String("tenant_id", q.TenantID),
				logger.String("spec_hash", q.Hash),
				logger.Int("row_cap", e.rowCap))
			break
		}
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, e.classify(err, q, budget)
		}
		out = append(out, normalizeRow(row))
	}
	if err := rows.Err(); err != nil {
		return nil, e.classify(err, q, budget)
	}

	return &domain.Result{
		Rows:        out,
		RowCount:    len(out),
		QueryTimeMS: time.Since(start).Milliseconds(),
		Truncated:   truncated,
	}, nil
}

// classify sorts store failures into the engine's error taxonomy. Budget
// expiry becomes a timeout with resubmission advice; a caller-cancelled
// context passes through so the caller can react to its own cancellation.
func (e *Executor) classify(err error, q *tenant.ScopedQuery, budget time.Duration) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.log.Warn("query exceeded its budget",
			logger.String("tenant_id", q.TenantID),
			logger.String("spec_hash", q.Hash),
			logger.Duration("budget", budget))
		return domain.NewTimeoutError(budget)
	case errors.Is(err, context.Canceled):
		return err
	default:
		e.log.Error("query failed",
			logger.String("tenant_id", q.TenantID),
			logger.String("spec_hash", q.Hash),
			logger.Error(err))
		return domain.NewExecutionError("running query", err)
	}
}

// normalizeRow rewrites driver byte slices as strings so rows encode as
// text, not base64, on their way through the cache and the API.
func normalizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		if b, ok := v.([]byte); ok {
			row[k] = string(b)
		}
	}
	return row
}

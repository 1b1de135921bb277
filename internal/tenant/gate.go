package tenant

import (
	"context"
	"strings"

	"github.com/jonesrussell/worklens/internal/compiler"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
)

// ScopedQuery is the only executable form of a query: text whose first
// bound parameter is the tenant identifier. The executor accepts nothing
// else.
type ScopedQuery struct {
	SQL      string
	Args     []any
	TenantID string
	Entity   domain.Entity
	Hash     string
	Limit    int
}

// Gate binds the request's tenant identity onto compiled queries. It is
// one of two tenant fences; row-level security policies in the store are
// the other, so a bug here still cannot cross tenants.
type Gate struct {
	log logger.Logger
}

func NewGate(log logger.Logger) *Gate {
	return &Gate{log: log}
}

// Scope stamps the context's tenant onto q as parameter $1. It refuses
// queries when the context carries no tenant, and queries whose text lost
// the scoping predicate.
func (g *Gate) Scope(ctx context.Context, q *compiler.CompiledQuery) (*ScopedQuery, error) {
	id, ok := FromContext(ctx)
	if !ok {
		g.log.Warn("query rejected: no tenant in context",
			logger.String("spec_hash", q.Hash))
		return nil, domain.ErrNoTenant
	}
	if !strings.Contains(q.SQL, compiler.TenantPredicate) {
		g.log.Error("query rejected: tenant predicate missing from query text",
			logger.String("spec_hash", q.Hash),
			logger.String("tenant_id", id))
		return nil, domain.NewExecutionError("compiled query lacks the tenant predicate", nil)
	}

	args := make([]any, 0, len(q.Params)+1)
	args = append(args, id)
	args = append(args, q.Params...)
	return &ScopedQuery{
		SQL:      q.SQL,
		Args:     args,
		TenantID: id,
		Entity:   q.Entity,
		Hash:     q.Hash,
		Limit:    q.Limit,
	}, nil
}

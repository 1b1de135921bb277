package tenant_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/jonesrussell/worklens/internal/compiler"
	"github.com/jonesrussell/worklens/internal/domain"
	"github.com/jonesrussell/worklens/internal/logger"
	"github.com/jonesrussell/worklens/internal/tenant"
)

func compiledFixture() *compiler.CompiledQuery {
	return &compiler.CompiledQuery{
		SQL:            "SELECT avg((velocity)) AS velocity_avg FROM sprints WHERE tenant_id = $1 LIMIT $2",
		Params:         []any{50},
		Hash:           "abc123",
		Entity:         domain.EntitySprints,
		Limit:          50,
		CatalogVersion: 3,
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	if _, ok := tenant.FromContext(context.Background()); ok {
		t.Error("bare context must not carry a tenant")
	}
	if _, ok := tenant.FromContext(tenant.WithTenant(context.Background(), "")); ok {
		t.Error("empty identifier must count as unset")
	}

	ctx := tenant.WithTenant(context.Background(), "acme")
	id, ok := tenant.FromContext(ctx)
	if !ok || id != "acme" {
		t.Errorf("got (%q, %v), want (acme, true)", id, ok)
	}
}

func TestGate_ScopeBindsTenantFirst(t *testing.T) {
	t.Parallel()
	gate := tenant.NewGate(logger.NewNop())
	ctx := tenant.WithTenant(context.Background(), "acme")

	scoped, err := gate.Scope(ctx, compiledFixture())
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if !reflect.DeepEqual(scoped.Args, []any{"acme", 50}) {
		t.Errorf("args = %v, want tenant then compiled parameters", scoped.Args)
	}
	if scoped.TenantID != "acme" || scoped.Entity != domain.EntitySprints ||
		scoped.Hash != "abc123" || scoped.Limit != 50 {
		t.Errorf("metadata lost in scoping: %+v", scoped)
	}
}

func TestGate_FailsClosedWithoutTenant(t *testing.T) {
	t.Parallel()
	gate := tenant.NewGate(logger.NewNop())

	_, err := gate.Scope(context.Background(), compiledFixture())
	if !errors.Is(err, domain.ErrNoTenant) {
		t.Fatalf("err = %v, want ErrNoTenant", err)
	}
}

func TestGate_RefusesUnscopedQueryText(t *testing.T) {
	t.Parallel()
	gate := tenant.NewGate(logger.NewNop())
	ctx := tenant.WithTenant(context.Background(), "acme")

	q := compiledFixture()
	q.SQL = "SELECT avg((velocity)) AS velocity_avg FROM sprints LIMIT $2"
	_, err := gate.Scope(ctx, q)
	if err == nil {
		t.Fatal("query without the scoping predicate must be refused")
	}
	if code := domain.CodeOf(err); code != domain.CodeExecution {
		t.Errorf("code = %s, want %s", code, domain.CodeExecution)
	}
}

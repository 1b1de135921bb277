// Package tenant carries the caller's tenant identity through request
// context and stamps it onto compiled queries before execution. Scoping
// fails closed: no identity in the context means no query runs, regardless
// of what the query text claims.
package tenant

import "context"

type ctxKey struct{}

// WithTenant returns a context carrying the tenant identifier.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the tenant identifier, reporting whether one was
// set. An empty identifier counts as unset.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

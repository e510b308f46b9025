// Package tenant carries the requesting tenant on a context.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type ctxKey struct{}

// WithTenant returns a context scoped to the given tenant.
func WithTenant(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant bound to ctx. The zero UUID is never a valid tenant.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// Parse validates a tenant id received from a transport header.
func Parse(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, fmt.Errorf("tenant id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse tenant id: %w", err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("tenant id must not be the nil uuid")
	}
	return id, nil
}

// Package store holds the analytics store: raw events and rollup rows.
//
// Every operation takes a Scope. A Scope can only be obtained from a context
// that carries a tenant, so unscoped access fails before any I/O happens.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

// Scope restricts store access to one tenant.
type Scope struct {
	tenant uuid.UUID
}

// ScopeFromContext returns the scope of the tenant bound to ctx.
func ScopeFromContext(ctx context.Context) (Scope, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return Scope{}, apperr.IsolationViolation("store.ScopeFromContext", "no tenant bound to context")
	}
	return Scope{tenant: id}, nil
}

// Tenant returns the scoped tenant id.
func (s Scope) Tenant() uuid.UUID { return s.tenant }

// Owns reports whether a row tagged with id belongs to the scope.
func (s Scope) Owns(id uuid.UUID) bool { return s.tenant != uuid.Nil && s.tenant == id }

func (s Scope) check(op string) error {
	if s.tenant == uuid.Nil {
		return apperr.IsolationViolation(op, "unscoped store access")
	}
	return nil
}

// Store is the analytics store contract.
type Store interface {
	// AppendEvents stores events, skipping identities already present.
	// It returns the number of newly stored events.
	AppendEvents(ctx context.Context, scope Scope, events []RawEvent) (int, error)
	// ScanEvents returns events ordered by series, event time and sequence.
	ScanEvents(ctx context.Context, scope Scope, q EventQuery) ([]RawEvent, error)
	// ScanRollups returns rollup rows ordered by series and bucket start.
	ScanRollups(ctx context.Context, scope Scope, q RollupQuery) ([]RollupRow, error)
	// ReplaceRollup writes a row, replacing any previous row for its key.
	ReplaceRollup(ctx context.Context, scope Scope, row RollupRow) error
	Close() error
}

func checkEvents(scope Scope, op string, events []RawEvent) error {
	if err := scope.check(op); err != nil {
		return err
	}
	for _, e := range events {
		if !scope.Owns(e.TenantID) {
			return apperr.IsolationViolation(op, "event tenant does not match scope")
		}
	}
	return nil
}

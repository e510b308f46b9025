// Package schema resolves the field catalog of a data source for a tenant.
package schema

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/metrics"
)

// Type is a field type.
type Type string

const (
	String    Type = "string"
	Integer   Type = "integer"
	Decimal   Type = "decimal"
	Timestamp Type = "timestamp"
	Boolean   Type = "boolean"
)

// Numeric reports whether values of t can be summed and ordered numerically.
func (t Type) Numeric() bool { return t == Integer || t == Decimal }

// Ordered reports whether range predicates apply to t.
func (t Type) Ordered() bool { return t.Numeric() || t == Timestamp }

// Field is one column of a source.
type Field struct {
	Name string `json:"name" yaml:"name"`
	Type Type   `json:"type" yaml:"type"`
}

// Catalog is the backing metadata lookup. Implementations return an
// apperr SchemaNotFound error for unknown sources.
type Catalog interface {
	FetchFields(ctx context.Context, tenantID uuid.UUID, sourceRef string) ([]Field, error)
}

type cacheKey struct {
	tenant uuid.UUID
	ref    string
}

type cacheEntry struct {
	fields    []Field
	expiresAt time.Time
}

// Registry caches catalog lookups for a bounded TTL.
type Registry struct {
	catalog Catalog
	ttl     time.Duration
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[cacheKey]cacheEntry
	group   singleflight.Group
}

// NewRegistry creates a registry in front of catalog.
func NewRegistry(catalog Catalog, ttl time.Duration, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		catalog: catalog,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// ResolveFields returns the ordered field list of sourceRef for tenantID.
// The returned slice must not be modified.
func (r *Registry) ResolveFields(ctx context.Context, tenantID uuid.UUID, sourceRef string) ([]Field, error) {
	key := cacheKey{tenant: tenantID, ref: sourceRef}

	r.mu.RLock()
	entry, ok := r.entries[key]
	r.mu.RUnlock()
	if ok && r.now().Before(entry.expiresAt) {
		metrics.SchemaCacheLookups.WithLabelValues("hit").Inc()
		return entry.fields, nil
	}
	metrics.SchemaCacheLookups.WithLabelValues("miss").Inc()

	// The fetch is shared, so one caller giving up must not fail the others.
	flight := r.group.DoChan(tenantID.String()+"/"+sourceRef, func() (any, error) {
		fields, err := r.catalog.FetchFields(context.WithoutCancel(ctx), tenantID, sourceRef)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[key] = cacheEntry{fields: fields, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()
		r.logger.Debugw("Schema resolved", "tenant_id", tenantID, "source_ref", sourceRef, "fields", len(fields))
		return fields, nil
	})

	var res singleflight.Result
	select {
	case res = <-flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := res.Err; err != nil {
		if apperr.KindOf(err) == apperr.KindUnknown {
			err = apperr.StoreUnavailable("schema.ResolveFields", err)
		}
		return nil, fmt.Errorf("resolve fields of %s: %w", sourceRef, err)
	}
	return res.Val.([]Field), nil
}

// Invalidate drops the cached fields of one source.
func (r *Registry) Invalidate(tenantID uuid.UUID, sourceRef string) {
	r.mu.Lock()
	delete(r.entries, cacheKey{tenant: tenantID, ref: sourceRef})
	r.mu.Unlock()
}

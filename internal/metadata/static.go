// Package metadata provides a file-backed metadata store for local runs and
// tests. Production deployments read the relational store in internal/db.
package metadata

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

// Source is the field catalog of one analytics source.
type Source struct {
	TenantID uuid.UUID      `yaml:"tenant_id"`
	Ref      string         `yaml:"ref"`
	Fields   []schema.Field `yaml:"fields"`
}

// File is the on-disk layout.
type File struct {
	Sources   []Source            `yaml:"sources"`
	Workflows []graph.Definition  `yaml:"workflows"`
	Widgets   []widget.Definition `yaml:"widgets"`
}

type tenantKey struct {
	tenant uuid.UUID
	id     string
}

// Static serves metadata decoded from a YAML document. Load replaces the
// whole content atomically.
type Static struct {
	mu        sync.RWMutex
	sources   map[tenantKey][]schema.Field
	workflows map[tenantKey]*graph.Snapshot
	widgets   map[tenantKey]widget.Definition
}

// NewStatic returns an empty store.
func NewStatic() *Static {
	return &Static{
		sources:   map[tenantKey][]schema.Field{},
		workflows: map[tenantKey]*graph.Snapshot{},
		widgets:   map[tenantKey]widget.Definition{},
	}
}

// LoadFile reads and loads path.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata file: %w", err)
	}
	s := NewStatic()
	if err := s.Load(data); err != nil {
		return nil, err
	}
	return s, nil
}

// Load decodes data and replaces the store content. Every workflow must build
// into a valid snapshot.
func (s *Static) Load(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse metadata: %w", err)
	}

	sources := make(map[tenantKey][]schema.Field, len(f.Sources))
	for _, src := range f.Sources {
		if src.TenantID == uuid.Nil || src.Ref == "" {
			return fmt.Errorf("source %q: tenant_id and ref are required", src.Ref)
		}
		sources[tenantKey{src.TenantID, src.Ref}] = src.Fields
	}

	workflows := make(map[tenantKey]*graph.Snapshot, len(f.Workflows))
	for _, def := range f.Workflows {
		snap, err := graph.Build(def)
		if err != nil {
			return fmt.Errorf("build workflow %s: %w", def.ID, err)
		}
		workflows[tenantKey{def.TenantID, def.ID}] = snap
	}

	widgets := make(map[tenantKey]widget.Definition, len(f.Widgets))
	for _, w := range f.Widgets {
		if w.TenantID == uuid.Nil || w.ID == "" {
			return fmt.Errorf("widget %q: tenant_id and id are required", w.ID)
		}
		widgets[tenantKey{w.TenantID, w.ID}] = w
	}

	s.mu.Lock()
	s.sources, s.workflows, s.widgets = sources, workflows, widgets
	s.mu.Unlock()
	return nil
}

// FetchFields implements schema.Catalog.
func (s *Static) FetchFields(_ context.Context, tenantID uuid.UUID, sourceRef string) ([]schema.Field, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fields, ok := s.sources[tenantKey{tenantID, sourceRef}]
	if !ok {
		return nil, apperr.SchemaNotFound(sourceRef)
	}
	return fields, nil
}

func (s *Static) GetWidget(_ context.Context, tenantID uuid.UUID, widgetID string) (*widget.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.widgets[tenantKey{tenantID, widgetID}]
	if !ok {
		return nil, widget.ErrNotFound
	}
	return &w, nil
}

func (s *Static) GetWorkflow(_ context.Context, tenantID uuid.UUID, workflowID string) (*graph.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.workflows[tenantKey{tenantID, workflowID}]
	if !ok {
		return nil, widget.ErrNotFound
	}
	return snap, nil
}

func (s *Static) ListWidgets(_ context.Context, tenantID uuid.UUID, workflowID string) ([]widget.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []widget.Definition
	for k, w := range s.widgets {
		if k.tenant == tenantID && w.WorkflowID == workflowID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

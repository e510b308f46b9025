// Package widget serves pinned output nodes to dashboards: it resolves a
// widget to a compiled plan, executes it through a result cache and pushes
// refresh signals when the underlying data or graph changes.
package widget

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/query"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// ErrNotFound is returned by Metadata implementations for missing rows.
var ErrNotFound = errors.New("not found")

// Definition is a widget pinned to one output node of a workflow.
type Definition struct {
	ID           string         `json:"id" yaml:"id"`
	TenantID     uuid.UUID      `json:"tenant_id" yaml:"tenant_id"`
	WorkflowID   string         `json:"workflow_id" yaml:"workflow_id"`
	SourceNodeID string         `json:"source_node_id" yaml:"source_node_id"`
	Title        string         `json:"title" yaml:"title"`
	Hints        map[string]any `json:"hints,omitempty" yaml:"hints,omitempty"`
}

// Metadata is the read-only view of workflow and widget definitions.
type Metadata interface {
	GetWidget(ctx context.Context, tenantID uuid.UUID, widgetID string) (*Definition, error)
	GetWorkflow(ctx context.Context, tenantID uuid.UUID, workflowID string) (*graph.Snapshot, error)
	ListWidgets(ctx context.Context, tenantID uuid.UUID, workflowID string) ([]Definition, error)
}

// Compiler builds plans.
type Compiler interface {
	Compile(ctx context.Context, snap *graph.Snapshot, outputNodeID string) (*compiler.Plan, error)
}

// Executor runs plans.
type Executor interface {
	Execute(ctx context.Context, plan *compiler.Plan, tr query.TimeRange) (*query.Result, error)
}

// Notifier fans out refresh signals.
type Notifier interface {
	Publish(tenantID uuid.UUID, widgetIDs []string, reason string)
	Subscribers(tenantID uuid.UUID) []string
}

// SchemaInvalidator drops cached source schemas.
type SchemaInvalidator interface {
	Invalidate(tenantID uuid.UUID, sourceRef string)
}

// ReadOptions narrows a widget read. A nil Range reads the source lookback.
type ReadOptions struct {
	Range *query.TimeRange
}

// StatusUnavailable is reported with stale rows after retries are exhausted.
const StatusUnavailable = "data temporarily unavailable"

// Data is the chart-agnostic answer to a widget read.
type Data struct {
	WidgetID    string            `json:"widget_id"`
	Title       string            `json:"title"`
	OutputKind  graph.OutputKind  `json:"output_kind"`
	ChartHint   string            `json:"chart_hint"`
	Columns     []string          `json:"columns"`
	Rows        []query.Row       `json:"rows"`
	ComputedAt  time.Time         `json:"computed_at"`
	Stale       bool              `json:"stale"`
	Status      string            `json:"status,omitempty"`
	Source      query.Source      `json:"source"`
	Granularity store.Granularity `json:"granularity,omitempty"`
}

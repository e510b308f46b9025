package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/widget"
)

// Every query filters on tenant_id. Rows of other tenants are reported as
// missing, never returned.

// ─── Workflow Queries ───

// GetWorkflow loads the saved graph of a workflow and builds its snapshot.
func (c *Client) GetWorkflow(ctx context.Context, tenantID uuid.UUID, workflowID string) (*graph.Snapshot, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT id, name, version, updated_at
		FROM workflows WHERE tenant_id = $1 AND id = $2
	`, tenantID, workflowID)

	var wf WorkflowRow
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Version, &wf.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, widget.ErrNotFound
		}
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	nodes, err := c.getNodes(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}
	edges, err := c.getEdges(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	def := graph.Definition{ID: wf.ID, TenantID: tenantID, Name: wf.Name, Version: wf.Version}
	for _, nr := range nodes {
		n := graph.Node{ID: nr.NodeID, Kind: graph.NodeKind(nr.Kind)}
		if nr.Label != nil {
			n.Label = *nr.Label
		}
		if err := graph.DecodeNodeConfig(&n, []byte(nr.Config)); err != nil {
			return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
		}
		def.Nodes = append(def.Nodes, n)
	}
	for _, er := range edges {
		def.Edges = append(def.Edges, graph.Edge{From: er.FromNode, To: er.ToNode})
	}

	snap, err := graph.Build(def)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	return snap, nil
}

func (c *Client) getNodes(ctx context.Context, tenantID uuid.UUID, workflowID string) ([]NodeRow, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT node_id, kind, label, COALESCE(config::text, '')
		FROM workflow_nodes WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY position ASC, node_id ASC
	`, tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []NodeRow
	for rows.Next() {
		var nr NodeRow
		if err := rows.Scan(&nr.NodeID, &nr.Kind, &nr.Label, &nr.Config); err != nil {
			return nil, fmt.Errorf("scan workflow node: %w", err)
		}
		nodes = append(nodes, nr)
	}
	return nodes, rows.Err()
}

func (c *Client) getEdges(ctx context.Context, tenantID uuid.UUID, workflowID string) ([]EdgeRow, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT from_node, to_node
		FROM workflow_edges WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY from_node ASC, to_node ASC
	`, tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get workflow edges: %w", err)
	}
	defer rows.Close()

	var edges []EdgeRow
	for rows.Next() {
		var er EdgeRow
		if err := rows.Scan(&er.FromNode, &er.ToNode); err != nil {
			return nil, fmt.Errorf("scan workflow edge: %w", err)
		}
		edges = append(edges, er)
	}
	return edges, rows.Err()
}

// ─── Widget Queries ───

const widgetColumns = `id, workflow_id, source_node_id, title, COALESCE(hints::text, '')`

// GetWidget retrieves a widget by ID
func (c *Client) GetWidget(ctx context.Context, tenantID uuid.UUID, widgetID string) (*widget.Definition, error) {
	row := c.pool.QueryRow(ctx, `
		SELECT `+widgetColumns+`
		FROM widgets WHERE tenant_id = $1 AND id = $2
	`, tenantID, widgetID)

	def, err := scanWidget(row, tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, widget.ErrNotFound
		}
		return nil, fmt.Errorf("get widget: %w", err)
	}
	return def, nil
}

// ListWidgets returns the widgets pinned to nodes of a workflow.
func (c *Client) ListWidgets(ctx context.Context, tenantID uuid.UUID, workflowID string) ([]widget.Definition, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT `+widgetColumns+`
		FROM widgets WHERE tenant_id = $1 AND workflow_id = $2
		ORDER BY id ASC
	`, tenantID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list widgets: %w", err)
	}
	defer rows.Close()

	var widgets []widget.Definition
	for rows.Next() {
		def, err := scanWidget(rows, tenantID)
		if err != nil {
			return nil, fmt.Errorf("scan widget: %w", err)
		}
		widgets = append(widgets, *def)
	}
	return widgets, rows.Err()
}

func scanWidget(row pgx.Row, tenantID uuid.UUID) (*widget.Definition, error) {
	var wr WidgetRow
	if err := row.Scan(&wr.ID, &wr.WorkflowID, &wr.SourceNodeID, &wr.Title, &wr.Hints); err != nil {
		return nil, err
	}
	def := &widget.Definition{
		ID:           wr.ID,
		TenantID:     tenantID,
		WorkflowID:   wr.WorkflowID,
		SourceNodeID: wr.SourceNodeID,
	}
	if wr.Title != nil {
		def.Title = *wr.Title
	}
	if wr.Hints != "" {
		if err := json.Unmarshal([]byte(wr.Hints), &def.Hints); err != nil {
			return nil, fmt.Errorf("decode hints of widget %s: %w", wr.ID, err)
		}
	}
	return def, nil
}

// ─── Source Catalog Queries ───

// FetchFields returns the ordered fields of a tenant's source.
func (c *Client) FetchFields(ctx context.Context, tenantID uuid.UUID, sourceRef string) ([]schema.Field, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT name, type
		FROM source_fields WHERE tenant_id = $1 AND source_ref = $2
		ORDER BY position ASC
	`, tenantID, sourceRef)
	if err != nil {
		return nil, apperr.StoreUnavailable("db.FetchFields", fmt.Errorf("get source fields: %w", err))
	}
	defer rows.Close()

	var fields []schema.Field
	for rows.Next() {
		var f schema.Field
		if err := rows.Scan(&f.Name, &f.Type); err != nil {
			return nil, fmt.Errorf("scan source field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.StoreUnavailable("db.FetchFields", fmt.Errorf("get source fields: %w", err))
	}
	if len(fields) == 0 {
		return nil, apperr.SchemaNotFound(sourceRef)
	}
	c.logger.Debugw("Fetched source fields", "tenant_id", tenantID, "source_ref", sourceRef, "fields", len(fields))
	return fields, nil
}

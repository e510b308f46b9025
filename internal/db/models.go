package db

import "time"

// WorkflowRow is a row of the workflows table.
type WorkflowRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeRow is a row of workflow_nodes. Config is the JSON config of the node
// kind (source, transform or output).
type NodeRow struct {
	NodeID string  `json:"node_id"`
	Kind   string  `json:"kind"`
	Label  *string `json:"label"`
	Config string  `json:"config"`
}

// EdgeRow is a row of workflow_edges.
type EdgeRow struct {
	FromNode string `json:"from_node"`
	ToNode   string `json:"to_node"`
}

// WidgetRow is a row of widgets.
type WidgetRow struct {
	ID           string  `json:"id"`
	WorkflowID   string  `json:"workflow_id"`
	SourceNodeID string  `json:"source_node_id"`
	Title        *string `json:"title"`
	Hints        string  `json:"hints"` // JSON object
}

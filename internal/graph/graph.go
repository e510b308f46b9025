// Package graph holds the immutable workflow graph snapshot consumed by the
// compiler. Nodes live in an arena and edges reference them by index.
package graph

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
)

// ─── Node variant ───

// NodeKind is the closed set of node kinds.
type NodeKind string

const (
	KindSource    NodeKind = "source"
	KindTransform NodeKind = "transform"
	KindOutput    NodeKind = "output"
)

// TransformOp selects what a transform node does.
type TransformOp string

const (
	OpFilter    TransformOp = "filter"
	OpAggregate TransformOp = "aggregate"
	OpProject   TransformOp = "project"
	OpWindow    TransformOp = "window"
)

// OutputKind is the rendering family of an output node.
type OutputKind string

const (
	ChartOutput OutputKind = "chart_output"
	TableOutput OutputKind = "table_output"
	KPIOutput   OutputKind = "kpi_output"
)

// Filter operators.
const (
	FilterEq  = "eq"
	FilterNeq = "neq"
	FilterIn  = "in"
	FilterGt  = "gt"
	FilterGte = "gte"
	FilterLt  = "lt"
	FilterLte = "lte"
)

// Filter is a single predicate on a field.
type Filter struct {
	Field string `yaml:"field" json:"field"`
	Op    string `yaml:"op" json:"op"`
	Value any    `yaml:"value" json:"value"`
}

// IsRange reports whether the operator orders values.
func (f Filter) IsRange() bool {
	switch f.Op {
	case FilterGt, FilterGte, FilterLt, FilterLte:
		return true
	default:
		return false
	}
}

// Aggregation functions.
const (
	AggSum   = "sum"
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggCount = "count"
	AggFirst = "first"
	AggLast  = "last"
	AggVWAP  = "vwap"
)

// Aggregation computes one output column from a group of rows.
type Aggregation struct {
	Func  string `yaml:"func" json:"func"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	As    string `yaml:"as,omitempty" json:"as,omitempty"`
}

// Alias returns the output column name.
func (a Aggregation) Alias() string {
	if a.As != "" {
		return a.As
	}
	if a.Field == "" {
		return a.Func
	}
	return a.Func + "_" + a.Field
}

// WindowSpec is a rolling computation over the last Size rows of each
// partition, in time order. The current row is included.
type WindowSpec struct {
	Func        string   `yaml:"func" json:"func"`
	Field       string   `yaml:"field" json:"field"`
	Size        int      `yaml:"size" json:"size"`
	PartitionBy []string `yaml:"partition_by,omitempty" json:"partition_by,omitempty"`
	As          string   `yaml:"as,omitempty" json:"as,omitempty"`
}

// Alias returns the output column name.
func (w WindowSpec) Alias() string {
	if w.As != "" {
		return w.As
	}
	return fmt.Sprintf("%s_%s_%d", w.Func, w.Field, w.Size)
}

// SourceSpec binds a data source.
type SourceSpec struct {
	Ref      string   `yaml:"ref" json:"ref"`
	Filters  []Filter `yaml:"filters,omitempty" json:"filters,omitempty"`
	Lookback string   `yaml:"lookback,omitempty" json:"lookback,omitempty"`
}

// TransformSpec describes a filter, aggregate, project or window step.
type TransformSpec struct {
	Op           TransformOp   `yaml:"op" json:"op"`
	Filters      []Filter      `yaml:"filters,omitempty" json:"filters,omitempty"`
	GroupBy      []string      `yaml:"group_by,omitempty" json:"group_by,omitempty"`
	Aggregations []Aggregation `yaml:"aggregations,omitempty" json:"aggregations,omitempty"`
	Bucket       string        `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Columns      []string      `yaml:"columns,omitempty" json:"columns,omitempty"`
	Window       *WindowSpec   `yaml:"window,omitempty" json:"window,omitempty"`
}

// OutputSpec is the rendering-agnostic shape descriptor of an output node.
type OutputSpec struct {
	Kind   OutputKind `yaml:"kind" json:"kind"`
	Metric string     `yaml:"metric,omitempty" json:"metric,omitempty"`
	Chart  string     `yaml:"chart,omitempty" json:"chart,omitempty"`
}

// Node is one vertex. Exactly one of Source, Transform, Output is set,
// matching Kind.
type Node struct {
	ID        string         `yaml:"id" json:"id"`
	Label     string         `yaml:"label,omitempty" json:"label,omitempty"`
	Kind      NodeKind       `yaml:"kind" json:"kind"`
	Source    *SourceSpec    `yaml:"source,omitempty" json:"source,omitempty"`
	Transform *TransformSpec `yaml:"transform,omitempty" json:"transform,omitempty"`
	Output    *OutputSpec    `yaml:"output,omitempty" json:"output,omitempty"`
}

// Edge connects two nodes by id.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Definition is the serialized form of a workflow as stored by the editor.
type Definition struct {
	ID       string    `yaml:"id" json:"id"`
	TenantID uuid.UUID `yaml:"tenant_id" json:"tenant_id"`
	Name     string    `yaml:"name" json:"name"`
	Version  int64     `yaml:"version" json:"version"`
	Nodes    []Node    `yaml:"nodes" json:"nodes"`
	Edges    []Edge    `yaml:"edges" json:"edges"`
}

// ─── Snapshot ───

// Snapshot is an immutable, indexed view of a Definition.
type Snapshot struct {
	WorkflowID string
	TenantID   uuid.UUID
	Name       string
	Version    int64

	nodes      []Node
	index      map[string]int
	upstream   [][]int
	downstream [][]int
}

// Build validates a definition and indexes it.
func Build(def Definition) (*Snapshot, error) {
	if len(def.Nodes) == 0 {
		return nil, apperr.InvalidGraph("", fmt.Sprintf("workflow %s has no nodes", def.ID))
	}

	s := &Snapshot{
		WorkflowID: def.ID,
		TenantID:   def.TenantID,
		Name:       def.Name,
		Version:    def.Version,
		nodes:      make([]Node, len(def.Nodes)),
		index:      make(map[string]int, len(def.Nodes)),
		upstream:   make([][]int, len(def.Nodes)),
		downstream: make([][]int, len(def.Nodes)),
	}
	copy(s.nodes, def.Nodes)

	for i, node := range s.nodes {
		if node.ID == "" {
			return nil, apperr.InvalidGraph("", fmt.Sprintf("node at index %d has no id", i))
		}
		if _, exists := s.index[node.ID]; exists {
			return nil, apperr.InvalidGraph(node.ID, "duplicate node id")
		}
		if err := validateVariant(node); err != nil {
			return nil, err
		}
		s.index[node.ID] = i
	}

	edges := def.Edges
	if len(edges) == 0 {
		// No explicit edges: infer a linear chain from node order
		for i := 1; i < len(s.nodes); i++ {
			edges = append(edges, Edge{From: s.nodes[i-1].ID, To: s.nodes[i].ID})
		}
	}
	for _, edge := range edges {
		from, ok := s.index[edge.From]
		if !ok {
			return nil, apperr.InvalidGraph(edge.To, "edge references unknown node "+edge.From)
		}
		to, ok := s.index[edge.To]
		if !ok {
			return nil, apperr.InvalidGraph(edge.From, "edge references unknown node "+edge.To)
		}
		s.upstream[to] = append(s.upstream[to], from)
		s.downstream[from] = append(s.downstream[from], to)
	}
	return s, nil
}

func validateVariant(n Node) error {
	switch n.Kind {
	case KindSource:
		if n.Source == nil || n.Source.Ref == "" {
			return apperr.InvalidGraph(n.ID, "source node has no source ref")
		}
	case KindTransform:
		if n.Transform == nil {
			return apperr.InvalidGraph(n.ID, "transform node has no transform config")
		}
		switch n.Transform.Op {
		case OpFilter, OpAggregate, OpProject:
		case OpWindow:
			if n.Transform.Window == nil {
				return apperr.InvalidGraph(n.ID, "window node has no window config")
			}
		default:
			return apperr.InvalidGraph(n.ID, fmt.Sprintf("unknown transform op %q", n.Transform.Op))
		}
	case KindOutput:
		if n.Output == nil {
			return apperr.InvalidGraph(n.ID, "output node has no output config")
		}
		switch n.Output.Kind {
		case ChartOutput, TableOutput, KPIOutput:
		default:
			return apperr.InvalidGraph(n.ID, fmt.Sprintf("unknown output kind %q", n.Output.Kind))
		}
	default:
		return apperr.InvalidGraph(n.ID, fmt.Sprintf("unknown node kind %q", n.Kind))
	}
	return nil
}

// Len returns the number of nodes.
func (s *Snapshot) Len() int { return len(s.nodes) }

// Node returns the node at arena index i.
func (s *Snapshot) Node(i int) Node { return s.nodes[i] }

// Lookup returns the arena index of a node id.
func (s *Snapshot) Lookup(id string) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

// Upstream returns the arena indexes feeding node i.
func (s *Snapshot) Upstream(i int) []int { return s.upstream[i] }

// Downstream returns the arena indexes node i feeds.
func (s *Snapshot) Downstream(i int) []int { return s.downstream[i] }

// OutputNodes returns the ids of every output node in definition order.
func (s *Snapshot) OutputNodes() []string {
	var ids []string
	for _, n := range s.nodes {
		if n.Kind == KindOutput {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

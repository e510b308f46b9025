package compiler

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// StageKind is the operation a stage applies.
type StageKind string

const (
	StageFilter    StageKind = "filter"
	StageAggregate StageKind = "aggregate"
	StageProject   StageKind = "project"
	StageWindow    StageKind = "window"
)

// Stage is one step of a plan, applied to the rows produced by the previous
// stage. Output is the resolved shape after the stage.
type Stage struct {
	NodeID       string
	Kind         StageKind
	Filters      []graph.Filter
	GroupBy      []string
	Aggregations []graph.Aggregation
	Bucket       store.Granularity
	Columns      []string
	Window       *graph.WindowSpec
	Output       []schema.Field
}

// Plan is a compiled, executable view of one output node's lineage.
type Plan struct {
	TenantID     uuid.UUID
	WorkflowID   string
	Version      int64
	OutputNodeID string
	Output       graph.OutputSpec

	SourceNodeID string
	SourceRef    string
	SourceFields []schema.Field
	// Lineage lists node ids from the source to the output.
	Lineage []string
	Stages  []Stage
	Shape   []schema.Field
	// Lookback is the default time range ending now.
	Lookback time.Duration
	// SeriesKeys restricts the store scan when a pre-aggregate filter pins
	// series_key. Nil means every series.
	SeriesKeys []string

	RollupEligible bool
	// Granularities lists rollup granularities usable for the plan,
	// coarsest first.
	Granularities []store.Granularity
	Fingerprint   string
}

// Contains reports whether nodeID is on the plan's lineage.
func (p *Plan) Contains(nodeID string) bool {
	return slices.Contains(p.Lineage, nodeID)
}

// AggregateIndex returns the index of the first aggregate stage, or -1.
func (p *Plan) AggregateIndex() int {
	for i, st := range p.Stages {
		if st.Kind == StageAggregate {
			return i
		}
	}
	return -1
}

// Granularity returns the preferred rollup granularity, or "" when the plan
// must read raw events.
func (p *Plan) Granularity() store.Granularity {
	if !p.RollupEligible || len(p.Granularities) == 0 {
		return ""
	}
	return p.Granularities[0]
}

// Columns returns the names of the final shape.
func (p *Plan) Columns() []string {
	cols := make([]string, len(p.Shape))
	for i, f := range p.Shape {
		cols[i] = f.Name
	}
	return cols
}

func lookupField(shape []schema.Field, name string) (schema.Field, bool) {
	for _, f := range shape {
		if f.Name == name {
			return f, true
		}
	}
	return schema.Field{}, false
}

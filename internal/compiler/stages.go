package compiler

import (
	"fmt"
	"slices"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

func transformStage(n graph.Node, in []schema.Field) (Stage, error) {
	spec := n.Transform
	switch spec.Op {
	case graph.OpFilter:
		return filterStage(n.ID, spec.Filters, in)
	case graph.OpAggregate:
		return aggregateStage(n.ID, spec, in)
	case graph.OpProject:
		return projectStage(n.ID, spec.Columns, in)
	case graph.OpWindow:
		return windowStage(n.ID, spec.Window, in)
	default:
		return Stage{}, apperr.InvalidGraph(n.ID, fmt.Sprintf("unknown transform op %q", spec.Op))
	}
}

func filterStage(nodeID string, filters []graph.Filter, in []schema.Field) (Stage, error) {
	for _, f := range filters {
		field, ok := lookupField(in, f.Field)
		if !ok {
			return Stage{}, apperr.UnresolvedField(nodeID, f.Field)
		}
		switch f.Op {
		case graph.FilterEq, graph.FilterNeq, graph.FilterIn:
		case graph.FilterGt, graph.FilterGte, graph.FilterLt, graph.FilterLte:
			if !field.Type.Ordered() {
				return Stage{}, apperr.IncompatibleType(nodeID, f.Field,
					fmt.Sprintf("operator %s requires a numeric or timestamp field, got %s", f.Op, field.Type))
			}
		default:
			return Stage{}, apperr.InvalidGraph(nodeID, fmt.Sprintf("unknown filter operator %q", f.Op))
		}
	}
	return Stage{NodeID: nodeID, Kind: StageFilter, Filters: filters, Output: in}, nil
}

func aggregateStage(nodeID string, spec *graph.TransformSpec, in []schema.Field) (Stage, error) {
	st := Stage{NodeID: nodeID, Kind: StageAggregate, GroupBy: spec.GroupBy, Aggregations: spec.Aggregations}
	if len(spec.Aggregations) == 0 {
		return Stage{}, apperr.InvalidGraph(nodeID, "aggregate node has no aggregations")
	}

	var out []schema.Field
	if spec.Bucket != "" {
		g, err := store.ParseGranularity(spec.Bucket)
		if err != nil {
			return Stage{}, apperr.InvalidGraph(nodeID, err.Error())
		}
		ts, ok := lookupField(in, "event_time")
		if !ok {
			return Stage{}, apperr.UnresolvedField(nodeID, "event_time")
		}
		if ts.Type != schema.Timestamp {
			return Stage{}, apperr.IncompatibleType(nodeID, "event_time", "time bucketing requires a timestamp field")
		}
		st.Bucket = g
		out = append(out, schema.Field{Name: "bucket_start", Type: schema.Timestamp})
	}

	for _, name := range spec.GroupBy {
		f, ok := lookupField(in, name)
		if !ok {
			return Stage{}, apperr.UnresolvedField(nodeID, name)
		}
		out = append(out, f)
	}

	for _, agg := range spec.Aggregations {
		typ, err := aggregationType(nodeID, agg, in)
		if err != nil {
			return Stage{}, err
		}
		alias := agg.Alias()
		if _, dup := lookupField(out, alias); dup {
			return Stage{}, apperr.InvalidGraph(nodeID, fmt.Sprintf("duplicate output column %q", alias))
		}
		out = append(out, schema.Field{Name: alias, Type: typ})
	}
	st.Output = out
	return st, nil
}

func aggregationType(nodeID string, agg graph.Aggregation, in []schema.Field) (schema.Type, error) {
	switch agg.Func {
	case graph.AggCount:
		if agg.Field != "" {
			if _, ok := lookupField(in, agg.Field); !ok {
				return "", apperr.UnresolvedField(nodeID, agg.Field)
			}
		}
		return schema.Integer, nil
	case graph.AggFirst, graph.AggLast:
		f, ok := lookupField(in, agg.Field)
		if !ok {
			return "", apperr.UnresolvedField(nodeID, agg.Field)
		}
		return f.Type, nil
	case graph.AggSum, graph.AggAvg, graph.AggMin, graph.AggMax:
		f, ok := lookupField(in, agg.Field)
		if !ok {
			return "", apperr.UnresolvedField(nodeID, agg.Field)
		}
		if !f.Type.Numeric() {
			return "", apperr.IncompatibleType(nodeID, agg.Field,
				fmt.Sprintf("%s requires a numeric field, got %s", agg.Func, f.Type))
		}
		if agg.Func == graph.AggMin || agg.Func == graph.AggMax {
			return f.Type, nil
		}
		return schema.Decimal, nil
	case graph.AggVWAP:
		for _, name := range []string{"quantity", "notional"} {
			f, ok := lookupField(in, name)
			if !ok {
				return "", apperr.UnresolvedField(nodeID, name)
			}
			if !f.Type.Numeric() {
				return "", apperr.IncompatibleType(nodeID, name, "vwap requires numeric quantity and notional")
			}
		}
		return schema.Decimal, nil
	default:
		return "", apperr.InvalidGraph(nodeID, fmt.Sprintf("unknown aggregation %q", agg.Func))
	}
}

func projectStage(nodeID string, columns []string, in []schema.Field) (Stage, error) {
	if len(columns) == 0 {
		return Stage{}, apperr.InvalidGraph(nodeID, "project node lists no columns")
	}
	out := make([]schema.Field, 0, len(columns))
	for _, name := range columns {
		f, ok := lookupField(in, name)
		if !ok {
			return Stage{}, apperr.UnresolvedField(nodeID, name)
		}
		out = append(out, f)
	}
	return Stage{NodeID: nodeID, Kind: StageProject, Columns: columns, Output: out}, nil
}

// windowStage appends the rolling column of w to the input shape.
func windowStage(nodeID string, w *graph.WindowSpec, in []schema.Field) (Stage, error) {
	if w == nil {
		return Stage{}, apperr.InvalidGraph(nodeID, "window node has no window config")
	}
	if w.Size < 1 {
		return Stage{}, apperr.InvalidGraph(nodeID, fmt.Sprintf("window size must be at least 1, got %d", w.Size))
	}
	for _, name := range w.PartitionBy {
		if _, ok := lookupField(in, name); !ok {
			return Stage{}, apperr.UnresolvedField(nodeID, name)
		}
	}
	f, ok := lookupField(in, w.Field)
	if !ok {
		return Stage{}, apperr.UnresolvedField(nodeID, w.Field)
	}

	var typ schema.Type
	switch w.Func {
	case graph.AggCount:
		typ = schema.Integer
	case graph.AggSum, graph.AggAvg, graph.AggMin, graph.AggMax:
		if !f.Type.Numeric() {
			return Stage{}, apperr.IncompatibleType(nodeID, w.Field,
				fmt.Sprintf("window %s requires a numeric field, got %s", w.Func, f.Type))
		}
		typ = schema.Decimal
	default:
		return Stage{}, apperr.InvalidGraph(nodeID, fmt.Sprintf("unknown window function %q", w.Func))
	}

	alias := w.Alias()
	if _, dup := lookupField(in, alias); dup {
		return Stage{}, apperr.InvalidGraph(nodeID, fmt.Sprintf("duplicate output column %q", alias))
	}
	out := append(slices.Clone(in), schema.Field{Name: alias, Type: typ})
	return Stage{NodeID: nodeID, Kind: StageWindow, Window: w, Output: out}, nil
}

// rollupServable reports whether a rollup row column can answer agg.
func rollupServable(agg graph.Aggregation) bool {
	switch agg.Func {
	case graph.AggFirst, graph.AggLast, graph.AggMin, graph.AggMax:
		return agg.Field == "price"
	case graph.AggSum:
		return agg.Field == "quantity" || agg.Field == "notional"
	case graph.AggCount, graph.AggVWAP:
		return true
	default:
		return false
	}
}

// rollupCoverage decides whether the first aggregate can be answered from
// rollup rows and which granularities can serve it.
func (c *Compiler) rollupCoverage(stages []Stage) (bool, []store.Granularity) {
	aggIdx := -1
	for i, st := range stages {
		if st.Kind == StageAggregate {
			aggIdx = i
			break
		}
		if st.Kind != StageFilter {
			return false, nil
		}
		for _, f := range st.Filters {
			if f.Field != "series_key" {
				return false, nil
			}
		}
	}
	if aggIdx < 0 {
		return false, nil
	}

	agg := stages[aggIdx]
	for _, name := range agg.GroupBy {
		if name != "series_key" {
			return false, nil
		}
	}
	for _, a := range agg.Aggregations {
		if !rollupServable(a) {
			return false, nil
		}
	}

	var grans []store.Granularity
	for _, g := range c.granularities {
		if agg.Bucket == "" || agg.Bucket.Duration()%g.Duration() == 0 {
			grans = append(grans, g)
		}
	}
	return len(grans) > 0, grans
}

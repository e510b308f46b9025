// Package compiler turns a workflow graph snapshot into an executable plan
// for one output node. Compilation reads metadata only and never touches
// the analytics store.
package compiler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// FieldResolver resolves the fields of a tenant's source.
type FieldResolver interface {
	ResolveFields(ctx context.Context, tenantID uuid.UUID, sourceRef string) ([]schema.Field, error)
}

// Options tunes plan construction.
type Options struct {
	// Granularities are the materialized rollup granularities.
	Granularities []store.Granularity
	// DefaultLookback applies when the source sets none.
	DefaultLookback time.Duration
}

// Compiler builds plans.
type Compiler struct {
	fields        FieldResolver
	granularities []store.Granularity
	lookback      time.Duration
	logger        *zap.SugaredLogger
}

// New creates a compiler.
func New(fields FieldResolver, opts Options, logger *zap.SugaredLogger) *Compiler {
	grans := slices.Clone(opts.Granularities)
	// Coarsest first.
	slices.SortFunc(grans, func(a, b store.Granularity) int {
		return int(b.Duration() - a.Duration())
	})
	lookback := opts.DefaultLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return &Compiler{fields: fields, granularities: grans, lookback: lookback, logger: logger}
}

// Compile validates the lineage of outputNodeID and returns its plan.
func (c *Compiler) Compile(ctx context.Context, snap *graph.Snapshot, outputNodeID string) (*Plan, error) {
	outIdx, ok := snap.Lookup(outputNodeID)
	if !ok {
		return nil, apperr.InvalidGraph(outputNodeID, "node does not exist in workflow "+snap.WorkflowID)
	}
	out := snap.Node(outIdx)
	if out.Kind != graph.KindOutput {
		return nil, apperr.InvalidGraph(outputNodeID, fmt.Sprintf("target is a %s node, not an output", out.Kind))
	}

	if cycle := findCycle(snap); cycle != nil {
		return nil, apperr.GraphCycle(cycle)
	}

	lineage, err := walkLineage(snap, outIdx)
	if err != nil {
		return nil, err
	}

	src := lineage[0]
	lookback := c.lookback
	if src.Source.Lookback != "" {
		lookback, err = time.ParseDuration(src.Source.Lookback)
		if err != nil || lookback <= 0 {
			return nil, apperr.InvalidGraph(src.ID, fmt.Sprintf("invalid lookback %q", src.Source.Lookback))
		}
	}

	sourceFields, err := c.fields.ResolveFields(ctx, snap.TenantID, src.Source.Ref)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		TenantID:     snap.TenantID,
		WorkflowID:   snap.WorkflowID,
		Version:      snap.Version,
		OutputNodeID: out.ID,
		Output:       *out.Output,
		SourceNodeID: src.ID,
		SourceRef:    src.Source.Ref,
		SourceFields: sourceFields,
		Lookback:     lookback,
	}

	shape := sourceFields
	if len(src.Source.Filters) > 0 {
		st, err := filterStage(src.ID, src.Source.Filters, shape)
		if err != nil {
			return nil, err
		}
		plan.Stages = append(plan.Stages, st)
	}
	for _, n := range lineage[1 : len(lineage)-1] {
		st, err := transformStage(n, shape)
		if err != nil {
			return nil, err
		}
		plan.Stages = append(plan.Stages, st)
		shape = st.Output
	}
	plan.Shape = shape

	if err := checkOutput(out, shape); err != nil {
		return nil, err
	}

	for _, n := range lineage {
		plan.Lineage = append(plan.Lineage, n.ID)
	}
	plan.SeriesKeys = seriesPushdown(plan.Stages)
	plan.RollupEligible, plan.Granularities = c.rollupCoverage(plan.Stages)

	plan.Fingerprint, err = fingerprint(lineage, sourceFields)
	if err != nil {
		return nil, err
	}

	c.logger.Debugw("Plan compiled",
		"workflow_id", plan.WorkflowID,
		"output_node_id", plan.OutputNodeID,
		"stages", len(plan.Stages),
		"rollup_eligible", plan.RollupEligible,
		"fingerprint", plan.Fingerprint,
	)
	return plan, nil
}

// walkLineage follows single upstream edges from the output back to a source
// and returns the nodes in source-to-output order.
func walkLineage(snap *graph.Snapshot, outIdx int) ([]graph.Node, error) {
	visited := map[int]bool{outIdx: true}
	path := []int{outIdx}
	cur := outIdx
	for snap.Node(cur).Kind != graph.KindSource {
		node := snap.Node(cur)
		ups := snap.Upstream(cur)
		switch len(ups) {
		case 0:
			return nil, apperr.InvalidGraph(node.ID, "node has no inbound edge")
		case 1:
		default:
			return nil, apperr.InvalidGraph(node.ID, fmt.Sprintf("ambiguous lineage: %d inbound edges", len(ups)))
		}

		next := ups[0]
		if visited[next] {
			return nil, apperr.GraphCycle([]string{snap.Node(next).ID, node.ID})
		}
		if snap.Node(next).Kind == graph.KindOutput {
			return nil, apperr.InvalidGraph(snap.Node(next).ID, "output node cannot feed another node")
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}

	nodes := make([]graph.Node, len(path))
	for i, idx := range path {
		nodes[len(path)-1-i] = snap.Node(idx)
	}
	return nodes, nil
}

func checkOutput(out graph.Node, shape []schema.Field) error {
	switch out.Output.Kind {
	case graph.KPIOutput:
		if out.Output.Metric == "" {
			return apperr.InvalidGraph(out.ID, "kpi output has no metric")
		}
		f, ok := lookupField(shape, out.Output.Metric)
		if !ok {
			return apperr.UnresolvedField(out.ID, out.Output.Metric)
		}
		if !f.Type.Numeric() {
			return apperr.IncompatibleType(out.ID, f.Name, fmt.Sprintf("kpi metric must be numeric, got %s", f.Type))
		}
	case graph.ChartOutput, graph.TableOutput:
		if out.Output.Metric != "" {
			if _, ok := lookupField(shape, out.Output.Metric); !ok {
				return apperr.UnresolvedField(out.ID, out.Output.Metric)
			}
		}
	}
	return nil
}

// seriesPushdown returns the series keys pinned by the first eq/in filter on
// series_key ahead of any aggregate.
func seriesPushdown(stages []Stage) []string {
	for _, st := range stages {
		if st.Kind != StageFilter {
			return nil
		}
		for _, f := range st.Filters {
			if f.Field != "series_key" {
				continue
			}
			switch f.Op {
			case graph.FilterEq:
				if s, ok := f.Value.(string); ok {
					return []string{s}
				}
			case graph.FilterIn:
				if keys, ok := stringList(f.Value); ok && len(keys) > 0 {
					return keys
				}
			}
		}
	}
	return nil
}

func stringList(v any) ([]string, bool) {
	switch vs := v.(type) {
	case []string:
		return vs, true
	case []any:
		out := make([]string, 0, len(vs))
		for _, x := range vs {
			s, ok := x.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

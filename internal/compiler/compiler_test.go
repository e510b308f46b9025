package compiler

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

type staticFields map[string][]schema.Field

func (s staticFields) ResolveFields(_ context.Context, _ uuid.UUID, ref string) ([]schema.Field, error) {
	f, ok := s[ref]
	if !ok {
		return nil, apperr.SchemaNotFound(ref)
	}
	return f, nil
}

var fields = staticFields{
	"trades": {
		{Name: "series_key", Type: schema.String},
		{Name: "venue", Type: schema.String},
		{Name: "event_time", Type: schema.Timestamp},
		{Name: "price", Type: schema.Decimal},
		{Name: "quantity", Type: schema.Decimal},
		{Name: "notional", Type: schema.Decimal},
	},
}

func newCompiler() *Compiler {
	return New(fields, Options{Granularities: []store.Granularity{store.Hour, store.Day}}, zap.NewNop().Sugar())
}

func source(id string, filters ...graph.Filter) graph.Node {
	return graph.Node{ID: id, Kind: graph.KindSource, Source: &graph.SourceSpec{Ref: "trades", Filters: filters, Lookback: "6h"}}
}

func aggregate(id, bucket string, groupBy []string, aggs ...graph.Aggregation) graph.Node {
	return graph.Node{ID: id, Kind: graph.KindTransform, Transform: &graph.TransformSpec{
		Op: graph.OpAggregate, Bucket: bucket, GroupBy: groupBy, Aggregations: aggs,
	}}
}

func output(id string, kind graph.OutputKind, metric string) graph.Node {
	return graph.Node{ID: id, Kind: graph.KindOutput, Output: &graph.OutputSpec{Kind: kind, Metric: metric}}
}

func window(id string, w graph.WindowSpec) graph.Node {
	return graph.Node{ID: id, Kind: graph.KindTransform, Transform: &graph.TransformSpec{Op: graph.OpWindow, Window: &w}}
}

func build(t *testing.T, nodes []graph.Node, edges ...graph.Edge) *graph.Snapshot {
	t.Helper()
	s, err := graph.Build(graph.Definition{ID: "wf-1", TenantID: uuid.MustParse("6f1a3c0e-1d2b-4c5a-9e8f-0a1b2c3d4e5f"), Version: 1, Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	return s
}

func ohlc() []graph.Node {
	return []graph.Node{
		source("src", graph.Filter{Field: "series_key", Op: graph.FilterEq, Value: "AAPL"}),
		aggregate("agg", "hour", []string{"series_key"},
			graph.Aggregation{Func: graph.AggFirst, Field: "price", As: "open"},
			graph.Aggregation{Func: graph.AggMax, Field: "price", As: "high"},
			graph.Aggregation{Func: graph.AggLast, Field: "price", As: "close"},
			graph.Aggregation{Func: graph.AggVWAP, As: "vwap"},
			graph.Aggregation{Func: graph.AggCount},
		),
		output("out", graph.ChartOutput, "close"),
	}
}

func TestCompileRollupEligiblePlan(t *testing.T) {
	plan, err := newCompiler().Compile(context.Background(), build(t, ohlc()), "out")
	require.NoError(t, err)

	assert.Equal(t, []string{"src", "agg", "out"}, plan.Lineage)
	require.Len(t, plan.Stages, 2)
	assert.Equal(t, StageFilter, plan.Stages[0].Kind)
	assert.Equal(t, StageAggregate, plan.Stages[1].Kind)
	assert.Equal(t, 1, plan.AggregateIndex())
	assert.Equal(t, []string{"bucket_start", "series_key", "open", "high", "close", "vwap", "count"}, plan.Columns())
	assert.Equal(t, schema.Integer, plan.Shape[6].Type)
	assert.Equal(t, []string{"AAPL"}, plan.SeriesKeys)

	assert.True(t, plan.RollupEligible)
	assert.Equal(t, []store.Granularity{store.Hour}, plan.Granularities, "day does not divide an hour bucket")
	assert.Equal(t, store.Hour, plan.Granularity())
	assert.Equal(t, "6h0m0s", plan.Lookback.String())
	assert.Len(t, plan.Fingerprint, 64)
}

func TestCompileRollupIneligible(t *testing.T) {
	cases := map[string][]graph.Node{
		"group by non-series field": {
			source("src"),
			aggregate("agg", "hour", []string{"venue"}, graph.Aggregation{Func: graph.AggCount}),
			output("out", graph.TableOutput, ""),
		},
		"filter on non-series field": {
			source("src", graph.Filter{Field: "price", Op: graph.FilterGt, Value: 10}),
			aggregate("agg", "hour", nil, graph.Aggregation{Func: graph.AggCount}),
			output("out", graph.TableOutput, ""),
		},
		"avg is not materialized": {
			source("src"),
			aggregate("agg", "day", nil, graph.Aggregation{Func: graph.AggAvg, Field: "price"}),
			output("out", graph.TableOutput, ""),
		},
		"no aggregate": {
			source("src"),
			output("out", graph.TableOutput, ""),
		},
	}
	for name, nodes := range cases {
		t.Run(name, func(t *testing.T) {
			plan, err := newCompiler().Compile(context.Background(), build(t, nodes), "out")
			require.NoError(t, err)
			assert.False(t, plan.RollupEligible)
			assert.Equal(t, store.Granularity(""), plan.Granularity())
		})
	}
}

func TestCompileWindowAfterAggregate(t *testing.T) {
	nodes := ohlc()
	nodes = []graph.Node{
		nodes[0], nodes[1],
		window("ma", graph.WindowSpec{Func: graph.AggAvg, Field: "close", Size: 3, PartitionBy: []string{"series_key"}}),
		window("n", graph.WindowSpec{Func: graph.AggCount, Field: "close", Size: 3, As: "seen"}),
		nodes[2],
	}
	plan, err := newCompiler().Compile(context.Background(), build(t, nodes), "out")
	require.NoError(t, err)

	require.Len(t, plan.Stages, 4)
	assert.Equal(t, StageWindow, plan.Stages[2].Kind)
	assert.Equal(t, "close", plan.Stages[2].Window.Field)
	assert.Equal(t, []string{"bucket_start", "series_key", "open", "high", "close", "vwap", "count", "avg_close_3", "seen"}, plan.Columns())
	assert.Equal(t, schema.Decimal, plan.Shape[7].Type)
	assert.Equal(t, schema.Integer, plan.Shape[8].Type)
	assert.True(t, plan.RollupEligible, "stages after the aggregate run on merged rows")
}

func TestFingerprintIsDeterministic(t *testing.T) {
	c := newCompiler()
	a, err := c.Compile(context.Background(), build(t, ohlc()), "out")
	require.NoError(t, err)
	b, err := c.Compile(context.Background(), build(t, ohlc()), "out")
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	changed := ohlc()
	changed[1].Transform.Bucket = "day"
	d, err := c.Compile(context.Background(), build(t, changed), "out")
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, d.Fingerprint)
}

func TestCompileRejectsCycle(t *testing.T) {
	nodes := []graph.Node{
		source("src"),
		{ID: "b", Kind: graph.KindTransform, Transform: &graph.TransformSpec{Op: graph.OpFilter}},
		{ID: "c", Kind: graph.KindTransform, Transform: &graph.TransformSpec{Op: graph.OpFilter}},
		output("out", graph.TableOutput, ""),
	}
	snap := build(t, nodes,
		graph.Edge{From: "src", To: "b"},
		graph.Edge{From: "b", To: "c"},
		graph.Edge{From: "c", To: "b"},
		graph.Edge{From: "c", To: "out"},
	)

	plan, err := newCompiler().Compile(context.Background(), snap, "out")
	assert.Nil(t, plan)
	require.ErrorIs(t, err, apperr.ErrGraphCycle)

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, []string{"b", "c"}, appErr.NodeIDs)
}

func TestCompileValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		nodes  []graph.Node
		target string
		kind   error
		node   string
		field  string
	}{
		{
			name: "unknown filter field",
			nodes: []graph.Node{
				source("src", graph.Filter{Field: "symbol", Op: graph.FilterEq, Value: "AAPL"}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrUnresolvedField, node: "src", field: "symbol",
		},
		{
			name: "sum over string",
			nodes: []graph.Node{
				source("src"),
				aggregate("agg", "", nil, graph.Aggregation{Func: graph.AggSum, Field: "venue"}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrIncompatibleType, node: "agg", field: "venue",
		},
		{
			name: "range filter on string",
			nodes: []graph.Node{
				source("src", graph.Filter{Field: "venue", Op: graph.FilterGt, Value: "X"}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrIncompatibleType, node: "src", field: "venue",
		},
		{
			name: "projected column dropped by aggregate",
			nodes: []graph.Node{
				source("src"),
				aggregate("agg", "", []string{"series_key"}, graph.Aggregation{Func: graph.AggCount}),
				{ID: "proj", Kind: graph.KindTransform, Transform: &graph.TransformSpec{Op: graph.OpProject, Columns: []string{"price"}}},
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrUnresolvedField, node: "proj", field: "price",
		},
		{
			name: "kpi metric not numeric",
			nodes: []graph.Node{
				source("src"),
				output("out", graph.KPIOutput, "venue"),
			},
			target: "out", kind: apperr.ErrIncompatibleType, node: "out", field: "venue",
		},
		{
			name: "window over string",
			nodes: []graph.Node{
				source("src"),
				window("win", graph.WindowSpec{Func: graph.AggAvg, Field: "venue", Size: 3}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrIncompatibleType, node: "win", field: "venue",
		},
		{
			name: "window partition unknown",
			nodes: []graph.Node{
				source("src"),
				window("win", graph.WindowSpec{Func: graph.AggSum, Field: "price", Size: 3, PartitionBy: []string{"desk"}}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrUnresolvedField, node: "win", field: "desk",
		},
		{
			name: "window size zero",
			nodes: []graph.Node{
				source("src"),
				window("win", graph.WindowSpec{Func: graph.AggSum, Field: "price"}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrInvalidGraph, node: "win",
		},
		{
			name: "window function unknown",
			nodes: []graph.Node{
				source("src"),
				window("win", graph.WindowSpec{Func: "median", Field: "price", Size: 3}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrInvalidGraph, node: "win",
		},
		{
			name: "window alias collides",
			nodes: []graph.Node{
				source("src"),
				window("win", graph.WindowSpec{Func: graph.AggSum, Field: "price", Size: 3, As: "notional"}),
				output("out", graph.TableOutput, ""),
			},
			target: "out", kind: apperr.ErrInvalidGraph, node: "win",
		},
		{
			name: "target is not an output",
			nodes: []graph.Node{
				source("src"),
				output("out", graph.TableOutput, ""),
			},
			target: "src", kind: apperr.ErrInvalidGraph, node: "src",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCompiler().Compile(context.Background(), build(t, tt.nodes), tt.target)
			require.ErrorIs(t, err, tt.kind)

			var appErr *apperr.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.node, appErr.NodeID)
			assert.Equal(t, tt.field, appErr.Field)
		})
	}
}

func TestCompileRejectsAmbiguousLineage(t *testing.T) {
	nodes := []graph.Node{
		source("a"),
		source("b"),
		output("out", graph.TableOutput, ""),
	}
	snap := build(t, nodes, graph.Edge{From: "a", To: "out"}, graph.Edge{From: "b", To: "out"})
	_, err := newCompiler().Compile(context.Background(), snap, "out")
	assert.ErrorIs(t, err, apperr.ErrInvalidGraph)
}

func TestCompileUnknownSource(t *testing.T) {
	nodes := []graph.Node{
		{ID: "src", Kind: graph.KindSource, Source: &graph.SourceSpec{Ref: "quotes"}},
		output("out", graph.TableOutput, ""),
	}
	_, err := newCompiler().Compile(context.Background(), build(t, nodes), "out")
	assert.ErrorIs(t, err, apperr.ErrSchemaNotFound)
}

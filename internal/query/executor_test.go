package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/rollup"
	"github.com/Frowell/Flowforge-sub002/internal/schema"
	"github.com/Frowell/Flowforge-sub002/internal/store"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

var (
	nine    = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	tenantA = uuid.MustParse("0b7c1f5e-2a43-4d0e-8c1b-3e7f9a2d6c41")
	tenantB = uuid.MustParse("9d2e4a61-7b3c-4f58-a0e9-1c6b8d3f5e72")
	window  = TimeRange{From: nine, To: nine.Add(3 * time.Hour)}
)

type tradeFields struct{}

func (tradeFields) ResolveFields(context.Context, uuid.UUID, string) ([]schema.Field, error) {
	return []schema.Field{
		{Name: "series_key", Type: schema.String},
		{Name: "event_time", Type: schema.Timestamp},
		{Name: "price", Type: schema.Decimal},
		{Name: "quantity", Type: schema.Decimal},
		{Name: "notional", Type: schema.Decimal},
	}, nil
}

func ohlcAggregations() []graph.Aggregation {
	return []graph.Aggregation{
		{Func: graph.AggFirst, Field: "price", As: "open"},
		{Func: graph.AggMax, Field: "price", As: "high"},
		{Func: graph.AggMin, Field: "price", As: "low"},
		{Func: graph.AggLast, Field: "price", As: "close"},
		{Func: graph.AggSum, Field: "quantity", As: "volume"},
		{Func: graph.AggSum, Field: "notional", As: "notional"},
		{Func: graph.AggVWAP, As: "vwap"},
		{Func: graph.AggCount, As: "trades"},
	}
}

func compile(t *testing.T, owner uuid.UUID, nodes ...graph.Node) *compiler.Plan {
	t.Helper()
	snap, err := graph.Build(graph.Definition{ID: "wf", TenantID: owner, Version: 1, Nodes: nodes})
	require.NoError(t, err)
	c := compiler.New(tradeFields{}, compiler.Options{Granularities: []store.Granularity{store.Hour, store.Day}}, zap.NewNop().Sugar())
	plan, err := c.Compile(context.Background(), snap, nodes[len(nodes)-1].ID)
	require.NoError(t, err)
	return plan
}

func sourceNode(filters ...graph.Filter) graph.Node {
	return graph.Node{ID: "src", Kind: graph.KindSource, Source: &graph.SourceSpec{Ref: "trades", Filters: filters}}
}

func aggNode(bucket string, groupBy ...string) graph.Node {
	return graph.Node{ID: "agg", Kind: graph.KindTransform, Transform: &graph.TransformSpec{
		Op: graph.OpAggregate, Bucket: bucket, GroupBy: groupBy, Aggregations: ohlcAggregations(),
	}}
}

func tableNode() graph.Node {
	return graph.Node{ID: "out", Kind: graph.KindOutput, Output: &graph.OutputSpec{Kind: graph.TableOutput}}
}

// seed stores three hours of trades for two series of tenant A, an
// overlapping AAPL series for tenant B, and materializes every rollup.
func seed(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	m := rollup.NewMaintainer(st, rollup.Config{Granularities: []store.Granularity{store.Hour, store.Day}}, zap.NewNop().Sugar())

	var a, b []store.RawEvent
	for i := range 18 {
		at := nine.Add(time.Duration(i) * 10 * time.Minute)
		price := float64(100 + i%5)
		qty := float64(1 + i%3)
		for j, series := range []string{"AAPL", "MSFT"} {
			a = append(a, store.RawEvent{
				TenantID: tenantA, SeriesKey: series, EventTime: at,
				Price: price + float64(j), Quantity: qty, Notional: (price + float64(j)) * qty, IngestionSeq: int64(i + 1),
			})
		}
		b = append(b, store.RawEvent{TenantID: tenantB, SeriesKey: "AAPL", EventTime: at, Price: 999, Quantity: 1, Notional: 999, IngestionSeq: int64(i + 1)})
	}
	for id, events := range map[uuid.UUID][]store.RawEvent{tenantA: a, tenantB: b} {
		ctx := tenant.WithTenant(context.Background(), id)
		_, err := m.Ingest(ctx, events)
		require.NoError(t, err)
		require.NoError(t, m.Flush(ctx))
	}
	return st
}

func newExecutor(st store.Store, now time.Time) *Executor {
	e := NewExecutor(st, Config{QueryTimeout: time.Second}, zap.NewNop().Sugar())
	e.now = func() time.Time { return now }
	return e
}

func rawOnly(p *compiler.Plan) *compiler.Plan {
	cp := *p
	cp.RollupEligible = false
	cp.Granularities = nil
	return &cp
}

func TestMergedRollupAndRawMatchRawScan(t *testing.T) {
	st := seed(t)
	exec := newExecutor(st, nine.Add(2*time.Hour+30*time.Minute))
	ctx := tenant.WithTenant(context.Background(), tenantA)

	plans := map[string]*compiler.Plan{
		"hourly per series": compile(t, tenantA, sourceNode(), aggNode("hour", "series_key"), tableNode()),
		"whole range":       compile(t, tenantA, sourceNode(), aggNode("", "series_key"), tableNode()),
		"daily single series": compile(t, tenantA,
			sourceNode(graph.Filter{Field: "series_key", Op: graph.FilterEq, Value: "MSFT"}), aggNode("day"), tableNode()),
	}
	for name, plan := range plans {
		t.Run(name, func(t *testing.T) {
			require.True(t, plan.RollupEligible)

			merged, err := exec.Execute(ctx, plan, window)
			require.NoError(t, err)
			assert.Equal(t, SourceMixed, merged.Source)
			assert.Equal(t, store.Hour, merged.Granularity)

			raw, err := exec.Execute(ctx, rawOnly(plan), window)
			require.NoError(t, err)
			assert.Equal(t, SourceRaw, raw.Source)

			assert.NotEmpty(t, raw.Rows)
			assert.Equal(t, raw.Rows, merged.Rows)
		})
	}
}

func TestHourlyRowsAreOrderedByBucketThenSeries(t *testing.T) {
	exec := newExecutor(seed(t), nine.Add(24*time.Hour))
	plan := compile(t, tenantA, sourceNode(), aggNode("hour", "series_key"), tableNode())

	res, err := exec.Execute(tenant.WithTenant(context.Background(), tenantA), plan, window)
	require.NoError(t, err)
	assert.Equal(t, SourceRollup, res.Source)
	require.Len(t, res.Rows, 6)

	assert.Equal(t, nine, res.Rows[0]["bucket_start"])
	assert.Equal(t, "AAPL", res.Rows[0]["series_key"])
	assert.Equal(t, "MSFT", res.Rows[1]["series_key"])
	assert.Equal(t, nine.Add(2*time.Hour), res.Rows[5]["bucket_start"])
	assert.Equal(t, int64(6), res.Rows[0]["trades"])
	assert.Equal(t, plan.Columns(), res.Columns)
}

func TestUnalignedRangeReadsRaw(t *testing.T) {
	exec := newExecutor(seed(t), nine.Add(24*time.Hour))
	plan := compile(t, tenantA, sourceNode(), aggNode("", "series_key"), tableNode())

	res, err := exec.Execute(tenant.WithTenant(context.Background(), tenantA), plan,
		TimeRange{From: nine.Add(15 * time.Minute), To: nine.Add(45 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, SourceRaw, res.Source)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(3), res.Rows[0]["trades"])
}

func TestTenantIsolation(t *testing.T) {
	st := seed(t)
	exec := newExecutor(st, nine.Add(24*time.Hour))
	plan := compile(t, tenantA, sourceNode(graph.Filter{Field: "series_key", Op: graph.FilterEq, Value: "AAPL"}), tableNode())

	res, err := exec.Execute(tenant.WithTenant(context.Background(), tenantA), plan, window)
	require.NoError(t, err)
	require.Len(t, res.Rows, 18)
	for _, row := range res.Rows {
		assert.NotEqual(t, 999.0, row["price"], "tenant B rows must never reach tenant A")
	}

	_, err = exec.Execute(context.Background(), plan, window)
	assert.ErrorIs(t, err, apperr.ErrIsolationViolation)

	_, err = exec.Execute(tenant.WithTenant(context.Background(), tenantB), plan, window)
	assert.ErrorIs(t, err, apperr.ErrIsolationViolation)
}

type leakyStore struct {
	store.Store
	foreign uuid.UUID
}

func (l leakyStore) ScanEvents(context.Context, store.Scope, store.EventQuery) ([]store.RawEvent, error) {
	return []store.RawEvent{{TenantID: l.foreign, SeriesKey: "AAPL", EventTime: nine}}, nil
}

func TestForeignRowsFailClosed(t *testing.T) {
	exec := newExecutor(leakyStore{foreign: tenantB}, nine)
	plan := compile(t, tenantA, sourceNode(), tableNode())

	res, err := exec.Execute(tenant.WithTenant(context.Background(), tenantA), plan, window)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperr.ErrIsolationViolation)
}

type blockingStore struct{ store.Store }

func (blockingStore) ScanEvents(ctx context.Context, _ store.Scope, _ store.EventQuery) ([]store.RawEvent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type brokenStore struct{ store.Store }

func (brokenStore) ScanEvents(context.Context, store.Scope, store.EventQuery) ([]store.RawEvent, error) {
	return nil, errors.New("connection refused")
}

func TestExecutionErrors(t *testing.T) {
	plan := compile(t, tenantA, sourceNode(), tableNode())
	ctx := tenant.WithTenant(context.Background(), tenantA)

	slow := NewExecutor(blockingStore{}, Config{QueryTimeout: 20 * time.Millisecond}, zap.NewNop().Sugar())
	res, err := slow.Execute(ctx, plan, window)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperr.ErrExecutionTimeout)
	assert.True(t, apperr.Retryable(err))

	broken := NewExecutor(brokenStore{}, Config{}, zap.NewNop().Sugar())
	_, err = broken.Execute(ctx, plan, window)
	assert.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.ErrorContains(t, err, "connection refused")
}

func TestMatches(t *testing.T) {
	tests := []struct {
		filter graph.Filter
		value  any
		want   bool
	}{
		{graph.Filter{Op: graph.FilterEq, Value: "AAPL"}, "AAPL", true},
		{graph.Filter{Op: graph.FilterNeq, Value: "AAPL"}, "AAPL", false},
		{graph.Filter{Op: graph.FilterIn, Value: []any{"MSFT", "AAPL"}}, "AAPL", true},
		{graph.Filter{Op: graph.FilterGt, Value: 100}, 100.5, true},
		{graph.Filter{Op: graph.FilterLte, Value: 100}, 100.5, false},
		{graph.Filter{Op: graph.FilterGte, Value: "2024-03-04T09:00:00Z"}, nine, true},
		{graph.Filter{Op: graph.FilterLt, Value: "2024-03-04T09:00:00Z"}, nine, false},
		{graph.Filter{Op: graph.FilterEq, Value: 1}, nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matches(tt.filter, tt.value), "%s %v %v", tt.filter.Op, tt.filter.Value, tt.value)
	}
}

type pendingAt struct {
	g    store.Granularity
	from time.Time
}

func (p pendingAt) EarliestUnmaterialized(_ uuid.UUID, g store.Granularity, _ []string, from time.Time) (time.Time, bool) {
	if g != p.g || p.from.Before(from) {
		return time.Time{}, false
	}
	return p.from, true
}

func TestUnflushedBucketsReadRaw(t *testing.T) {
	st := store.NewMemoryStore()
	m := rollup.NewMaintainer(st, rollup.Config{Granularities: []store.Granularity{store.Hour, store.Day}}, zap.NewNop().Sugar())
	ctx := tenant.WithTenant(context.Background(), tenantA)
	_, err := m.Ingest(ctx, []store.RawEvent{
		{TenantID: tenantA, SeriesKey: "AAPL", EventTime: nine.Add(30 * time.Minute), Price: 100, Quantity: 2, Notional: 200, IngestionSeq: 1},
	})
	require.NoError(t, err)

	plan := compile(t, tenantA, sourceNode(), aggNode("hour", "series_key"), tableNode())
	tr := TimeRange{From: nine, To: nine.Add(time.Hour + time.Second)}
	now := tr.To

	t.Run("without pending buckets the closed hour is lost", func(t *testing.T) {
		res, err := newExecutor(st, now).Execute(ctx, plan, tr)
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
	})

	t.Run("dirty bucket moves the cut back", func(t *testing.T) {
		res, err := newExecutor(st, now).WithPendingBuckets(m).Execute(ctx, plan, tr)
		require.NoError(t, err)
		assert.Equal(t, SourceRaw, res.Source)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, int64(1), res.Rows[0]["trades"])
		assert.Equal(t, []string{"AAPL"}, res.Series)
	})

	t.Run("static pending bucket", func(t *testing.T) {
		res, err := newExecutor(st, now).WithPendingBuckets(pendingAt{g: store.Hour, from: nine}).Execute(ctx, plan, tr)
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
	})

	require.NoError(t, m.Flush(ctx))
	t.Run("after flush the rollup serves it", func(t *testing.T) {
		res, err := newExecutor(st, now).WithPendingBuckets(m).Execute(ctx, plan, tr)
		require.NoError(t, err)
		assert.Equal(t, SourceMixed, res.Source)
		require.Len(t, res.Rows, 1)
		assert.Equal(t, int64(1), res.Rows[0]["trades"])
	})
}

func TestFreshnessLagKeepsRecentBucketsRaw(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := tenant.WithTenant(context.Background(), tenantA)
	scope, err := store.ScopeFromContext(ctx)
	require.NoError(t, err)
	_, err = st.AppendEvents(ctx, scope, []store.RawEvent{
		{TenantID: tenantA, SeriesKey: "AAPL", EventTime: nine.Add(30 * time.Minute), Price: 100, Quantity: 2, Notional: 200, IngestionSeq: 1},
	})
	require.NoError(t, err)

	plan := compile(t, tenantA, sourceNode(), aggNode("hour", "series_key"), tableNode())
	tr := TimeRange{From: nine, To: nine.Add(time.Hour + time.Second)}
	exec := NewExecutor(st, Config{QueryTimeout: time.Second, FreshnessLag: time.Minute}, zap.NewNop().Sugar())
	exec.now = func() time.Time { return tr.To }

	res, err := exec.Execute(ctx, plan, tr)
	require.NoError(t, err)
	assert.Equal(t, SourceRaw, res.Source)
	require.Len(t, res.Rows, 1)
}

func TestSeriesSurviveProjectionAndAggregation(t *testing.T) {
	st := seed(t)
	exec := newExecutor(st, nine.Add(3*time.Hour))
	ctx := tenant.WithTenant(context.Background(), tenantA)

	project := graph.Node{ID: "proj", Kind: graph.KindTransform, Transform: &graph.TransformSpec{
		Op: graph.OpProject, Columns: []string{"event_time", "price"},
	}}
	plans := map[string]*compiler.Plan{
		"projection":         compile(t, tenantA, sourceNode(), project, tableNode()),
		"aggregate":          compile(t, tenantA, sourceNode(), aggNode(""), tableNode()),
		"raw aggregate":      rawOnly(compile(t, tenantA, sourceNode(), aggNode(""), tableNode())),
		"filtered aggregate": compile(t, tenantA, sourceNode(graph.Filter{Field: "series_key", Op: graph.FilterEq, Value: "MSFT"}), aggNode(""), tableNode()),
	}
	want := map[string][]string{
		"projection":         {"AAPL", "MSFT"},
		"aggregate":          {"AAPL", "MSFT"},
		"raw aggregate":      {"AAPL", "MSFT"},
		"filtered aggregate": {"MSFT"},
	}
	for name, plan := range plans {
		t.Run(name, func(t *testing.T) {
			res, err := exec.Execute(ctx, plan, window)
			require.NoError(t, err)
			require.NotEmpty(t, res.Rows)
			assert.NotContains(t, res.Columns, "series_key")
			assert.Equal(t, want[name], res.Series)
		})
	}
}

func TestWindowMovingAverage(t *testing.T) {
	st := seed(t)
	exec := newExecutor(st, nine.Add(3*time.Hour))
	ctx := tenant.WithTenant(context.Background(), tenantA)

	ma := graph.Node{ID: "ma", Kind: graph.KindTransform, Transform: &graph.TransformSpec{
		Op: graph.OpWindow,
		Window: &graph.WindowSpec{
			Func: graph.AggAvg, Field: "close", Size: 2, PartitionBy: []string{"series_key"}, As: "ma2",
		},
	}}
	plan := compile(t, tenantA, sourceNode(), aggNode("hour", "series_key"), ma, tableNode())
	assert.Contains(t, plan.Columns(), "ma2")

	res, err := exec.Execute(ctx, plan, window)
	require.NoError(t, err)
	raw, err := exec.Execute(ctx, rawOnly(plan), window)
	require.NoError(t, err)
	assert.Equal(t, raw.Rows, res.Rows)

	// Hourly closes are 100, 101, 102 for AAPL and one more for MSFT.
	got := map[string][]any{}
	for _, r := range res.Rows {
		s := r["series_key"].(string)
		got[s] = append(got[s], r["ma2"])
	}
	assert.Equal(t, []any{100.0, 100.5, 101.5}, got["AAPL"])
	assert.Equal(t, []any{101.0, 101.5, 102.5}, got["MSFT"])
}

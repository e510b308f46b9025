// Package query executes compiled plans against the analytics store.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/metrics"
	"github.com/Frowell/Flowforge-sub002/internal/store"
)

// TimeRange is the half-open interval [From, To).
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Empty reports whether the range selects nothing.
func (r TimeRange) Empty() bool { return !r.To.After(r.From) }

// Source tells where result rows were read from.
type Source string

const (
	SourceRaw    Source = "raw"
	SourceRollup Source = "rollup"
	SourceMixed  Source = "mixed"
)

// Row is one result record keyed by column name.
type Row = map[string]any

// Result holds the rows of one execution in the plan's final shape.
type Result struct {
	Columns     []string
	Rows        []Row
	Source      Source
	Granularity store.Granularity
	// Series lists, sorted, every series_key that contributed to Rows, even
	// when the final shape no longer carries the column.
	Series []string
}

// PendingBuckets reports rollup buckets whose rows are not materialized yet.
type PendingBuckets interface {
	// EarliestUnmaterialized returns the earliest bucket of g starting at or
	// after from that is dirty or being recomputed. Nil seriesKeys means
	// every series of the tenant.
	EarliestUnmaterialized(tenantID uuid.UUID, g store.Granularity, seriesKeys []string, from time.Time) (time.Time, bool)
}

// Config tunes the executor.
type Config struct {
	QueryTimeout time.Duration
	// FreshnessLag keeps buckets closed less than this long ago on the raw path.
	FreshnessLag time.Duration
}

// Executor runs plans. It is safe for concurrent use.
type Executor struct {
	store   store.Store
	timeout time.Duration
	lag     time.Duration
	pending PendingBuckets
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewExecutor creates an executor reading from st.
func NewExecutor(st store.Store, cfg Config, logger *zap.SugaredLogger) *Executor {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	return &Executor{
		store:   st,
		timeout: cfg.QueryTimeout,
		lag:     cfg.FreshnessLag,
		logger:  logger,
		now:     time.Now,
	}
}

// WithPendingBuckets makes rollup reads stop at the first bucket p reports
// as not materialized; later data is read raw.
func (e *Executor) WithPendingBuckets(p PendingBuckets) *Executor {
	e.pending = p
	return e
}

// Execute runs plan over tr for the tenant bound to ctx. It returns either
// every row or an error, never a partial result.
func (e *Executor) Execute(ctx context.Context, plan *compiler.Plan, tr TimeRange) (*Result, error) {
	scope, err := store.ScopeFromContext(ctx)
	if err != nil {
		e.logger.Errorw("Unscoped query rejected", "workflow_id", plan.WorkflowID, "error", err)
		metrics.QueryErrors.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}
	if plan.TenantID != scope.Tenant() {
		err := apperr.IsolationViolation("query.Execute", "plan belongs to another tenant")
		e.logger.Errorw("Cross-tenant query rejected",
			"tenant_id", scope.Tenant(),
			"plan_tenant_id", plan.TenantID,
			"workflow_id", plan.WorkflowID,
		)
		metrics.QueryErrors.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, err
	}

	res := &Result{Columns: plan.Columns(), Rows: []Row{}, Source: SourceRaw}
	if tr.Empty() {
		return res, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	x := &execution{Executor: e, scope: scope, plan: plan, tr: tr}
	records, err := x.run(ctx)
	if err != nil {
		err = classify(ctx, err)
		metrics.QueryErrors.WithLabelValues(string(apperr.KindOf(err))).Inc()
		if apperr.KindOf(err) == apperr.KindIsolationViolation {
			e.logger.Errorw("Store returned foreign rows", "tenant_id", scope.Tenant(), "error", err)
		}
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(ctx, err)
	}

	res.Source, res.Granularity = x.source, x.granularity
	for _, r := range records {
		res.Rows = append(res.Rows, r.vals)
		res.Series = addSeries(res.Series, r.series...)
	}
	metrics.QueryDuration.WithLabelValues(string(res.Source)).Observe(time.Since(start).Seconds())
	e.logger.Debugw("Plan executed",
		"workflow_id", plan.WorkflowID,
		"output_node_id", plan.OutputNodeID,
		"source", res.Source,
		"granularity", res.Granularity,
		"rows", len(res.Rows),
		"duration", time.Since(start),
	)
	return res, nil
}

func classify(ctx context.Context, err error) error {
	switch {
	case apperr.KindOf(err) != apperr.KindUnknown:
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return apperr.ExecutionTimeout("query.Execute", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return apperr.StoreUnavailable("query.Execute", err)
	}
}

// execution carries the state of one Execute call.
type execution struct {
	*Executor
	scope store.Scope
	plan  *compiler.Plan
	tr    TimeRange

	source      Source
	granularity store.Granularity
}

func (x *execution) run(ctx context.Context) ([]record, error) {
	x.source = SourceRaw
	if x.plan.RollupEligible {
		if g, cut, ok := x.rollupCut(); ok {
			return x.runMerged(ctx, g, cut)
		}
	}
	events, err := x.scanEvents(ctx, x.tr.From, x.tr.To)
	if err != nil {
		return nil, err
	}
	records := eventRecords(events, x.plan)
	return applyStages(x.plan.Stages, records), nil
}

// rollupCut picks the coarsest granularity aligned with the range start and
// the boundary up to which closed rollup buckets are read. The boundary
// never passes a bucket that is still dirty.
func (x *execution) rollupCut() (store.Granularity, time.Time, bool) {
	limit := x.tr.To
	if fresh := x.now().Add(-x.lag); fresh.Before(limit) {
		limit = fresh
	}
	for _, g := range x.plan.Granularities {
		if !g.Aligned(x.tr.From) {
			continue
		}
		cut := g.Truncate(limit)
		if x.pending != nil {
			if first, ok := x.pending.EarliestUnmaterialized(x.scope.Tenant(), g, x.plan.SeriesKeys, x.tr.From); ok && first.Before(cut) {
				cut = first
			}
		}
		if cut.After(x.tr.From) {
			return g, cut, true
		}
	}
	return "", time.Time{}, false
}

func (x *execution) scanEvents(ctx context.Context, from, to time.Time) ([]store.RawEvent, error) {
	events, err := x.store.ScanEvents(ctx, x.scope, store.EventQuery{SeriesKeys: x.plan.SeriesKeys, From: from, To: to})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if !x.scope.Owns(ev.TenantID) {
			return nil, apperr.IsolationViolation("query.scanEvents", "store returned an event of another tenant")
		}
	}
	return events, nil
}

func (x *execution) scanRollups(ctx context.Context, g store.Granularity, from, to time.Time) ([]store.RollupRow, error) {
	rows, err := x.store.ScanRollups(ctx, x.scope, store.RollupQuery{Granularity: g, SeriesKeys: x.plan.SeriesKeys, From: from, To: to})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if !x.scope.Owns(r.TenantID) {
			return nil, apperr.IsolationViolation("query.scanRollups", "store returned a rollup of another tenant")
		}
	}
	return rows, nil
}

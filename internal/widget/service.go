package widget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/event"
	"github.com/Frowell/Flowforge-sub002/internal/graph"
	"github.com/Frowell/Flowforge-sub002/internal/metrics"
	"github.com/Frowell/Flowforge-sub002/internal/query"
	"github.com/Frowell/Flowforge-sub002/internal/rollup"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

// Config tunes caching and retries.
type Config struct {
	ResultTTL      time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	// MaxEntries bounds the result cache, stale entries included.
	MaxEntries int
}

// Service answers widget reads.
type Service struct {
	meta     Metadata
	compiler Compiler
	executor Executor
	notifier Notifier
	schemas  SchemaInvalidator
	cfg      Config
	logger   *zap.SugaredLogger
	now      func() time.Time

	plans   *planCache
	results *resultCache
	flight  singleflight.Group
}

// NewService wires a widget service.
func NewService(meta Metadata, comp Compiler, exec Executor, notifier Notifier, cfg Config, logger *zap.SugaredLogger) (*Service, error) {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	results, err := newResultCache(cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Service{
		meta:     meta,
		compiler: comp,
		executor: exec,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		plans:    newPlanCache(),
		results:  results,
	}, nil
}

// WithSchemaInvalidator lets HandleSchemaChange drop cached source schemas.
func (s *Service) WithSchemaInvalidator(inv SchemaInvalidator) *Service {
	s.schemas = inv
	return s
}

func tenantOf(ctx context.Context, op string) (uuid.UUID, error) {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		return uuid.Nil, apperr.IsolationViolation(op, "no tenant bound to context")
	}
	return id, nil
}

// GetWidgetData returns the rows of a widget for the tenant bound to ctx.
func (s *Service) GetWidgetData(ctx context.Context, widgetID string, opts ReadOptions) (*Data, error) {
	tenantID, err := tenantOf(ctx, "widget.GetWidgetData")
	if err != nil {
		s.logger.Errorw("Widget read without tenant", "widget_id", widgetID)
		return nil, err
	}

	def, snap, err := s.resolve(ctx, tenantID, widgetID)
	if err != nil {
		return nil, err
	}
	plan, err := s.planFor(ctx, tenantID, def, snap)
	if err != nil {
		return nil, err
	}

	tr, rangeKey := s.timeRange(plan, opts)
	key := resultKey{tenant: tenantID, widgetID: widgetID, fingerprint: plan.Fingerprint, rangeKey: rangeKey}

	if entry, ok := s.results.get(key); ok && entry.fresh(s.now()) {
		metrics.ResultCacheLookups.WithLabelValues("hit").Inc()
		return s.present(def, snap, plan, entry, false)
	}
	metrics.ResultCacheLookups.WithLabelValues("miss").Inc()

	v, err, _ := s.flight.Do(key.String(), func() (any, error) {
		if entry, ok := s.results.get(key); ok && entry.fresh(s.now()) {
			return entry, nil
		}
		// Other callers wait on this flight; one caller's cancellation must
		// not fail them.
		res, err := s.executeWithRetry(context.WithoutCancel(ctx), plan, tr)
		if err != nil {
			return nil, err
		}
		now := s.now()
		entry := &resultEntry{
			workflowID: plan.WorkflowID,
			seriesKeys: plan.SeriesKeys,
			result:     res,
			computedAt: now,
			expiresAt:  now.Add(s.cfg.ResultTTL),
		}
		s.results.put(key, entry)
		s.notifier.Publish(tenantID, []string{widgetID}, event.ReasonWidgetUpdated)
		return entry, nil
	})
	if err != nil {
		return s.fallback(def, snap, plan, key, err)
	}
	return s.present(def, snap, plan, v.(*resultEntry), false)
}

func (s *Service) resolve(ctx context.Context, tenantID uuid.UUID, widgetID string) (*Definition, *graph.Snapshot, error) {
	def, err := s.meta.GetWidget(ctx, tenantID, widgetID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, apperr.WidgetNotFound(widgetID)
	}
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, nil, err
		}
		return nil, nil, apperr.StoreUnavailable("widget.resolve", fmt.Errorf("get widget %s: %w", widgetID, err))
	}
	if def.TenantID != tenantID {
		s.logger.Errorw("Metadata returned a widget of another tenant", "widget_id", widgetID, "tenant_id", tenantID)
		return nil, nil, apperr.IsolationViolation("widget.resolve", "widget belongs to another tenant")
	}

	snap, err := s.meta.GetWorkflow(ctx, tenantID, def.WorkflowID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, apperr.DanglingReference(def.SourceNodeID, fmt.Sprintf("workflow %s no longer exists", def.WorkflowID))
	}
	if err != nil {
		// A saved graph that fails validation keeps its compilation kind.
		if apperr.KindOf(err) != apperr.KindUnknown {
			return nil, nil, err
		}
		return nil, nil, apperr.StoreUnavailable("widget.resolve", fmt.Errorf("get workflow %s: %w", def.WorkflowID, err))
	}
	if snap.TenantID != tenantID {
		s.logger.Errorw("Metadata returned a workflow of another tenant", "workflow_id", def.WorkflowID, "tenant_id", tenantID)
		return nil, nil, apperr.IsolationViolation("widget.resolve", "workflow belongs to another tenant")
	}
	if _, ok := snap.Lookup(def.SourceNodeID); !ok {
		return nil, nil, apperr.DanglingReference(def.SourceNodeID, fmt.Sprintf("node no longer exists in workflow %s", def.WorkflowID))
	}
	return def, snap, nil
}

func (s *Service) planFor(ctx context.Context, tenantID uuid.UUID, def *Definition, snap *graph.Snapshot) (*compiler.Plan, error) {
	k := planKey{tenant: tenantID, workflowID: snap.WorkflowID, nodeID: def.SourceNodeID}
	plan, ok := s.plans.get(k, snap.Version)
	if ok {
		metrics.PlanCacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.PlanCacheLookups.WithLabelValues("miss").Inc()
		var err error
		plan, err = s.compiler.Compile(ctx, snap, def.SourceNodeID)
		if err != nil {
			return nil, err
		}
		s.plans.put(k, plan)
	}
	s.plans.bind(widgetRef{tenant: tenantID, widgetID: def.ID}, k)
	return plan, nil
}

// timeRange resolves the read range and its cache key. The default range
// ends now and starts one lookback earlier, aligned to the plan bucket so
// rollups can serve it.
func (s *Service) timeRange(plan *compiler.Plan, opts ReadOptions) (query.TimeRange, string) {
	if opts.Range != nil {
		tr := query.TimeRange{From: opts.Range.From.UTC(), To: opts.Range.To.UTC()}
		return tr, strconv.FormatInt(tr.From.UnixNano(), 10) + "-" + strconv.FormatInt(tr.To.UnixNano(), 10)
	}

	now := s.now().UTC()
	from := now.Add(-plan.Lookback)
	if idx := plan.AggregateIndex(); idx >= 0 && plan.Stages[idx].Bucket != "" {
		from = plan.Stages[idx].Bucket.Truncate(from)
	} else if n := len(plan.Granularities); plan.RollupEligible && n > 0 {
		from = plan.Granularities[n-1].Truncate(from)
	}
	return query.TimeRange{From: from, To: now}, "lookback"
}

func (s *Service) executeWithRetry(ctx context.Context, plan *compiler.Plan, tr query.TimeRange) (*query.Result, error) {
	eb := backoff.NewExponentialBackoff()
	eb.InitialInterval = s.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.MaxRetries)), ctx)

	var res *query.Result
	op := func() error {
		var err error
		res, err = s.executor.Execute(ctx, plan, tr)
		if err != nil && !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warnw("Retrying widget query",
			"workflow_id", plan.WorkflowID,
			"output_node_id", plan.OutputNodeID,
			"wait", wait,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return res, nil
}

// fallback serves the last cached rows for key after a transient failure.
func (s *Service) fallback(def *Definition, snap *graph.Snapshot, plan *compiler.Plan, key resultKey, cause error) (*Data, error) {
	if !apperr.Retryable(cause) {
		if apperr.KindOf(cause) == apperr.KindIsolationViolation {
			s.logger.Errorw("Widget read failed closed", "widget_id", def.ID, "error", cause)
		}
		return nil, cause
	}
	s.logger.Warnw("Widget data unavailable after retries", "widget_id", def.ID, "error", cause)
	entry, ok := s.results.get(key)
	if !ok {
		return nil, apperr.DataUnavailable("widget.GetWidgetData", cause)
	}
	metrics.ResultCacheLookups.WithLabelValues("stale").Inc()
	return s.present(def, snap, plan, entry, true)
}

func (s *Service) present(def *Definition, snap *graph.Snapshot, plan *compiler.Plan, entry *resultEntry, stale bool) (*Data, error) {
	cols, rows, hint, err := normalize(plan, def, entry.result)
	if err != nil {
		return nil, err
	}
	title, err := RenderTitle(def.Title, titleContext(def, snap))
	if err != nil {
		s.logger.Warnw("Failed to render widget title", "widget_id", def.ID, "error", err)
	}
	data := &Data{
		WidgetID:    def.ID,
		Title:       title,
		OutputKind:  plan.Output.Kind,
		ChartHint:   hint,
		Columns:     cols,
		Rows:        rows,
		ComputedAt:  entry.computedAt,
		Stale:       stale,
		Source:      entry.result.Source,
		Granularity: entry.result.Granularity,
	}
	if stale {
		data.Status = StatusUnavailable
	}
	return data, nil
}

// HandleGraphChange invalidates the plans of a saved workflow whose lineage
// contains a changed node (all plans when changedNodeIDs is empty), drops
// their cached rows and pushes a refresh to affected widgets.
func (s *Service) HandleGraphChange(ctx context.Context, workflowID string, changedNodeIDs []string) ([]string, error) {
	tenantID, err := tenantOf(ctx, "widget.HandleGraphChange")
	if err != nil {
		return nil, err
	}

	dropped, widgets := s.plans.dropWorkflow(tenantID, workflowID, changedNodeIDs)
	fingerprints := make(map[string]bool, len(dropped))
	for _, p := range dropped {
		fingerprints[p.Fingerprint] = true
	}
	s.results.remove(func(k resultKey, e *resultEntry) bool {
		return k.tenant == tenantID && e.workflowID == workflowID && fingerprints[k.fingerprint]
	})

	// Widgets never read since startup have no cached plan but may still point
	// at a changed or deleted node.
	defs, err := s.meta.ListWidgets(ctx, tenantID, workflowID)
	if err != nil {
		s.logger.Warnw("Failed to list workflow widgets", "workflow_id", workflowID, "error", err)
	}
	changed := make(map[string]bool, len(changedNodeIDs))
	for _, id := range changedNodeIDs {
		changed[id] = true
	}
	for _, d := range defs {
		if _, bound := s.plans.planForWidget(widgetRef{tenant: tenantID, widgetID: d.ID}); bound {
			continue
		}
		if len(changed) == 0 || changed[d.SourceNodeID] {
			widgets = append(widgets, d.ID)
		}
	}

	widgets = dedupe(widgets)
	s.logger.Infow("Graph change handled",
		"tenant_id", tenantID,
		"workflow_id", workflowID,
		"changed_nodes", len(changedNodeIDs),
		"plans_dropped", len(dropped),
		"widgets", len(widgets),
	)
	if len(widgets) > 0 {
		s.notifier.Publish(tenantID, widgets, event.ReasonGraphChanged)
	}
	return widgets, nil
}

// HandleSchemaChange drops cached schema and plans reading sourceRef.
func (s *Service) HandleSchemaChange(ctx context.Context, sourceRef string) ([]string, error) {
	tenantID, err := tenantOf(ctx, "widget.HandleSchemaChange")
	if err != nil {
		return nil, err
	}
	if s.schemas != nil {
		s.schemas.Invalidate(tenantID, sourceRef)
	}
	widgets := dedupe(s.plans.dropSource(tenantID, sourceRef))
	if len(widgets) > 0 {
		s.notifier.Publish(tenantID, widgets, event.ReasonGraphChanged)
	}
	return widgets, nil
}

// HandleRollupCommit expires cached rows that read committed series and
// pushes a refresh to their viewers. It is a rollup.CommitHandler.
func (s *Service) HandleRollupCommit(_ context.Context, c rollup.Commit) {
	widgets := s.results.expire(func(k resultKey, e *resultEntry) bool {
		return k.tenant == c.TenantID && seriesOverlap(e.seriesKeys, c.SeriesKeys)
	})

	for _, w := range s.notifier.Subscribers(c.TenantID) {
		plan, ok := s.plans.planForWidget(widgetRef{tenant: c.TenantID, widgetID: w})
		if !ok || seriesOverlap(plan.SeriesKeys, c.SeriesKeys) {
			widgets = append(widgets, w)
		}
	}

	widgets = dedupe(widgets)
	if len(widgets) == 0 {
		return
	}
	s.logger.Debugw("Rollup commit invalidated widgets", "tenant_id", c.TenantID, "widgets", len(widgets))
	s.notifier.Publish(c.TenantID, widgets, event.ReasonDataCommitted)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return ids
	}
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

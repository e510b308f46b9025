package rollup

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Frowell/Flowforge-sub002/internal/metrics"
	"github.com/Frowell/Flowforge-sub002/internal/store"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

// Commit describes the buckets of one tenant replaced by a flush.
type Commit struct {
	TenantID   uuid.UUID
	SeriesKeys []string
	Buckets    []store.BucketKey
}

// CommitHandler is invoked after rollup rows are replaced.
type CommitHandler func(ctx context.Context, c Commit)

// Config tunes the maintainer.
type Config struct {
	Granularities  []store.Granularity
	DebounceWindow time.Duration
	Workers        int
}

type seriesRef struct {
	tenant uuid.UUID
	series string
}

// Maintainer ingests raw events and recomputes the rollup buckets they touch.
type Maintainer struct {
	store    store.Store
	cfg      Config
	logger   *zap.SugaredLogger
	workerID string

	mu    sync.Mutex
	dirty map[store.BucketKey]struct{}
	// inflight holds buckets taken by a running flush.
	inflight map[store.BucketKey]struct{}
	lastSeq  map[seriesRef]int64
	handlers []CommitHandler

	kick chan struct{}
}

// NewMaintainer creates a maintainer writing to st.
func NewMaintainer(st store.Store, cfg Config, logger *zap.SugaredLogger) *Maintainer {
	if len(cfg.Granularities) == 0 {
		cfg.Granularities = []store.Granularity{store.Hour, store.Day}
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 2 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Maintainer{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		workerID: fmt.Sprintf("rollup-%s", uuid.New().String()[:8]),
		dirty:    make(map[store.BucketKey]struct{}),
		inflight: make(map[store.BucketKey]struct{}),
		lastSeq:  make(map[seriesRef]int64),
		kick:     make(chan struct{}, 1),
	}
}

// OnCommit registers a handler called after every flush that replaced rows.
func (m *Maintainer) OnCommit(h CommitHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Ingest stores events for the tenant bound to ctx and marks their buckets
// dirty. It returns the number of newly stored events.
func (m *Maintainer) Ingest(ctx context.Context, events []store.RawEvent) (int, error) {
	scope, err := store.ScopeFromContext(ctx)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	n, err := m.store.AppendEvents(ctx, scope, events)
	if err != nil {
		return 0, fmt.Errorf("append events: %w", err)
	}
	metrics.EventsIngested.Add(float64(n))

	m.mu.Lock()
	for _, e := range events {
		ref := seriesRef{tenant: e.TenantID, series: e.SeriesKey}
		if last, ok := m.lastSeq[ref]; ok && e.IngestionSeq < last {
			metrics.SeqRegressions.Inc()
			m.logger.Warnw("Ingestion sequence went backwards",
				"tenant_id", e.TenantID,
				"series_key", e.SeriesKey,
				"ingestion_seq", e.IngestionSeq,
				"last_seq", last,
			)
		} else {
			m.lastSeq[ref] = e.IngestionSeq
		}
		for _, g := range m.cfg.Granularities {
			m.dirty[store.KeyFor(e, g)] = struct{}{}
		}
	}
	metrics.DirtyBuckets.Set(float64(len(m.dirty)))
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
	return n, nil
}

// Pending returns the number of dirty buckets.
func (m *Maintainer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// Run drives the debounce loop until ctx is done, then flushes what is left.
func (m *Maintainer) Run(ctx context.Context) {
	m.logger.Infow("Starting rollup loop",
		"worker_id", m.workerID,
		"debounce", m.cfg.DebounceWindow,
		"workers", m.cfg.Workers,
	)
	detached := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			m.shutdownFlush(detached)
			return
		case <-m.kick:
			timer := time.NewTimer(m.cfg.DebounceWindow)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				m.shutdownFlush(detached)
				return
			}
			if err := m.Flush(detached); err != nil {
				m.logger.Errorw("Rollup flush failed", "worker_id", m.workerID, "error", err)
			}
		}
	}
}

func (m *Maintainer) shutdownFlush(ctx context.Context) {
	if err := m.Flush(ctx); err != nil {
		m.logger.Errorw("Final rollup flush failed", "worker_id", m.workerID, "error", err)
	}
	m.logger.Info("Rollup loop stopped")
}

// Flush recomputes every dirty bucket on the worker pool. Failed buckets are
// marked dirty again. Jobs run detached from ctx cancellation.
func (m *Maintainer) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := make([]store.BucketKey, 0, len(m.dirty))
	for k := range m.dirty {
		batch = append(batch, k)
		m.inflight[k] = struct{}{}
	}
	clear(m.dirty)
	metrics.DirtyBuckets.Set(0)
	handlers := append([]CommitHandler(nil), m.handlers...)
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].String() < batch[j].String() })

	jobCtx := context.WithoutCancel(ctx)
	var (
		g         errgroup.Group
		doneMu    sync.Mutex
		committed = make(map[uuid.UUID][]store.BucketKey)
	)
	g.SetLimit(m.cfg.Workers)
	for _, key := range batch {
		g.Go(func() error {
			defer m.settle(key)
			if _, err := m.RecomputeBucket(jobCtx, key); err != nil {
				metrics.RecomputeJobs.WithLabelValues("error").Inc()
				m.logger.Errorw("Rollup recompute failed", "bucket", key.String(), "error", err)
				m.markDirty(key)
				return err
			}
			metrics.RecomputeJobs.WithLabelValues("ok").Inc()
			doneMu.Lock()
			committed[key.TenantID] = append(committed[key.TenantID], key)
			doneMu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	for tenantID, keys := range committed {
		commit := newCommit(tenantID, keys)
		m.logger.Infow("Rollup buckets committed",
			"tenant_id", tenantID,
			"buckets", len(commit.Buckets),
			"series", len(commit.SeriesKeys),
		)
		for _, h := range handlers {
			h(jobCtx, commit)
		}
	}
	if err != nil {
		return fmt.Errorf("flush rollups: %w", err)
	}
	return nil
}

// RecomputeBucket rebuilds one rollup row from its raw events. A bucket
// without events is left untouched and reported as false.
func (m *Maintainer) RecomputeBucket(ctx context.Context, key store.BucketKey) (bool, error) {
	scope, err := store.ScopeFromContext(tenant.WithTenant(ctx, key.TenantID))
	if err != nil {
		return false, err
	}
	events, err := m.store.ScanEvents(ctx, scope, store.EventQuery{
		SeriesKeys: []string{key.SeriesKey},
		From:       key.BucketStart,
		To:         key.End(),
	})
	if err != nil {
		return false, fmt.Errorf("scan bucket %s: %w", key, err)
	}
	if len(events) == 0 {
		return false, nil
	}
	if err := m.store.ReplaceRollup(ctx, scope, ComputeRollup(key, events)); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Maintainer) settle(key store.BucketKey) {
	m.mu.Lock()
	delete(m.inflight, key)
	m.mu.Unlock()
}

// EarliestUnmaterialized returns the earliest bucket of g for tenantID that
// starts at or after from and is dirty or being recomputed. Nil seriesKeys
// matches every series.
func (m *Maintainer) EarliestUnmaterialized(tenantID uuid.UUID, g store.Granularity, seriesKeys []string, from time.Time) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		first time.Time
		found bool
	)
	check := func(k store.BucketKey) {
		if k.TenantID != tenantID || k.Granularity != g || k.BucketStart.Before(from) {
			return
		}
		if seriesKeys != nil && !slices.Contains(seriesKeys, k.SeriesKey) {
			return
		}
		if !found || k.BucketStart.Before(first) {
			first, found = k.BucketStart, true
		}
	}
	for k := range m.dirty {
		check(k)
	}
	for k := range m.inflight {
		check(k)
	}
	return first, found
}

// Rebuild marks every bucket holding raw events of the tenant bound to ctx
// in [from, to) dirty and flushes. It heals rollups left stale when a
// process stopped with pending buckets.
func (m *Maintainer) Rebuild(ctx context.Context, from, to time.Time) (int, error) {
	scope, err := store.ScopeFromContext(ctx)
	if err != nil {
		return 0, err
	}
	events, err := m.store.ScanEvents(ctx, scope, store.EventQuery{From: from, To: to})
	if err != nil {
		return 0, fmt.Errorf("scan events: %w", err)
	}

	m.mu.Lock()
	before := len(m.dirty)
	for _, e := range events {
		for _, g := range m.cfg.Granularities {
			m.dirty[store.KeyFor(e, g)] = struct{}{}
		}
	}
	marked := len(m.dirty) - before
	metrics.DirtyBuckets.Set(float64(len(m.dirty)))
	m.mu.Unlock()

	m.logger.Infow("Rebuilding rollups",
		"tenant_id", scope.Tenant(),
		"from", from,
		"to", to,
		"events", len(events),
		"buckets", marked,
	)
	return marked, m.Flush(ctx)
}

func (m *Maintainer) markDirty(key store.BucketKey) {
	m.mu.Lock()
	m.dirty[key] = struct{}{}
	metrics.DirtyBuckets.Set(float64(len(m.dirty)))
	m.mu.Unlock()

	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func newCommit(tenantID uuid.UUID, keys []store.BucketKey) Commit {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	seen := make(map[string]struct{})
	c := Commit{TenantID: tenantID, Buckets: keys}
	for _, k := range keys {
		if _, ok := seen[k.SeriesKey]; ok {
			continue
		}
		seen[k.SeriesKey] = struct{}{}
		c.SeriesKeys = append(c.SeriesKeys, k.SeriesKey)
	}
	return c
}

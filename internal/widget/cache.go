package widget

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Frowell/Flowforge-sub002/internal/compiler"
	"github.com/Frowell/Flowforge-sub002/internal/query"
)

// ─── Plan cache ───

type planKey struct {
	tenant     uuid.UUID
	workflowID string
	nodeID     string
}

type planEntry struct {
	plan    *compiler.Plan
	version int64
}

type widgetRef struct {
	tenant   uuid.UUID
	widgetID string
}

// planCache holds compiled plans per (workflow, output node). An entry is
// valid only for the snapshot version it was compiled from.
type planCache struct {
	mu      sync.RWMutex
	plans   map[planKey]planEntry
	widgets map[widgetRef]planKey
}

func newPlanCache() *planCache {
	return &planCache{
		plans:   make(map[planKey]planEntry),
		widgets: make(map[widgetRef]planKey),
	}
}

func (c *planCache) get(k planKey, version int64) (*compiler.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.plans[k]
	if !ok || e.version != version {
		return nil, false
	}
	return e.plan, true
}

func (c *planCache) put(k planKey, plan *compiler.Plan) {
	c.mu.Lock()
	c.plans[k] = planEntry{plan: plan, version: plan.Version}
	c.mu.Unlock()
}

func (c *planCache) bind(w widgetRef, k planKey) {
	c.mu.Lock()
	c.widgets[w] = k
	c.mu.Unlock()
}

// planForWidget returns the last plan a widget resolved to.
func (c *planCache) planForWidget(w widgetRef) (*compiler.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.widgets[w]
	if !ok {
		return nil, false
	}
	e, ok := c.plans[k]
	return e.plan, ok
}

// dropWorkflow removes the plans of a workflow whose lineage contains any
// changed node, or every plan of the workflow when changed is empty. It
// returns the dropped plans and the widgets bound to them.
func (c *planCache) dropWorkflow(tenantID uuid.UUID, workflowID string, changed []string) ([]*compiler.Plan, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[planKey]bool)
	var plans []*compiler.Plan
	for k, e := range c.plans {
		if k.tenant != tenantID || k.workflowID != workflowID {
			continue
		}
		if len(changed) > 0 && !slices.ContainsFunc(changed, e.plan.Contains) {
			continue
		}
		dropped[k] = true
		plans = append(plans, e.plan)
		delete(c.plans, k)
	}

	var widgets []string
	for w, k := range c.widgets {
		if dropped[k] {
			widgets = append(widgets, w.widgetID)
			delete(c.widgets, w)
		}
	}
	return plans, widgets
}

// dropSource removes every plan of a tenant reading sourceRef.
func (c *planCache) dropSource(tenantID uuid.UUID, sourceRef string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[planKey]bool)
	for k, e := range c.plans {
		if k.tenant == tenantID && e.plan.SourceRef == sourceRef {
			dropped[k] = true
			delete(c.plans, k)
		}
	}
	var widgets []string
	for w, k := range c.widgets {
		if dropped[k] {
			widgets = append(widgets, w.widgetID)
		}
	}
	return widgets
}

// ─── Result cache ───

type resultKey struct {
	tenant      uuid.UUID
	widgetID    string
	fingerprint string
	rangeKey    string
}

func (k resultKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.tenant, k.widgetID, k.fingerprint, k.rangeKey)
}

// resultEntry is immutable once stored. Expired entries stay in the cache
// as the stale fallback until evicted.
type resultEntry struct {
	workflowID string
	seriesKeys []string
	result     *query.Result
	computedAt time.Time
	expiresAt  time.Time
}

func (e *resultEntry) fresh(now time.Time) bool { return now.Before(e.expiresAt) }

func (e *resultEntry) expired() *resultEntry {
	cp := *e
	cp.expiresAt = time.Time{}
	return &cp
}

type resultCache struct {
	entries *lru.Cache[resultKey, *resultEntry]
}

func newResultCache(size int) (*resultCache, error) {
	entries, err := lru.New[resultKey, *resultEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &resultCache{entries: entries}, nil
}

func (c *resultCache) get(k resultKey) (*resultEntry, bool) { return c.entries.Get(k) }

func (c *resultCache) put(k resultKey, e *resultEntry) { c.entries.Add(k, e) }

// expire marks matching entries expired and returns their widget ids.
func (c *resultCache) expire(match func(resultKey, *resultEntry) bool) []string {
	var widgets []string
	for _, k := range c.entries.Keys() {
		e, ok := c.entries.Peek(k)
		if !ok || !match(k, e) {
			continue
		}
		c.entries.Add(k, e.expired())
		widgets = append(widgets, k.widgetID)
	}
	return widgets
}

// remove deletes matching entries.
func (c *resultCache) remove(match func(resultKey, *resultEntry) bool) {
	for _, k := range c.entries.Keys() {
		if e, ok := c.entries.Peek(k); ok && match(k, e) {
			c.entries.Remove(k)
		}
	}
}

func seriesOverlap(plan, committed []string) bool {
	if len(plan) == 0 {
		return true
	}
	for _, s := range committed {
		if slices.Contains(plan, s) {
			return true
		}
	}
	return false
}

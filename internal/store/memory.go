package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
)

type eventID struct {
	series string
	seq    int64
}

// tenantData is one tenant's partition. Partitions never share slices.
type tenantData struct {
	events  map[string][]RawEvent
	seen    map[eventID]struct{}
	rollups map[BucketKey]RollupRow
}

// MemoryStore is an in-process Store partitioned by tenant.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*tenantData
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[uuid.UUID]*tenantData)}
}

func (m *MemoryStore) partition(id uuid.UUID) *tenantData {
	td, ok := m.tenants[id]
	if !ok {
		td = &tenantData{
			events:  make(map[string][]RawEvent),
			seen:    make(map[eventID]struct{}),
			rollups: make(map[BucketKey]RollupRow),
		}
		m.tenants[id] = td
	}
	return td
}

func (m *MemoryStore) AppendEvents(ctx context.Context, scope Scope, events []RawEvent) (int, error) {
	if err := checkEvents(scope, "store.AppendEvents", events); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	td := m.partition(scope.tenant)
	inserted := 0
	for _, e := range events {
		id := eventID{series: e.SeriesKey, seq: e.IngestionSeq}
		if _, dup := td.seen[id]; dup {
			continue
		}
		td.seen[id] = struct{}{}
		e.EventTime = e.EventTime.UTC()
		td.events[e.SeriesKey] = append(td.events[e.SeriesKey], e)
		inserted++
	}
	return inserted, nil
}

func (m *MemoryStore) ScanEvents(ctx context.Context, scope Scope, q EventQuery) ([]RawEvent, error) {
	if err := scope.check("store.ScanEvents"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	td, ok := m.tenants[scope.tenant]
	if !ok {
		return nil, nil
	}
	want := seriesSet(q.SeriesKeys)
	var out []RawEvent
	for series, evs := range td.events {
		if want != nil {
			if _, ok := want[series]; !ok {
				continue
			}
		}
		for _, e := range evs {
			if e.EventTime.Before(q.From) || !e.EventTime.Before(q.To) {
				continue
			}
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out, nil
}

func (m *MemoryStore) ScanRollups(ctx context.Context, scope Scope, q RollupQuery) ([]RollupRow, error) {
	if err := scope.check("store.ScanRollups"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	td, ok := m.tenants[scope.tenant]
	if !ok {
		return nil, nil
	}
	want := seriesSet(q.SeriesKeys)
	var out []RollupRow
	for key, row := range td.rollups {
		if key.Granularity != q.Granularity {
			continue
		}
		if want != nil {
			if _, ok := want[key.SeriesKey]; !ok {
				continue
			}
		}
		if key.BucketStart.Before(q.From) || !key.BucketStart.Before(q.To) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SeriesKey != out[j].SeriesKey {
			return out[i].SeriesKey < out[j].SeriesKey
		}
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out, nil
}

func (m *MemoryStore) ReplaceRollup(ctx context.Context, scope Scope, row RollupRow) error {
	if err := scope.check("store.ReplaceRollup"); err != nil {
		return err
	}
	if !scope.Owns(row.TenantID) {
		return apperr.IsolationViolation("store.ReplaceRollup", "rollup tenant does not match scope")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row.BucketStart = row.BucketStart.UTC()
	m.partition(scope.tenant).rollups[row.Key()] = row
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func sortEvents(evs []RawEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].SeriesKey != evs[j].SeriesKey {
			return evs[i].SeriesKey < evs[j].SeriesKey
		}
		return evs[i].Before(evs[j])
	})
}

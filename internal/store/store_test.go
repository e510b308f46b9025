package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
	"github.com/Frowell/Flowforge-sub002/internal/tenant"
)

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func scopeFor(t *testing.T, id uuid.UUID) Scope {
	t.Helper()
	s, err := ScopeFromContext(tenant.WithTenant(context.Background(), id))
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL(context.Background(), BackendSQLite, filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) { storeContract(t, s) })
	}
}

// storeContract exercises one backend. Tenants are fresh per call.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	tenantA, tenantB := uuid.New(), uuid.New()
	scopeA, scopeB := scopeFor(t, tenantA), scopeFor(t, tenantB)

	eventsA := []RawEvent{
		{TenantID: tenantA, SeriesKey: "AAPL", EventTime: base.Add(30 * time.Second), Price: 102, Quantity: 5, Notional: 510, IngestionSeq: 2},
		{TenantID: tenantA, SeriesKey: "AAPL", EventTime: base, Price: 100, Quantity: 10, Notional: 1000, IngestionSeq: 1},
	}
	eventsB := []RawEvent{
		{TenantID: tenantB, SeriesKey: "AAPL", EventTime: base, Price: 999, Quantity: 1, Notional: 999, IngestionSeq: 1},
	}

	n, err := s.AppendEvents(ctx, scopeA, eventsA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AppendEvents(ctx, scopeA, eventsA)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-ingesting the same identities is a no-op")

	_, err = s.AppendEvents(ctx, scopeB, eventsB)
	require.NoError(t, err)

	got, err := s.ScanEvents(ctx, scopeA, EventQuery{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].IngestionSeq, "events are ordered by event time")
	for _, e := range got {
		assert.Equal(t, tenantA, e.TenantID)
	}

	row := RollupRow{
		TenantID: tenantA, SeriesKey: "AAPL", Granularity: Hour, BucketStart: base,
		Open: 100, High: 102, Low: 100, Close: 102, VWAP: 1510.0 / 15, TotalVolume: 15,
		TotalNotional: 1510, TradeCount: 2, OpenTime: base, CloseTime: base.Add(30 * time.Second),
		OpenSeq: 1, CloseSeq: 2,
	}
	require.NoError(t, s.ReplaceRollup(ctx, scopeA, row))
	row.TradeCount = 3
	require.NoError(t, s.ReplaceRollup(ctx, scopeA, row))

	rollups, err := s.ScanRollups(ctx, scopeA, RollupQuery{Granularity: Hour, From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, row, rollups[0])

	rollups, err = s.ScanRollups(ctx, scopeB, RollupQuery{Granularity: Hour, From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, rollups, "tenant B must not see tenant A rollups")
}

func TestStoreRejectsUnscopedAccess(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.ScanEvents(ctx, Scope{}, EventQuery{From: base, To: base.Add(time.Hour)})
			assert.ErrorIs(t, err, apperr.ErrIsolationViolation)

			_, err = s.ScanRollups(ctx, Scope{}, RollupQuery{Granularity: Hour, From: base, To: base.Add(time.Hour)})
			assert.ErrorIs(t, err, apperr.ErrIsolationViolation)

			other := uuid.New()
			_, err = s.AppendEvents(ctx, scopeFor(t, uuid.New()), []RawEvent{{TenantID: other, SeriesKey: "X", EventTime: base}})
			assert.ErrorIs(t, err, apperr.ErrIsolationViolation)
		})
	}
}

func TestScopeFromContextRequiresTenant(t *testing.T) {
	_, err := ScopeFromContext(context.Background())
	assert.ErrorIs(t, err, apperr.ErrIsolationViolation)
}

func TestGranularity(t *testing.T) {
	ts := time.Date(2024, 3, 4, 9, 42, 17, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), Hour.Truncate(ts))
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), Day.Truncate(ts))
	assert.True(t, Hour.Aligned(base))
	assert.False(t, Day.Aligned(base))

	_, err := ParseGranularity("minute")
	assert.Error(t, err)
}

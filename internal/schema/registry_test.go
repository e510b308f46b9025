package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Frowell/Flowforge-sub002/internal/apperr"
)

type fakeCatalog struct {
	calls   atomic.Int32
	release chan struct{}
	fields  map[string][]Field
	err     error
}

func (f *fakeCatalog) FetchFields(ctx context.Context, _ uuid.UUID, ref string) ([]Field, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	fields, ok := f.fields[ref]
	if !ok {
		return nil, apperr.SchemaNotFound(ref)
	}
	return fields, nil
}

var tradeFields = []Field{
	{Name: "series_key", Type: String},
	{Name: "event_time", Type: Timestamp},
	{Name: "price", Type: Decimal},
}

func TestResolveFieldsCachesWithinTTL(t *testing.T) {
	catalog := &fakeCatalog{fields: map[string][]Field{"trades": tradeFields}}
	reg := NewRegistry(catalog, 30*time.Second, zap.NewNop().Sugar())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	tenantID := uuid.New()

	got, err := reg.ResolveFields(context.Background(), tenantID, "trades")
	require.NoError(t, err)
	assert.Equal(t, tradeFields, got)

	_, err = reg.ResolveFields(context.Background(), tenantID, "trades")
	require.NoError(t, err)
	assert.Equal(t, int32(1), catalog.calls.Load())

	now = now.Add(31 * time.Second)
	_, err = reg.ResolveFields(context.Background(), tenantID, "trades")
	require.NoError(t, err)
	assert.Equal(t, int32(2), catalog.calls.Load(), "expired entry is refetched")

	reg.Invalidate(tenantID, "trades")
	_, err = reg.ResolveFields(context.Background(), tenantID, "trades")
	require.NoError(t, err)
	assert.Equal(t, int32(3), catalog.calls.Load())
}

func TestResolveFieldsUnknownSource(t *testing.T) {
	catalog := &fakeCatalog{fields: map[string][]Field{}}
	reg := NewRegistry(catalog, time.Minute, zap.NewNop().Sugar())

	for range 2 {
		_, err := reg.ResolveFields(context.Background(), uuid.New(), "missing")
		assert.ErrorIs(t, err, apperr.ErrSchemaNotFound)
	}
	assert.Equal(t, int32(2), catalog.calls.Load(), "negative results are not cached")
}

func TestResolveFieldsCollapsesConcurrentMisses(t *testing.T) {
	catalog := &fakeCatalog{fields: map[string][]Field{"trades": tradeFields}, release: make(chan struct{})}
	reg := NewRegistry(catalog, time.Minute, zap.NewNop().Sugar())
	tenantID := uuid.New()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.ResolveFields(context.Background(), tenantID, "trades")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return catalog.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(catalog.release)
	wg.Wait()
	assert.Equal(t, int32(1), catalog.calls.Load())
}

func TestResolveFieldsCatalogFailureIsRetryable(t *testing.T) {
	catalog := &fakeCatalog{err: errors.New("dial tcp: connection refused")}
	reg := NewRegistry(catalog, time.Minute, zap.NewNop().Sugar())

	_, err := reg.ResolveFields(context.Background(), uuid.New(), "trades")
	require.ErrorIs(t, err, apperr.ErrStoreUnavailable)
	assert.True(t, apperr.Retryable(err))
	assert.ErrorContains(t, err, "connection refused")
}

func TestResolveFieldsSurvivesCanceledCaller(t *testing.T) {
	catalog := &fakeCatalog{fields: map[string][]Field{"trades": tradeFields}, release: make(chan struct{})}
	reg := NewRegistry(catalog, time.Minute, zap.NewNop().Sugar())
	tenantID := uuid.New()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.ResolveFields(first, tenantID, "trades")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return catalog.calls.Load() == 1 }, time.Second, time.Millisecond)

	secondErr := make(chan error, 1)
	go func() {
		_, err := reg.ResolveFields(context.Background(), tenantID, "trades")
		secondErr <- err
	}()

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(catalog.release)
	require.NoError(t, <-secondErr)
	assert.Equal(t, int32(1), catalog.calls.Load())
}

func TestTypePredicates(t *testing.T) {
	assert.True(t, Integer.Numeric())
	assert.True(t, Timestamp.Ordered())
	assert.False(t, String.Ordered())
	assert.False(t, Boolean.Numeric())
}

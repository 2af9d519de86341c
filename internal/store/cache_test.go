package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/plusfeed/harvester/internal/pipeline"
)

type countingStore struct {
	pipeline.Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, sku string) (pipeline.ProductRecord, bool, error) {
	c.gets++
	return c.Store.Get(ctx, sku)
}

func TestCachedGetHitsBackingStoreOnce(t *testing.T) {
	t.Parallel()

	inner := &countingStore{Store: newTestStore(t)}
	cached, err := NewCached(inner, 8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cached.Upsert(ctx, sampleRecord("100")))

	for i := 0; i < 3; i++ {
		got, ok, err := cached.Get(ctx, "100")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "100", got.SKU)
	}
	require.Zero(t, inner.gets, "upsert should have primed the cache")
}

func TestCachedGetFillsOnMiss(t *testing.T) {
	t.Parallel()

	backing := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, backing.Upsert(ctx, sampleRecord("200")))

	inner := &countingStore{Store: backing}
	cached, err := NewCached(inner, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok, err := cached.Get(ctx, "200")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Equal(t, 1, inner.gets, "only the first read should reach the store")
}

func TestCachedExists(t *testing.T) {
	t.Parallel()

	cached, err := NewCached(newTestStore(t), 8)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := cached.Exists(ctx, "300")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cached.Upsert(ctx, sampleRecord("300")))

	ok, err = cached.Exists(ctx, "300")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCachedAllBypassesCache(t *testing.T) {
	t.Parallel()

	cached, err := NewCached(newTestStore(t), 2)
	require.NoError(t, err)
	ctx := context.Background()

	for _, sku := range []string{"100", "200", "300"} {
		require.NoError(t, cached.Upsert(ctx, sampleRecord(sku)))
	}

	all, err := cached.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3, "listing must not be limited by cache size")
}

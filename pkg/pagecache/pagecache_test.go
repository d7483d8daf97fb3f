package pagecache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func page(fill byte) []byte {
	p := make([]byte, PageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestImmutablePutAndReadRoundTrip(t *testing.T) {
	c := New(4)
	key := FileKey{LayerPath: "layer-a", BlockNo: 3}
	require.NoError(t, c.PutImmutable(context.Background(), key, page(7)))

	got, ok := c.ReadImmutable(key)
	require.True(t, ok)
	require.Equal(t, page(7), got)
}

func TestImmutableMissReturnsFalse(t *testing.T) {
	c := New(4)
	_, ok := c.ReadImmutable(FileKey{LayerPath: "nope"})
	require.False(t, ok)
}

func TestMaterializedPutAndReadRoundTrip(t *testing.T) {
	c := New(4)
	key := MaterializedKey{TenantTimeline: "t1", Rel: "rel1", BlockNo: 1, Lsn: 100}
	require.NoError(t, c.PutMaterialized(context.Background(), key, page(9)))

	got, ok := c.ReadMaterialized(key)
	require.True(t, ok)
	require.Equal(t, page(9), got)
}

func TestEvictionReclaimsSlotsWhenFull(t *testing.T) {
	c := New(2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		key := FileKey{LayerPath: "layer", BlockNo: uint32(i)}
		require.NoError(t, c.PutImmutable(ctx, key, page(byte(i))))
	}
	// Cache only has 2 slots; an early key should have been evicted.
	_, ok := c.ReadImmutable(FileKey{LayerPath: "layer", BlockNo: 0})
	require.False(t, ok)

	// The most recently inserted key should still be resident.
	got, ok := c.ReadImmutable(FileKey{LayerPath: "layer", BlockNo: 9})
	require.True(t, ok)
	require.Equal(t, page(9), got)
}

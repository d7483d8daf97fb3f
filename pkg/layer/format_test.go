package layer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) types.Key {
	var k types.Key
	k[types.KeySize-1] = b
	return k
}

func TestImageLayerRoundTrip(t *testing.T) {
	tenant, timeline := types.NewTenantId(), types.NewTimelineId()
	keyRange := types.KeyRange{Start: testKey(0), End: testKey(10)}
	w := NewImageWriter(tenant, timeline, keyRange, types.Lsn(100))

	require.NoError(t, w.PutImage(testKey(1), []byte("page one")))
	require.NoError(t, w.PutImage(testKey(2), []byte("page two")))

	path := filepath.Join(t.TempDir(), "000000000000000000000000000001-v1")
	size, err := w.Finish(path)
	require.NoError(t, err)
	require.Greater(t, size, int64(0))

	r, err := Open(path)
	require.NoError(t, err)
	require.True(t, r.IsImage())
	require.Equal(t, tenant, r.Summary().TenantId)

	v, ok := r.GetImage(testKey(1))
	require.True(t, ok)
	require.Equal(t, "page one", string(v))

	v, ok = r.GetImage(testKey(2))
	require.True(t, ok)
	require.Equal(t, "page two", string(v))

	_, ok = r.GetImage(testKey(3))
	require.False(t, ok)
}

func TestDeltaLayerRoundTrip(t *testing.T) {
	tenant, timeline := types.NewTenantId(), types.NewTimelineId()
	keyRange := types.KeyRange{Start: testKey(0), End: testKey(10)}
	w := NewDeltaWriter(tenant, timeline, keyRange, types.Lsn(0), types.Lsn(200))

	k := testKey(5)
	require.NoError(t, w.PutDelta(types.NewDeltaKey(k, 10), []byte("v10")))
	require.NoError(t, w.PutDelta(types.NewDeltaKey(k, 20), []byte("v20")))

	path := filepath.Join(t.TempDir(), "delta-1")
	_, err := w.Finish(path)
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	require.False(t, r.IsImage())

	v, ok := r.GetDelta(types.NewDeltaKey(k, 10))
	require.True(t, ok)
	require.Equal(t, "v10", string(v))

	v, ok = r.GetDelta(types.NewDeltaKey(k, 20))
	require.True(t, ok)
	require.Equal(t, "v20", string(v))
}

func TestWriterRejectsOutOfOrderKeys(t *testing.T) {
	w := NewImageWriter(types.NewTenantId(), types.NewTimelineId(), types.KeyRange{Start: testKey(0), End: testKey(10)}, 1)
	require.NoError(t, w.PutImage(testKey(5), []byte("a")))
	require.Error(t, w.PutImage(testKey(3), []byte("b")))
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("not a layer file"), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestOpenDetectsChecksumCorruption(t *testing.T) {
	tenant, timeline := types.NewTenantId(), types.NewTimelineId()
	w := NewImageWriter(tenant, timeline, types.KeyRange{Start: testKey(0), End: testKey(10)}, 1)
	require.NoError(t, w.PutImage(testKey(1), []byte("data")))

	path := filepath.Join(t.TempDir(), "corrupt")
	_, err := w.Finish(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[summarySize] ^= 0xFF // flip a byte in the values section
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = Open(path)
	require.Error(t, err)
}

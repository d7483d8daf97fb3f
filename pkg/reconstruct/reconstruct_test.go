package reconstruct

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/layerobj"
	"github.com/cuemby/strata/pkg/layermap"
	"github.com/cuemby/strata/pkg/pagecache"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walredo"
)

type noopDownloader struct{}

func (noopDownloader) Download(ctx context.Context, remoteKey, localPath string) error {
	return nil // every handle in these tests starts Resident, so never invoked
}

func testKey(n byte) types.Key {
	var k types.Key
	k[len(k)-1] = n
	return k
}

func wholeRange() types.KeyRange {
	return types.KeyRange{Start: types.MinKey, End: types.MaxKey}
}

func writeImageLayer(t *testing.T, dir string, key types.Key, value []byte, lsn types.Lsn) *layer.Reader {
	t.Helper()
	w := layer.NewImageWriter(types.TenantId{}, types.TimelineId{}, wholeRange(), lsn)
	require.NoError(t, w.PutImage(key, value))
	path := filepath.Join(dir, "image-1")
	_, err := w.Finish(path)
	require.NoError(t, err)
	r, err := layer.Open(path)
	require.NoError(t, err)
	return r
}

func writeDeltaLayer(t *testing.T, dir, name string, key types.Key, lsns []types.Lsn, values [][]byte, lsnStart, lsnEnd types.Lsn) *layer.Reader {
	t.Helper()
	w := layer.NewDeltaWriter(types.TenantId{}, types.TimelineId{}, wholeRange(), lsnStart, lsnEnd)
	for i, lsn := range lsns {
		require.NoError(t, w.PutDelta(types.NewDeltaKey(key, lsn), values[i]))
	}
	path := filepath.Join(dir, name)
	_, err := w.Finish(path)
	require.NoError(t, err)
	r, err := layer.Open(path)
	require.NoError(t, err)
	return r
}

func TestGetPageReturnsBareImageWhenNoDeltasOverlap(t *testing.T) {
	dir := t.TempDir()
	key := testKey(1)
	imgReader := writeImageLayer(t, dir, key, []byte("base-page"), 100)

	m := layermap.New()
	m.Insert(layermap.Desc{
		KeyRange: wholeRange(), LsnStart: 100, LsnEnd: 100, IsDelta: false,
		Handle: layerobj.NewResidentHandle("image-1", filepath.Join(dir, "image-1"), imgReader),
	})

	cache := pagecache.New(8)
	redo := walredo.NewManager(func() (walredo.PostgresApplier, error) { return nil, nil })
	eng := NewEngine("t1", m, cache, redo, noopDownloader{}, 160000)

	img, err := eng.GetPage(context.Background(), key, 100)
	require.NoError(t, err)
	require.Equal(t, "base-page", string(img))
}

func TestGetPageReplaysDeltasOntoBaseImage(t *testing.T) {
	dir := t.TempDir()
	key := testKey(2)
	imgReader := writeImageLayer(t, dir, key, []byte("B"), 100)
	deltaReader := writeDeltaLayer(t, dir, "delta-1", key,
		[]types.Lsn{150, 200}, [][]byte{[]byte("1"), []byte("2")}, 100, 250)

	m := layermap.New()
	m.Insert(layermap.Desc{
		KeyRange: wholeRange(), LsnStart: 100, LsnEnd: 100, IsDelta: false,
		Handle: layerobj.NewResidentHandle("image-1", filepath.Join(dir, "image-1"), imgReader),
	})
	m.Insert(layermap.Desc{
		KeyRange: wholeRange(), LsnStart: 100, LsnEnd: 250, IsDelta: true,
		Handle: layerobj.NewResidentHandle("delta-1", filepath.Join(dir, "delta-1"), deltaReader),
	})

	cache := pagecache.New(8)
	fake := &fakeApplier{}
	redo := walredo.NewManager(func() (walredo.PostgresApplier, error) { return fake, nil })
	eng := NewEngine("t1", m, cache, redo, noopDownloader{}, 160000)

	img, err := eng.GetPage(context.Background(), key, 200)
	require.NoError(t, err)
	require.Equal(t, "B12", string(img))

	// Second call should be served from the materialized cache without
	// touching the redo manager again.
	fake.calls = 0
	img2, err := eng.GetPage(context.Background(), key, 200)
	require.NoError(t, err)
	require.Equal(t, "B12", string(img2))
	require.Equal(t, 0, fake.calls)
}

func TestGetPageFailsWhenFringeHasNoImageLayer(t *testing.T) {
	dir := t.TempDir()
	key := testKey(3)
	deltaReader := writeDeltaLayer(t, dir, "delta-1", key,
		[]types.Lsn{150}, [][]byte{[]byte("x")}, 100, 250)

	m := layermap.New()
	m.Insert(layermap.Desc{
		KeyRange: wholeRange(), LsnStart: 100, LsnEnd: 250, IsDelta: true,
		Handle: layerobj.NewResidentHandle("delta-1", filepath.Join(dir, "delta-1"), deltaReader),
	})

	cache := pagecache.New(8)
	redo := walredo.NewManager(func() (walredo.PostgresApplier, error) { return nil, nil })
	eng := NewEngine("t1", m, cache, redo, noopDownloader{}, 160000)

	_, err := eng.GetPage(context.Background(), key, 200)
	require.Error(t, err)
}

type fakeApplier struct {
	calls int
}

func (f *fakeApplier) Apply(ctx context.Context, key types.Key, baseImg []byte, baseLsn types.Lsn, records [][]byte, endLsn types.Lsn, pgVersion uint32) ([]byte, error) {
	f.calls++
	out := append([]byte(nil), baseImg...)
	for _, r := range records {
		out = append(out, r...)
	}
	return out, nil
}

func (f *fakeApplier) Close() error { return nil }

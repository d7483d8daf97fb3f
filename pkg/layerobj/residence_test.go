package layerobj

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeDownloader struct {
	writeFn func(localPath string) error
	calls   int
}

func (d *fakeDownloader) Download(ctx context.Context, remoteKey, localPath string) error {
	d.calls++
	return d.writeFn(localPath)
}

func writeTestLayer(t *testing.T, path string) {
	t.Helper()
	w := layer.NewImageWriter(types.NewTenantId(), types.NewTimelineId(), types.KeyRange{Start: types.MinKey, End: types.MaxKey}, 1)
	require.NoError(t, w.PutImage(types.Key{1}, []byte("x")))
	_, err := w.Finish(path)
	require.NoError(t, err)
}

func TestHandleStartsEvictedAndDownloads(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "layer-1")
	h := NewHandle("remote/layer-1", local)
	require.Equal(t, Evicted, h.Status())

	dl := &fakeDownloader{writeFn: func(p string) error {
		writeTestLayer(t, p)
		return nil
	}}
	r, err := h.GetOrDownload(context.Background(), dl)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.Equal(t, Resident, h.Status())
	require.Equal(t, 1, dl.calls)

	// Second call must not re-download.
	_, err = h.GetOrDownload(context.Background(), dl)
	require.NoError(t, err)
	require.Equal(t, 1, dl.calls)
}

func TestEvictRemovesLocalFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "layer-1")
	writeTestLayer(t, local)
	r, err := layer.Open(local)
	require.NoError(t, err)
	h := NewResidentHandle("remote/layer-1", local, r)

	require.NoError(t, h.Evict(os.Remove))
	require.Equal(t, Evicted, h.Status())
	_, err = os.Stat(local)
	require.True(t, os.IsNotExist(err))

	// Idempotent.
	require.NoError(t, h.Evict(os.Remove))
}

func TestEvictFailsWhileDownloading(t *testing.T) {
	h := NewHandle("remote/layer-1", filepath.Join(t.TempDir(), "layer-1"))
	h.mu.Lock()
	h.status = Downloading
	h.mu.Unlock()

	err := h.Evict(os.Remove)
	require.Error(t, err)
}

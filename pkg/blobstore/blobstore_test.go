package blobstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFSStorePutGetRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "tenants/a/layer-1", bytes.NewReader([]byte("hello world"))))

	r, err := s.Get(ctx, "tenants/a/layer-1", 0, -1)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestFSStoreRangedGet(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("0123456789"))))

	r, err := s.Get(ctx, "k", 3, 4)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "3456", string(data))
}

func TestFSStoreGetMissingIsNotFound(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "missing", 0, -1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreListPrefix(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "tenants/a/layer-1", bytes.NewReader(nil)))
	require.NoError(t, s.Put(ctx, "tenants/a/layer-2", bytes.NewReader(nil)))
	require.NoError(t, s.Put(ctx, "tenants/b/layer-1", bytes.NewReader(nil)))

	attrs, err := s.List(ctx, "tenants/a/")
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	require.Equal(t, "tenants/a/layer-1", attrs[0].Key)
	require.Equal(t, "tenants/a/layer-2", attrs[1].Key)
}

func TestFSStoreDeleteIsIdempotent(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, "does-not-exist"))
	require.NoError(t, s.Put(ctx, "k", bytes.NewReader([]byte("x"))))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Stat(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreCopy(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "src", bytes.NewReader([]byte("payload"))))
	require.NoError(t, s.Copy(ctx, "src", "dst"))

	r, err := s.Get(ctx, "dst", 0, -1)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}

func TestZstdRoundTrip(t *testing.T) {
	orig := []byte("the quick brown fox jumps over the lazy dog, repeated, repeated, repeated")
	compressed, err := CompressZstd(orig)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)

	decompressed, err := DecompressZstd(compressed)
	require.NoError(t, err)
	require.Equal(t, orig, decompressed)
}

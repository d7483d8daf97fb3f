/*
Package blobstore defines the abstract object-store contract that the rest
of strata programs against. The real remote-object-store client (S3/GCS
style, with retries, multipart upload, and IAM credentials) is an external
collaborator referenced only through this interface; FSStore is a
filesystem-backed implementation sufficient for tests and single-node
deployments.
*/
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by Get/Stat when the key does not exist.
var ErrNotFound = fmt.Errorf("blobstore: object not found")

// Attrs describes an object's metadata as returned by List/Stat.
type Attrs struct {
	Key  string
	Size int64
}

// Store is the abstract contract every blob-store client (local or remote)
// satisfies: put, ranged get, list, delete, copy.
type Store interface {
	// Put uploads the full contents of r under key, overwriting any
	// existing object. PUT is expected to be idempotent on identical
	// content so duplicate uploads from e.g. a WAL offloader race are
	// harmless.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get reads the object at key. If length < 0, everything from offset
	// to the end of the object is returned; otherwise only
	// [offset, offset+length) is read.
	Get(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Stat returns metadata without reading the object body.
	Stat(ctx context.Context, key string) (Attrs, error)

	// List returns all objects whose key has the given prefix, sorted by
	// key.
	List(ctx context.Context, prefix string) ([]Attrs, error)

	// Delete removes the object at key. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// Copy duplicates the object at src to dst without a client-side
	// round trip where the backend supports it.
	Copy(ctx context.Context, src, dst string) error
}

// FSStore is a Store backed by a local directory tree, one file per key
// (slashes in the key become subdirectories). Uploads are written to a
// temp file and renamed into place so a concurrent Get never observes a
// partial write.
type FSStore struct {
	root string
	mu   sync.Mutex
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: creating root %s: %w", root, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir for %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return fmt.Errorf("blobstore: creating temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: writing %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: fsync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: closing temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("blobstore: renaming into place %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: opening %s: %w", key, err)
	}
	if offset == 0 && length < 0 {
		return f, nil
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("blobstore: seeking %s: %w", key, err)
	}
	if length < 0 {
		return f, nil
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

func (s *FSStore) Stat(ctx context.Context, key string) (Attrs, error) {
	fi, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return Attrs{}, ErrNotFound
		}
		return Attrs{}, fmt.Errorf("blobstore: stat %s: %w", key, err)
	}
	return Attrs{Key: key, Size: fi.Size()}, nil
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]Attrs, error) {
	base := s.path(prefix)
	var out []Attrs

	// prefix may name a partial filename, not just a directory; walk the
	// parent and filter.
	walkRoot := base
	if fi, err := os.Stat(base); err != nil || !fi.IsDir() {
		walkRoot = filepath.Dir(base)
	}

	err := filepath.Walk(walkRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			out = append(out, Attrs{Key: key, Size: info.Size()})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: listing prefix %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: deleting %s: %w", key, err)
	}
	return nil
}

func (s *FSStore) Copy(ctx context.Context, src, dst string) error {
	r, err := s.Get(ctx, src, 0, -1)
	if err != nil {
		return err
	}
	defer r.Close()
	return s.Put(ctx, dst, r)
}

// CompressZstd compresses data for upload. Pageservers compress some layer
// and segment uploads before they leave the node; mirrored here so
// pkg/walbackup and pkg/layer can opt into it without depending on the
// blob-store backend.
func CompressZstd(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// DecompressZstd reverses CompressZstd.
func DecompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("blobstore: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

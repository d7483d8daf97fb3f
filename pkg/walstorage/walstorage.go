/*
Package walstorage implements the safekeeper's segmented, append-only WAL
file storage: fixed-size segments on disk, append from the current flush
LSN, explicit fsync, and rewind-on-truncate for leader takeover.

Segment size is fixed at timeline creation and never changes afterward.
Writes never cross a segment boundary without allocating and fsyncing the
next segment's directory entry first, so a crash mid-write never leaves a
hole spanning two segment files.
*/
package walstorage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/strata/pkg/types"
)

const segmentNamePrefix = "wal-"

func segmentName(segNo uint64) string {
	return fmt.Sprintf("%s%016X", segmentNamePrefix, segNo)
}

// Storage is a segmented append-only WAL log rooted at one directory.
type Storage struct {
	mu sync.Mutex

	dir       string
	segSize   uint64
	flushLsn  types.Lsn
	file      *os.File
	fileSegNo uint64
}

// Open opens (creating if necessary) WAL storage rooted at dir. flushLsn is
// the LSN to resume appending from (the end of WAL already on disk, e.g.
// recovered from a control file); segSize is fixed for the life of the
// timeline.
func Open(dir string, segSize uint64, flushLsn types.Lsn) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walstorage: creating dir %s: %w", dir, err)
	}
	s := &Storage{dir: dir, segSize: segSize, flushLsn: flushLsn}
	segNo := flushLsn.SegmentNumber(segSize)
	f, err := s.openSegmentForWrite(segNo)
	if err != nil {
		return nil, err
	}
	s.file = f
	s.fileSegNo = segNo
	return s, nil
}

func (s *Storage) segmentPath(segNo uint64) string {
	return filepath.Join(s.dir, segmentName(segNo))
}

// openSegmentForWrite opens (creating and pre-sizing if needed) the segment
// file for segNo, seeked to the position corresponding to s.flushLsn.
func (s *Storage) openSegmentForWrite(segNo uint64) (*os.File, error) {
	path := s.segmentPath(segNo)
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walstorage: opening segment %s: %w", path, err)
	}
	if isNew {
		if err := f.Truncate(int64(s.segSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("walstorage: pre-sizing segment %s: %w", path, err)
		}
		if err := fsyncDir(s.dir); err != nil {
			f.Close()
			return nil, err
		}
	}
	offset := int64(s.flushLsn.SegmentOffset(s.segSize))
	if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
		f.Close()
		return nil, fmt.Errorf("walstorage: seeking segment %s: %w", path, err)
	}
	return f, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("walstorage: opening dir %s for fsync: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("walstorage: fsyncing dir %s: %w", dir, err)
	}
	return nil
}

// FlushLsn returns the end of the WAL written so far. WriteWAL advances it;
// the bytes up to it are durable only once FlushWAL has returned.
func (s *Storage) FlushLsn() types.Lsn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLsn
}

// WriteWAL appends buf at startLsn, which must equal the current flush LSN
// (no holes are permitted). The write may span a segment boundary, in which
// case the next segment is allocated and the directory fsynced before any
// bytes of the new segment are written.
func (s *Storage) WriteWAL(startLsn types.Lsn, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if startLsn != s.flushLsn {
		return fmt.Errorf("walstorage: write_wal hole: start_lsn=%s != flush_lsn=%s", startLsn, s.flushLsn)
	}

	remaining := buf
	lsn := startLsn
	for len(remaining) > 0 {
		segNo := lsn.SegmentNumber(s.segSize)
		if segNo != s.fileSegNo {
			if err := s.rollToSegment(segNo); err != nil {
				return err
			}
		}
		segOff := lsn.SegmentOffset(s.segSize)
		room := s.segSize - segOff
		n := uint64(len(remaining))
		if n > room {
			n = room
		}
		if _, err := s.file.WriteAt(remaining[:n], int64(segOff)); err != nil {
			return fmt.Errorf("walstorage: writing at lsn %s: %w", lsn, err)
		}
		remaining = remaining[n:]
		lsn = lsn.Add(int64(n))
	}
	s.flushLsn = lsn
	return nil
}

func (s *Storage) rollToSegment(segNo uint64) error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("walstorage: fsyncing segment %d before roll: %w", s.fileSegNo, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("walstorage: closing segment %d: %w", s.fileSegNo, err)
	}
	f, err := s.openSegmentForWrite(segNo)
	if err != nil {
		return err
	}
	s.file = f
	s.fileSegNo = segNo
	return nil
}

// FlushWAL fsyncs the current segment.
func (s *Storage) FlushWAL() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("walstorage: fsync: %w", err)
	}
	return nil
}

// TruncateWAL rewinds flush_lsn to endLsn. It is a no-op if endLsn already
// equals the current flush LSN. The affected segment's tail beyond endLsn is
// zeroed so a subsequent write never leaves stale bytes readable past the
// new end, then fsynced.
func (s *Storage) TruncateWAL(endLsn types.Lsn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if endLsn == s.flushLsn {
		return nil
	}
	if endLsn > s.flushLsn {
		return fmt.Errorf("walstorage: truncate_wal(%s) is ahead of flush_lsn %s", endLsn, s.flushLsn)
	}

	segNo := endLsn.SegmentNumber(s.segSize)
	if segNo != s.fileSegNo {
		if s.file != nil {
			s.file.Close()
		}
		f, err := s.openSegmentForWrite(segNo)
		if err != nil {
			return err
		}
		s.file = f
		s.fileSegNo = segNo
	}

	segOff := endLsn.SegmentOffset(s.segSize)
	zeros := make([]byte, s.segSize-segOff)
	if _, err := s.file.WriteAt(zeros, int64(segOff)); err != nil {
		return fmt.Errorf("walstorage: zeroing tail of segment %d: %w", segNo, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("walstorage: fsync after truncate: %w", err)
	}
	if _, err := s.file.Seek(int64(segOff), os.SEEK_SET); err != nil {
		return fmt.Errorf("walstorage: reseeking after truncate: %w", err)
	}
	s.flushLsn = endLsn
	return nil
}

// RemoveUpTo deletes segments strictly older than segNo.
func (s *Storage) RemoveUpTo(segNo uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("walstorage: reading dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		n := e.Name()
		if len(n) != len(segmentNamePrefix)+16 || n[:len(segmentNamePrefix)] != segmentNamePrefix {
			continue
		}
		var existing uint64
		if _, err := fmt.Sscanf(n, segmentNamePrefix+"%016X", &existing); err != nil {
			continue
		}
		if existing < segNo {
			if err := os.Remove(filepath.Join(s.dir, n)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("walstorage: removing segment %s: %w", n, err)
			}
		}
	}
	return nil
}

// ReadWAL reads length bytes of WAL starting at lsn, which may span
// multiple segments.
func (s *Storage) ReadWAL(lsn types.Lsn, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, 0, length)
	cur := lsn
	for len(out) < length {
		segNo := cur.SegmentNumber(s.segSize)
		path := s.segmentPath(segNo)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("walstorage: opening segment %d for read: %w", segNo, err)
		}
		segOff := cur.SegmentOffset(s.segSize)
		room := int(s.segSize - segOff)
		want := length - len(out)
		if want > room {
			want = room
		}
		buf := make([]byte, want)
		_, err = f.ReadAt(buf, int64(segOff))
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("walstorage: reading segment %d: %w", segNo, err)
		}
		out = append(out, buf...)
		cur = cur.Add(int64(want))
	}
	return out, nil
}

// Close closes the current segment file.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

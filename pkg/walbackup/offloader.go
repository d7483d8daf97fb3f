/*
Package walbackup elects, among the peers of a timeline, the single
safekeeper responsible for uploading its WAL to pkg/blobstore, and runs
that upload loop. Grounded on
original_source/safekeeper/src/wal_backup.rs's determine_offloader and
backup_lsn_range.
*/
package walbackup

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/strata/pkg/blobstore"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
	"golang.org/x/sync/errgroup"
)

// PeerSnapshot is the subset of a peer's gossiped state the election needs.
type PeerSnapshot struct {
	NodeId        types.NodeId
	LocalStartLsn types.Lsn
	CommitLsn     types.Lsn
}

// DetermineOffloader deterministically elects the safekeeper responsible
// for uploading WAL for this timeline, given the set of currently reachable
// peers. Ported from determine_offloader: restrict to peers that have the
// relevant WAL locally, keep only those within maxOffloaderLag of the
// highest commit_lsn among them, then pick one by hashing timelineId mod
// the caught-up set (sorted by node id) to spread load evenly.
func DetermineOffloader(peers []PeerSnapshot, walBackupLsn types.Lsn, timeline types.TimelineId, maxOffloaderLag uint64) (types.NodeId, bool, string) {
	capable := make([]PeerSnapshot, 0, len(peers))
	for _, p := range peers {
		if p.LocalStartLsn <= walBackupLsn {
			capable = append(capable, p)
		}
	}
	if len(capable) == 0 {
		return 0, false, "no connected peers to elect from"
	}

	var maxCommit types.Lsn
	for _, p := range capable {
		if p.CommitLsn > maxCommit {
			maxCommit = p.CommitLsn
		}
	}
	threshold := maxCommit.Add(-int64(maxOffloaderLag))

	caughtUp := make([]PeerSnapshot, 0, len(capable))
	for _, p := range capable {
		if p.CommitLsn >= threshold {
			caughtUp = append(caughtUp, p)
		}
	}
	sort.Slice(caughtUp, func(i, j int) bool { return caughtUp[i].NodeId < caughtUp[j].NodeId })

	idx := timelineShardIndex(timeline, len(caughtUp))
	offloader := caughtUp[idx].NodeId
	return offloader, true, fmt.Sprintf("elected %d among %d capable peers, %d caught up", offloader, len(capable), len(caughtUp))
}

// timelineShardIndex maps a timeline id onto [0, n) deterministically so
// every safekeeper computes the same election without coordination.
func timelineShardIndex(timeline types.TimelineId, n int) int {
	if n <= 0 {
		return 0
	}
	var acc uint64
	for _, b := range timeline {
		acc = acc*31 + uint64(b)
	}
	return int(acc % uint64(n))
}

// Segment names one WAL segment uploaded as a single blob.
type Segment struct {
	SegNo    uint64
	StartLsn types.Lsn
	EndLsn   types.Lsn
}

// ObjectName is the blob key this segment is stored under.
func (s Segment) ObjectName() string {
	return fmt.Sprintf("%016X", s.SegNo)
}

// segmentsInRange splits [start, end) at segment boundaries, matching
// get_segments in the original. The first piece begins at start and the
// last ends at end, so either may cover only part of its segment.
func segmentsInRange(start, end types.Lsn, segSize uint64) []Segment {
	var segs []Segment
	segNo := start.SegmentNumber(segSize)
	for {
		segStart := types.Lsn(segNo * segSize)
		segEnd := segStart.Add(int64(segSize))
		if segStart >= end {
			break
		}
		segs = append(segs, Segment{SegNo: segNo, StartLsn: types.MaxLsn(segStart, start), EndLsn: types.MinLsn(segEnd, end)})
		segNo++
	}
	return segs
}

// Reader supplies WAL bytes for upload; satisfied by pkg/walstorage.Storage.
type Reader interface {
	ReadWAL(lsn types.Lsn, length int) ([]byte, error)
}

// Uploader drives segment uploads for one timeline into a blobstore.Store.
type Uploader struct {
	store     blobstore.Store
	wal       Reader
	segSize   uint64
	keyPrefix string
	parallel  int
}

// NewUploader builds an Uploader keyed under keyPrefix (typically
// "<tenant>/<timeline>/wal/").
func NewUploader(store blobstore.Store, wal Reader, segSize uint64, keyPrefix string, parallel int) *Uploader {
	if parallel < 1 {
		parallel = 1
	}
	return &Uploader{store: store, wal: wal, segSize: segSize, keyPrefix: keyPrefix, parallel: parallel}
}

// BackupRange uploads every whole segment in [start, end), up to
// parallel concurrent uploads; a trailing partial segment is left for a
// later call. On success it returns the new backup_lsn, the end of the
// last segment uploaded (start if there was none). If any upload fails it
// returns start with the error.
func (u *Uploader) BackupRange(ctx context.Context, start, end types.Lsn) (types.Lsn, error) {
	segs := segmentsInRange(start, end, u.segSize)
	if n := len(segs); n > 0 && uint64(segs[n-1].EndLsn)%u.segSize != 0 {
		segs = segs[:n-1]
	}
	if len(segs) == 0 {
		return start, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallel)
	for _, seg := range segs {
		seg := seg
		g.Go(func() error { return u.uploadSegment(gctx, seg) })
	}
	if err := g.Wait(); err != nil {
		metrics.WalOffloadErrorsTotal.Inc()
		return start, err
	}
	last := segs[len(segs)-1]
	metrics.WalOffloadBytesTotal.Add(float64(last.EndLsn - start))
	log.Debug(fmt.Sprintf("wal backup: uploaded %d segments up to %s", len(segs), last.EndLsn))
	return last.EndLsn, nil
}

func (u *Uploader) uploadSegment(ctx context.Context, seg Segment) error {
	data, err := u.wal.ReadWAL(seg.StartLsn, int(seg.EndLsn-seg.StartLsn))
	if err != nil {
		return fmt.Errorf("walbackup: reading segment %s: %w", seg.ObjectName(), err)
	}
	key := u.keyPrefix + seg.ObjectName()
	return u.store.Put(ctx, key, bytes.NewReader(data))
}

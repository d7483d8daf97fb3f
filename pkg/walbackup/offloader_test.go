package walbackup

import (
	"context"
	"testing"

	"github.com/cuemby/strata/pkg/blobstore"
	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestDetermineOffloaderNoPeers(t *testing.T) {
	_, ok, reason := DetermineOffloader(nil, 0, types.NewTimelineId(), 64)
	require.False(t, ok)
	require.Contains(t, reason, "no connected peers")
}

func TestDetermineOffloaderExcludesPeersWithoutLocalWAL(t *testing.T) {
	peers := []PeerSnapshot{
		{NodeId: 1, LocalStartLsn: 1000, CommitLsn: 900}, // local WAL starts after walBackupLsn
		{NodeId: 2, LocalStartLsn: 0, CommitLsn: 500},
	}
	id, ok, _ := DetermineOffloader(peers, 100, types.NewTimelineId(), 64)
	require.True(t, ok)
	require.Equal(t, types.NodeId(2), id)
}

func TestDetermineOffloaderIsDeterministic(t *testing.T) {
	peers := []PeerSnapshot{
		{NodeId: 1, LocalStartLsn: 0, CommitLsn: 1000},
		{NodeId: 2, LocalStartLsn: 0, CommitLsn: 1000},
		{NodeId: 3, LocalStartLsn: 0, CommitLsn: 1000},
	}
	timeline := types.NewTimelineId()
	id1, _, _ := DetermineOffloader(peers, 0, timeline, 64)
	id2, _, _ := DetermineOffloader(peers, 0, timeline, 64)
	require.Equal(t, id1, id2)
}

type fakeWAL struct{ data []byte }

func (f *fakeWAL) ReadWAL(lsn types.Lsn, length int) ([]byte, error) {
	return f.data[int(lsn) : int(lsn)+length], nil
}

func TestUploaderBackupRangeUploadsWholeSegments(t *testing.T) {
	store := blobstore.NewFSStore(t.TempDir())
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	u := NewUploader(store, &fakeWAL{data: data}, 64, "tenant/timeline/wal/", 4)

	end, err := u.BackupRange(context.Background(), 0, 192)
	require.NoError(t, err)
	require.Equal(t, types.Lsn(192), end)

	attrs, err := store.List(context.Background(), "tenant/timeline/wal/")
	require.NoError(t, err)
	require.Len(t, attrs, 3)
}

func TestSegmentsInRangeSplitsOnBoundaries(t *testing.T) {
	segs := segmentsInRange(10, 150, 64)
	require.Len(t, segs, 3)
	require.Equal(t, types.Lsn(10), segs[0].StartLsn)
	require.Equal(t, types.Lsn(64), segs[0].EndLsn)
	require.Equal(t, types.Lsn(128), segs[2].StartLsn)
	require.Equal(t, types.Lsn(150), segs[2].EndLsn)
}

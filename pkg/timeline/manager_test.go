package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/gossip"
	"github.com/cuemby/strata/pkg/skproto"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walstorage"
)

func newTestRegistry(t *testing.T) (*Registry, types.TenantTimelineId) {
	t.Helper()
	ttid := types.TenantTimelineId{TenantId: types.NewTenantId(), TimelineId: types.NewTimelineId()}

	cf, err := controlfile.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cf.Close() })

	wal, err := walstorage.Open(t.TempDir(), 16<<20, 0)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	r := NewRegistry(types.NodeId(1))
	_, err = r.Create(cf, wal, ttid)
	require.NoError(t, err)
	return r, ttid
}

func TestCreateRegistersAndGetReturnsTimeline(t *testing.T) {
	r, ttid := newTestRegistry(t)
	tl, ok := r.Get(ttid)
	require.True(t, ok)
	require.Equal(t, ttid, tl.TenantTimelineId())
}

func TestCreateRejectsDuplicateRegistration(t *testing.T) {
	r, ttid := newTestRegistry(t)

	cf, err := controlfile.Open(t.TempDir())
	require.NoError(t, err)
	defer cf.Close()
	wal, err := walstorage.Open(t.TempDir(), 16<<20, 0)
	require.NoError(t, err)
	defer wal.Close()

	_, err = r.Create(cf, wal, ttid)
	require.Error(t, err)
}

func TestProcessMessageMarksTimelineActive(t *testing.T) {
	r, ttid := newTestRegistry(t)
	tl, _ := r.Get(ttid)
	require.False(t, tl.Active())

	_, _, _, err := tl.ProcessMessage(skproto.ProposerMessage{
		Greeting: &skproto.ProposerGreeting{
			ProtocolVersion: 2,
			PgVersion:       160000,
			TenantId:        ttid.TenantId,
			TimelineId:      ttid.TimelineId,
			WalSegSize:      16 << 20,
		},
	})
	require.NoError(t, err)
	require.True(t, tl.Active())
}

func TestRecordPeerInfoUpdatesLocalPeerTable(t *testing.T) {
	r, ttid := newTestRegistry(t)
	tl, _ := r.Get(ttid)

	err := tl.RecordPeerInfo(controlfile.PeerInfo{NodeId: 7, CommitLsn: 500, FlushLsn: 500})
	require.NoError(t, err)

	peers := tl.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, types.NodeId(7), peers[0].NodeId)
}

func TestDeleteRemovesTimelineFromRegistry(t *testing.T) {
	r, ttid := newTestRegistry(t)
	r.Delete(ttid)
	_, ok := r.Get(ttid)
	require.False(t, ok)
}

func TestSetBackupLsnUpdatesState(t *testing.T) {
	r, ttid := newTestRegistry(t)
	tl, _ := r.Get(ttid)

	require.NoError(t, tl.SetBackupLsn(1000))
	require.Equal(t, types.Lsn(1000), tl.State().BackupLsn)
}

func TestPublishSnapshotReachesSubscriber(t *testing.T) {
	r, ttid := newTestRegistry(t)
	tl, _ := r.Get(ttid)

	broker := gossip.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tl.PublishSnapshot(types.NodeId(1), broker)

	info := <-sub
	require.Equal(t, ttid.TenantId, info.TenantId)
	require.Equal(t, ttid.TimelineId, info.TimelineId)
}

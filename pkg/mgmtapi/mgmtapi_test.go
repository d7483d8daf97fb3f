package mgmtapi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/eviction"
	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/layerobj"
	"github.com/cuemby/strata/pkg/layermap"
	"github.com/cuemby/strata/pkg/timeline"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walstorage"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	s := NewServer()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	c, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return s, c
}

func newTestHandle(t *testing.T) (types.TenantTimelineId, *TimelineHandle) {
	t.Helper()
	ttid := types.TenantTimelineId{TenantId: types.NewTenantId(), TimelineId: types.NewTimelineId()}

	cf, err := controlfile.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cf.Close() })
	wal, err := walstorage.Open(t.TempDir(), 16<<20, 0)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	reg := timeline.NewRegistry(types.NodeId(1))
	tl, err := reg.Create(cf, wal, ttid)
	require.NoError(t, err)

	m := layermap.New()
	task := eviction.NewTask(m, eviction.Policy{Period: time.Hour, Threshold: time.Millisecond, Parallel: 1}, func(string) error { return nil })

	return ttid, &TimelineHandle{SafekeeperTimeline: tl, Layers: m, Eviction: task}
}

func TestGetTimelineStatusReturnsRegisteredState(t *testing.T) {
	s, c := startTestServer(t)
	ttid, h := newTestHandle(t)
	s.Register(ttid, h)

	status, err := c.GetTimelineStatus(context.Background(), ttid)
	require.NoError(t, err)
	require.False(t, status.Active)
	require.Equal(t, 0, status.LayerCount)
}

func TestGetTimelineStatusFailsForUnregisteredTimeline(t *testing.T) {
	_, c := startTestServer(t)
	ttid := types.TenantTimelineId{TenantId: types.NewTenantId(), TimelineId: types.NewTimelineId()}

	_, err := c.GetTimelineStatus(context.Background(), ttid)
	require.Error(t, err)
}

func TestListLayersReportsInsertedLayer(t *testing.T) {
	s, c := startTestServer(t)
	ttid, h := newTestHandle(t)
	s.Register(ttid, h)

	dir := t.TempDir()
	w := layer.NewImageWriter(ttid.TenantId, ttid.TimelineId, types.KeyRange{Start: types.MinKey, End: types.MaxKey}, 5)
	require.NoError(t, w.PutImage(types.MinKey, []byte("x")))
	path := dir + "/layer1"
	_, err := w.Finish(path)
	require.NoError(t, err)
	r, err := layer.Open(path)
	require.NoError(t, err)

	h.Layers.Insert(layermap.Desc{
		KeyRange: types.KeyRange{Start: types.MinKey, End: types.MaxKey},
		LsnStart: 5, LsnEnd: 5, IsDelta: false,
		Handle: layerobj.NewResidentHandle("layer1", path, r),
	})

	layers, err := c.ListLayers(context.Background(), ttid)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	require.False(t, layers[0].IsDelta)
	require.Equal(t, "resident", layers[0].Status)
}

func TestTriggerEvictionRunsOneIteration(t *testing.T) {
	s, c := startTestServer(t)
	ttid, h := newTestHandle(t)
	s.Register(ttid, h)

	stats, err := c.TriggerEviction(context.Background(), ttid)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Candidates)
}

func TestUnregisterRemovesTimeline(t *testing.T) {
	s, c := startTestServer(t)
	ttid, h := newTestHandle(t)
	s.Register(ttid, h)
	s.Unregister(ttid)

	_, err := c.GetTimelineStatus(context.Background(), ttid)
	require.Error(t, err)
}

package skserver

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/skproto"
	"github.com/cuemby/strata/pkg/timeline"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walstorage"
)

// encodeGreeting builds a wire-format ProposerGreeting, mirroring the byte
// layout skproto.ParseProposerMessage decodes. No production encoder for
// this message exists since the real proposer is Postgres itself.
func encodeGreeting(g skproto.ProposerGreeting) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(skproto.TagGreeting)
	binary.Write(buf, binary.LittleEndian, g.ProtocolVersion)
	binary.Write(buf, binary.LittleEndian, g.PgVersion)
	buf.Write(g.ProposerId[:])
	binary.Write(buf, binary.LittleEndian, g.SystemId)
	buf.Write(g.TimelineId[:])
	buf.Write(g.TenantId[:])
	binary.Write(buf, binary.LittleEndian, g.WalSegSize)
	return buf.Bytes()
}

func startTestServer(t *testing.T, resolve Resolver) (net.Addr, *Server) {
	t.Helper()
	s := New(resolve)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.Serve(lis)
	t.Cleanup(s.Stop)
	return lis.Addr(), s
}

func newTestTimeline(t *testing.T, ttid types.TenantTimelineId) *timeline.Timeline {
	t.Helper()
	cf, err := controlfile.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { cf.Close() })
	wal, err := walstorage.Open(t.TempDir(), 16<<20, 0)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })

	reg := timeline.NewRegistry(types.NodeId(1))
	tl, err := reg.Create(cf, wal, ttid)
	require.NoError(t, err)
	return tl
}

func TestServerGreetingResolvesTimelineAndReplies(t *testing.T) {
	ttid := types.TenantTimelineId{TenantId: types.NewTenantId(), TimelineId: types.NewTimelineId()}
	tl := newTestTimeline(t, ttid)

	var resolvedTtid types.TenantTimelineId
	addr, _ := startTestServer(t, func(got types.TenantTimelineId) (*timeline.Timeline, error) {
		resolvedTtid = got
		return tl, nil
	})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	greeting := encodeGreeting(skproto.ProposerGreeting{
		ProtocolVersion: 2,
		PgVersion:       160000,
		SystemId:        42,
		TimelineId:      ttid.TimelineId,
		TenantId:        ttid.TenantId,
		WalSegSize:      16 << 20,
	})
	require.NoError(t, writeFrame(conn, greeting))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := readFrame(conn)
	require.NoError(t, err)
	require.NotEmpty(t, reply)
	require.Equal(t, skproto.TagGreeting, reply[0])
	require.Equal(t, ttid, resolvedTtid)
}

func TestServerRejectsMessageBeforeGreeting(t *testing.T) {
	addr, _ := startTestServer(t, func(types.TenantTimelineId) (*timeline.Timeline, error) {
		t.Fatal("resolve should not be called")
		return nil, nil
	})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	voteReq := new(bytes.Buffer)
	voteReq.WriteByte(skproto.TagVote)
	binary.Write(voteReq, binary.LittleEndian, types.Term(1))
	require.NoError(t, writeFrame(conn, voteReq.Bytes()))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello frame")
	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], maxFrameSize+1)
	buf.Write(lenBuf[:])

	_, err := readFrame(&buf)
	require.Error(t, err)
}

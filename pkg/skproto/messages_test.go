package skproto

import (
	"testing"

	"github.com/cuemby/strata/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestGreetingRoundTrip(t *testing.T) {
	want := AcceptorGreeting{Term: 7, NodeId: 42}
	buf := EncodeGreeting(want)
	require.Equal(t, TagGreeting, buf[0])
	// Acceptor greetings are only ever produced by us, not parsed back by
	// ParseProposerMessage (that's the proposer-side decode); decode the
	// fields by hand to confirm the wire layout.
	require.Equal(t, want.Term, types.Term(leUint64(buf[1:9])))
	require.Equal(t, uint64(want.NodeId), leUint64(buf[9:17]))
}

func TestParseProposerGreeting(t *testing.T) {
	tenant := types.NewTenantId()
	timeline := types.NewTimelineId()
	raw := append([]byte{TagGreeting}, encodeTestGreeting(t, tenant, timeline)...)

	msg, err := ParseProposerMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Greeting)
	require.Equal(t, tenant, msg.Greeting.TenantId)
	require.Equal(t, timeline, msg.Greeting.TimelineId)
	require.Equal(t, uint32(16<<20), msg.Greeting.WalSegSize)
}

func TestParseVoteRequest(t *testing.T) {
	buf := []byte{TagVote, 0, 0, 0, 0, 0, 0, 0, 0}
	putUint64(buf[1:], 9)
	msg, err := ParseProposerMessage(buf)
	require.NoError(t, err)
	require.NotNil(t, msg.VoteRequest)
	require.Equal(t, types.Term(9), msg.VoteRequest.Term)
}

func TestEncodeVoteResponseIncludesTermHistory(t *testing.T) {
	v := VoteResponse{
		Term:             3,
		VoteGiven:        true,
		FlushLsn:         100,
		TruncateLsn:      50,
		TermHistory:      types.TermHistory{{Term: 1, Lsn: 0}, {Term: 3, Lsn: 80}},
		TimelineStartLsn: 0,
	}
	buf := EncodeVoteResponse(v)
	require.Equal(t, TagVote, buf[0])
	require.Equal(t, 1+8+8+8+8+4+2*16+8, len(buf))
	require.Equal(t, []byte{2, 0, 0, 0}, buf[33:37])
	require.Equal(t, uint64(3), leUint64(buf[53:61]))
	require.Equal(t, uint64(80), leUint64(buf[61:69]))
}

func TestParseAppendRequestRoundTrip(t *testing.T) {
	hdr := AppendRequestHeader{
		Term:          2,
		EpochStartLsn: 0,
		BeginLsn:      10,
		EndLsn:        14,
		CommitLsn:     10,
		TruncateLsn:   0,
	}
	wal := []byte("abcd")
	raw := encodeTestAppend(hdr, wal)

	msg, err := ParseProposerMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Append)
	require.Equal(t, hdr.Term, msg.Append.Header.Term)
	require.Equal(t, hdr.BeginLsn, msg.Append.Header.BeginLsn)
	require.Equal(t, hdr.EndLsn, msg.Append.Header.EndLsn)
	require.Equal(t, wal, msg.Append.WalData)
}

func TestParseAppendRequestRejectsOversized(t *testing.T) {
	hdr := AppendRequestHeader{
		Term:     1,
		BeginLsn: 0,
		EndLsn:   types.Lsn(MaxSendSize) + 1,
	}
	raw := append([]byte{TagAppend}, encodeHeaderOnly(hdr)...)
	_, err := ParseProposerMessage(raw)
	require.Error(t, err)
}

func TestParseUnknownTag(t *testing.T) {
	_, err := ParseProposerMessage([]byte{'?'})
	require.Error(t, err)
}

// --- test helpers mirroring the wire layout ---

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

func encodeTestGreeting(t *testing.T, tenant types.TenantId, timeline types.TimelineId) []byte {
	t.Helper()
	buf := make([]byte, 0, 4+4+16+8+16+16+4)
	buf = appendU32(buf, protocolVersion)
	buf = appendU32(buf, 170000)
	buf = append(buf, make([]byte, 16)...)
	buf = appendU64(buf, 1234)
	buf = append(buf, timeline[:]...)
	buf = append(buf, tenant[:]...)
	buf = appendU32(buf, 16<<20)
	return buf
}

func encodeTestAppend(hdr AppendRequestHeader, wal []byte) []byte {
	buf := []byte{TagAppend}
	buf = append(buf, encodeHeaderOnly(hdr)...)
	buf = append(buf, wal...)
	return buf
}

func encodeHeaderOnly(hdr AppendRequestHeader) []byte {
	buf := make([]byte, 0, 48+16)
	buf = appendU64(buf, uint64(hdr.Term))
	buf = appendU64(buf, uint64(hdr.EpochStartLsn))
	buf = appendU64(buf, uint64(hdr.BeginLsn))
	buf = appendU64(buf, uint64(hdr.EndLsn))
	buf = appendU64(buf, uint64(hdr.CommitLsn))
	buf = appendU64(buf, uint64(hdr.TruncateLsn))
	buf = append(buf, hdr.ProposerUuid[:]...)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v))
		v >>= 8
	}
	return buf
}

/*
Package skproto implements the compute<->safekeeper wire protocol described
in spec.md §6: one-byte tags ('g','v','e','a') framed on top of a streaming
copy-both connection, little-endian fixed binary structs, raw WAL bytes
following the append header. Encoding here must round-trip bit-exactly —
it is the one piece of strata where byte layout is the contract.
*/
package skproto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/strata/pkg/types"
)

// MaxSendSize bounds the WAL payload of a single AppendRequest.
const MaxSendSize = 1 << 20 // ~1 MiB

const protocolVersion uint32 = 2

// Tag bytes for proposer->acceptor and acceptor->proposer messages.
const (
	TagGreeting byte = 'g'
	TagVote     byte = 'v'
	TagElected  byte = 'e'
	TagAppend   byte = 'a'
)

// ProposerGreeting is the initial handshake sent by a proposer (compute).
type ProposerGreeting struct {
	ProtocolVersion uint32
	PgVersion       uint32
	ProposerId      [16]byte
	SystemId        uint64
	TimelineId      types.TimelineId
	TenantId        types.TenantId
	WalSegSize      uint32
}

// AcceptorGreeting is the safekeeper's reply: its current term and node id.
type AcceptorGreeting struct {
	Term   types.Term
	NodeId types.NodeId
}

// VoteRequest asks a safekeeper to vote for Term.
type VoteRequest struct {
	Term types.Term
}

// VoteResponse reports a safekeeper's vote decision plus enough history for
// the proposer to compute a divergence point.
type VoteResponse struct {
	Term             types.Term
	VoteGiven        bool
	FlushLsn         types.Lsn
	TruncateLsn      types.Lsn
	TermHistory      types.TermHistory
	TimelineStartLsn types.Lsn
}

// ProposerElected announces a newly elected proposer and its adopted term
// history.
type ProposerElected struct {
	Term             types.Term
	StartStreamingAt types.Lsn
	TermHistory      types.TermHistory
	TimelineStartLsn types.Lsn
}

// AppendRequestHeader precedes the raw WAL bytes of an AppendRequest.
type AppendRequestHeader struct {
	Term          types.Term
	EpochStartLsn types.Lsn
	BeginLsn      types.Lsn
	EndLsn        types.Lsn
	CommitLsn     types.Lsn
	TruncateLsn   types.Lsn
	ProposerUuid  [16]byte
}

// AppendRequest carries a header plus the WAL bytes for [BeginLsn, EndLsn).
type AppendRequest struct {
	Header  AppendRequestHeader
	WalData []byte
}

// HotStandbyFeedback is forwarded verbatim from the replication protocol.
type HotStandbyFeedback struct {
	Ts          int64
	Xmin        uint64
	CatalogXmin uint64
}

// PageserverFeedback is forwarded verbatim to the proposer.
type PageserverFeedback struct {
	CurrentTimelineSize uint64
	LastReceivedLsn     types.Lsn
	DiskConsistentLsn   types.Lsn
	RemoteConsistentLsn types.Lsn
	ReplyTime           int64
}

// AppendResponse reports the safekeeper's state after an AppendRequest or
// FlushWAL.
type AppendResponse struct {
	Term               types.Term
	FlushLsn           types.Lsn
	CommitLsn          types.Lsn
	HsFeedback         HotStandbyFeedback
	PageserverFeedback PageserverFeedback
}

// TermOnly builds a bare AppendResponse reporting just the safekeeper's
// term, used when a message arrives from a stale term.
func TermOnly(term types.Term) AppendResponse {
	return AppendResponse{Term: term}
}

// ProposerMessage is the parsed form of any proposer->acceptor message.
type ProposerMessage struct {
	Greeting    *ProposerGreeting
	VoteRequest *VoteRequest
	Elected     *ProposerElected
	Append      *AppendRequest
}

// ParseProposerMessage decodes one framed proposer message.
func ParseProposerMessage(buf []byte) (ProposerMessage, error) {
	if len(buf) < 1 {
		return ProposerMessage{}, fmt.Errorf("skproto: empty message")
	}
	r := bytes.NewReader(buf[1:])
	switch buf[0] {
	case TagGreeting:
		var g ProposerGreeting
		if err := binary.Read(r, binary.LittleEndian, &g.ProtocolVersion); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &g.PgVersion); err != nil {
			return ProposerMessage{}, err
		}
		if _, err := r.Read(g.ProposerId[:]); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &g.SystemId); err != nil {
			return ProposerMessage{}, err
		}
		if _, err := r.Read(g.TimelineId[:]); err != nil {
			return ProposerMessage{}, err
		}
		if _, err := r.Read(g.TenantId[:]); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &g.WalSegSize); err != nil {
			return ProposerMessage{}, err
		}
		return ProposerMessage{Greeting: &g}, nil

	case TagVote:
		var v VoteRequest
		if err := binary.Read(r, binary.LittleEndian, &v.Term); err != nil {
			return ProposerMessage{}, err
		}
		return ProposerMessage{VoteRequest: &v}, nil

	case TagElected:
		var e ProposerElected
		if err := binary.Read(r, binary.LittleEndian, &e.Term); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &e.StartStreamingAt); err != nil {
			return ProposerMessage{}, err
		}
		th, err := decodeTermHistory(r)
		if err != nil {
			return ProposerMessage{}, err
		}
		e.TermHistory = th
		if err := binary.Read(r, binary.LittleEndian, &e.TimelineStartLsn); err != nil {
			return ProposerMessage{}, err
		}
		return ProposerMessage{Elected: &e}, nil

	case TagAppend:
		var h AppendRequestHeader
		if err := binary.Read(r, binary.LittleEndian, &h.Term); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h.EpochStartLsn); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h.BeginLsn); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h.EndLsn); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h.CommitLsn); err != nil {
			return ProposerMessage{}, err
		}
		if err := binary.Read(r, binary.LittleEndian, &h.TruncateLsn); err != nil {
			return ProposerMessage{}, err
		}
		if _, err := r.Read(h.ProposerUuid[:]); err != nil {
			return ProposerMessage{}, err
		}
		if h.EndLsn < h.BeginLsn {
			return ProposerMessage{}, fmt.Errorf("skproto: begin_lsn > end_lsn in AppendRequest")
		}
		recSize := int(h.EndLsn - h.BeginLsn)
		if recSize > MaxSendSize {
			return ProposerMessage{}, fmt.Errorf("skproto: AppendRequest longer than MaxSendSize (%d)", MaxSendSize)
		}
		walData := make([]byte, recSize)
		if recSize > 0 {
			if _, err := r.Read(walData); err != nil {
				return ProposerMessage{}, err
			}
		}
		return ProposerMessage{Append: &AppendRequest{Header: h, WalData: walData}}, nil

	default:
		return ProposerMessage{}, fmt.Errorf("skproto: unknown proposer message tag %q", buf[0])
	}
}

func decodeTermHistory(r *bytes.Reader) (types.TermHistory, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	th := make(types.TermHistory, n)
	for i := range th {
		if err := binary.Read(r, binary.LittleEndian, &th[i].Term); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &th[i].Lsn); err != nil {
			return nil, err
		}
	}
	return th, nil
}

func encodeTermHistory(buf *bytes.Buffer, th types.TermHistory) {
	binary.Write(buf, binary.LittleEndian, uint32(len(th)))
	for _, e := range th {
		binary.Write(buf, binary.LittleEndian, e.Term)
		binary.Write(buf, binary.LittleEndian, e.Lsn)
	}
}

// EncodeGreeting serializes an AcceptorGreeting reply.
func EncodeGreeting(g AcceptorGreeting) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(TagGreeting)
	binary.Write(buf, binary.LittleEndian, g.Term)
	binary.Write(buf, binary.LittleEndian, uint64(g.NodeId))
	return buf.Bytes()
}

// EncodeVoteResponse serializes a VoteResponse reply.
func EncodeVoteResponse(v VoteResponse) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(TagVote)
	binary.Write(buf, binary.LittleEndian, v.Term)
	var voteGiven uint64
	if v.VoteGiven {
		voteGiven = 1
	}
	binary.Write(buf, binary.LittleEndian, voteGiven)
	binary.Write(buf, binary.LittleEndian, v.FlushLsn)
	binary.Write(buf, binary.LittleEndian, v.TruncateLsn)
	encodeTermHistory(buf, v.TermHistory)
	binary.Write(buf, binary.LittleEndian, v.TimelineStartLsn)
	return buf.Bytes()
}

// EncodeAppendResponse serializes an AppendResponse reply.
func EncodeAppendResponse(a AppendResponse) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(TagAppend)
	binary.Write(buf, binary.LittleEndian, a.Term)
	binary.Write(buf, binary.LittleEndian, a.FlushLsn)
	binary.Write(buf, binary.LittleEndian, a.CommitLsn)
	binary.Write(buf, binary.LittleEndian, a.HsFeedback.Ts)
	binary.Write(buf, binary.LittleEndian, a.HsFeedback.Xmin)
	binary.Write(buf, binary.LittleEndian, a.HsFeedback.CatalogXmin)
	binary.Write(buf, binary.LittleEndian, a.PageserverFeedback.CurrentTimelineSize)
	binary.Write(buf, binary.LittleEndian, a.PageserverFeedback.LastReceivedLsn)
	binary.Write(buf, binary.LittleEndian, a.PageserverFeedback.DiskConsistentLsn)
	binary.Write(buf, binary.LittleEndian, a.PageserverFeedback.RemoteConsistentLsn)
	binary.Write(buf, binary.LittleEndian, a.PageserverFeedback.ReplyTime)
	return buf.Bytes()
}

package controlfile

import (
	"github.com/cuemby/strata/pkg/types"
)

// ServerInfo records the Postgres instance a safekeeper is serving. Once
// learned it is verified against every subsequent proposer handshake.
type ServerInfo struct {
	PgVersion  uint32 `json:"pg_version"`
	SystemId   uint64 `json:"system_id"`
	WalSegSize uint32 `json:"wal_seg_size"`
}

// AcceptorState is the consensus-critical part of the persisted state: the
// highest term this safekeeper has voted for, and the history of term
// switches it has adopted.
type AcceptorState struct {
	Term        types.Term        `json:"term"`
	TermHistory types.TermHistory `json:"term_history"`
}

// Epoch returns the term of the last history entry at or before flushLsn.
func (a AcceptorState) Epoch(flushLsn types.Lsn) types.Term {
	return a.TermHistory.Epoch(flushLsn)
}

// PeerInfo is the last-known state of one peer safekeeper, learned via
// gossip.
type PeerInfo struct {
	NodeId      types.NodeId `json:"node_id"`
	BackupLsn   types.Lsn    `json:"backup_lsn"`
	Term        types.Term   `json:"term"`
	LastLogTerm types.Term   `json:"last_log_term"`
	FlushLsn    types.Lsn    `json:"flush_lsn"`
	CommitLsn   types.Lsn    `json:"commit_lsn"`
}

// State is the full crash-safe persistent state for one safekeeper timeline,
// fsynced atomically on every change that matters for correctness.
type State struct {
	TenantId   types.TenantId   `json:"tenant_id"`
	TimelineId types.TimelineId `json:"timeline_id"`
	Server     ServerInfo       `json:"server_info"`

	Acceptor AcceptorState `json:"acceptor_state"`

	TimelineStartLsn types.Lsn `json:"timeline_start_lsn"`
	LocalStartLsn    types.Lsn `json:"local_start_lsn"`

	CommitLsn           types.Lsn `json:"commit_lsn"`
	BackupLsn           types.Lsn `json:"backup_lsn"`
	PeerHorizonLsn      types.Lsn `json:"peer_horizon_lsn"`
	RemoteConsistentLsn types.Lsn `json:"remote_consistent_lsn"`

	ProposerUuid [16]byte `json:"proposer_uuid"`

	Peers map[types.NodeId]PeerInfo `json:"peers"`
}

// Empty returns a freshly initialized state for a new timeline.
func Empty(tenant types.TenantId, timeline types.TimelineId) State {
	return State{
		TenantId:   tenant,
		TimelineId: timeline,
		Peers:      make(map[types.NodeId]PeerInfo),
	}
}

// CheckInvariants validates the invariants from spec §3/§8.1. Returns the
// first violated invariant as an error, or nil.
func (s State) CheckInvariants() error {
	switch {
	case s.LocalStartLsn > s.CommitLsn:
		return errViolation("local_start_lsn > commit_lsn")
	case s.BackupLsn > s.CommitLsn:
		return errViolation("backup_lsn > commit_lsn")
	case s.PeerHorizonLsn > s.CommitLsn:
		return errViolation("peer_horizon_lsn > commit_lsn")
	}
	if last, ok := s.Acceptor.TermHistory.Last(); ok && s.Acceptor.Term < last.Term {
		return errViolation("term < last term_history entry")
	}
	return nil
}

type invariantError string

func (e invariantError) Error() string { return "controlfile: invariant violated: " + string(e) }

func errViolation(msg string) error { return invariantError(msg) }

/*
Package safekeeper implements the acceptor side of strata's replicated WAL
consensus, mirroring the message handling of
original_source/safekeeper/src/safekeeper.rs: a single in-memory state
machine per timeline that processes proposer messages one at a time and
derives replies from pkg/controlfile, pkg/walstorage and pkg/types.
*/
package safekeeper

import (
	"fmt"

	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/errs"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/skproto"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walstorage"
)

const unknownServerVersion uint32 = 0

// Acceptor is one timeline's consensus state machine. It is not safe for
// concurrent use; callers serialize access per timeline (one goroutine per
// connection, or a single dispatch loop).
type Acceptor struct {
	nodeId types.NodeId

	cf  *controlfile.Store
	wal *walstorage.Storage

	state controlfile.State

	// epochStartLsn caches where the current term's history entry begins,
	// so commit_lsn crossing it forces an immediate persist (sync-safekeepers
	// convergence depends on this).
	epochStartLsn types.Lsn
}

// Open loads (or initializes) the persisted state for a timeline and wires
// it to its WAL storage.
func Open(nodeId types.NodeId, cf *controlfile.Store, wal *walstorage.Storage, tenant types.TenantId, timeline types.TimelineId) (*Acceptor, error) {
	st, found, err := cf.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		st = controlfile.Empty(tenant, timeline)
	}
	a := &Acceptor{nodeId: nodeId, cf: cf, wal: wal, state: st}
	a.epochStartLsn = a.state.Acceptor.Epoch(a.flushLsn())
	return a, nil
}

func (a *Acceptor) flushLsn() types.Lsn { return a.wal.FlushLsn() }

func (a *Acceptor) termHistory() types.TermHistory {
	return append(types.TermHistory(nil), a.state.Acceptor.TermHistory...)
}

func (a *Acceptor) persist() error {
	return a.cf.Persist(a.state)
}

// ProcessMessage dispatches one proposer message and returns the reply to
// send back, or nil if no reply is due.
func (a *Acceptor) ProcessMessage(msg skproto.ProposerMessage) (*skproto.AppendResponse, *skproto.AcceptorGreeting, *skproto.VoteResponse, error) {
	switch {
	case msg.Greeting != nil:
		g, err := a.handleGreeting(msg.Greeting)
		return nil, g, nil, err
	case msg.VoteRequest != nil:
		v, err := a.handleVoteRequest(msg.VoteRequest)
		return nil, nil, v, err
	case msg.Elected != nil:
		err := a.handleElected(msg.Elected)
		return nil, nil, nil, err
	case msg.Append != nil:
		r, err := a.handleAppendRequest(msg.Append, true)
		return r, nil, nil, err
	default:
		return nil, nil, nil, fmt.Errorf("safekeeper: empty proposer message")
	}
}

// handleGreeting validates a fresh handshake and reports our current term.
func (a *Acceptor) handleGreeting(msg *skproto.ProposerGreeting) (*skproto.AcceptorGreeting, error) {
	if msg.TenantId != a.state.TenantId {
		return nil, errs.WrapFatal(fmt.Errorf("invalid tenant id, got %s expected %s", msg.TenantId, a.state.TenantId))
	}
	if msg.TimelineId != a.state.TimelineId {
		return nil, errs.WrapFatal(fmt.Errorf("invalid timeline id, got %s expected %s", msg.TimelineId, a.state.TimelineId))
	}
	if a.state.Server.WalSegSize != 0 && a.state.Server.WalSegSize != msg.WalSegSize {
		return nil, errs.WrapFatal(fmt.Errorf("invalid wal_seg_size, got %d expected %d", msg.WalSegSize, a.state.Server.WalSegSize))
	}
	if a.state.Server.PgVersion != unknownServerVersion && msg.PgVersion/10000 != a.state.Server.PgVersion/10000 {
		return nil, errs.WrapFatal(fmt.Errorf("incompatible postgres major version %d, expected %d", msg.PgVersion, a.state.Server.PgVersion))
	}

	changed := false
	if a.state.Server.SystemId != msg.SystemId && msg.SystemId != 0 {
		a.state.Server.SystemId = msg.SystemId
		changed = true
	}
	if a.state.Server.WalSegSize == 0 {
		a.state.Server.WalSegSize = msg.WalSegSize
		changed = true
	}
	if a.state.Server.PgVersion == unknownServerVersion && msg.PgVersion != unknownServerVersion {
		a.state.Server.PgVersion = msg.PgVersion
		changed = true
	}
	if changed {
		if err := a.persist(); err != nil {
			return nil, err
		}
	}

	log.Debug("processed greeting, replying with term")
	return &skproto.AcceptorGreeting{Term: a.state.Acceptor.Term, NodeId: a.nodeId}, nil
}

// handleVoteRequest flushes pending WAL, then votes if msg.Term is newer
// than anything we've voted for.
func (a *Acceptor) handleVoteRequest(msg *skproto.VoteRequest) (*skproto.VoteResponse, error) {
	timer := metrics.NewTimer()
	if err := a.wal.FlushWAL(); err != nil {
		return nil, err
	}
	timer.ObserveDuration(metrics.FlushDuration)

	resp := skproto.VoteResponse{
		Term:             a.state.Acceptor.Term,
		VoteGiven:        false,
		FlushLsn:         a.flushLsn(),
		TruncateLsn:      a.state.PeerHorizonLsn,
		TermHistory:      a.termHistory(),
		TimelineStartLsn: a.state.TimelineStartLsn,
	}

	if a.state.Acceptor.Term < msg.Term {
		a.state.Acceptor.Term = msg.Term
		if err := a.persist(); err != nil {
			return nil, err
		}
		resp.Term = a.state.Acceptor.Term
		resp.VoteGiven = true
	}
	if resp.VoteGiven {
		metrics.VoteRequestsTotal.WithLabelValues("granted").Inc()
	} else {
		metrics.VoteRequestsTotal.WithLabelValues("refused").Inc()
	}
	return &resp, nil
}

// handleElected adopts a newly elected proposer's term history and rewinds
// local WAL to the divergence point it names.
func (a *Acceptor) handleElected(msg *skproto.ProposerElected) error {
	if a.state.Acceptor.Term < msg.Term {
		a.state.Acceptor.Term = msg.Term
		if err := a.persist(); err != nil {
			return err
		}
	}
	if a.state.Acceptor.Term > msg.Term {
		// A stale proposer; next feedback will inform the compute.
		return nil
	}

	epoch := a.state.Acceptor.Epoch(a.flushLsn())
	if msg.Term == epoch && a.flushLsn() > msg.StartStreamingAt {
		return fmt.Errorf("safekeeper: refusing ProposerElected that would overwrite WAL: term=%d flush_lsn=%s start_streaming_at=%s",
			msg.Term, a.flushLsn(), msg.StartStreamingAt)
	}
	if msg.StartStreamingAt < a.state.CommitLsn {
		return fmt.Errorf("safekeeper: attempt to truncate committed data: start_streaming_at=%s commit_lsn=%s",
			msg.StartStreamingAt, a.state.CommitLsn)
	}

	if err := a.wal.TruncateWAL(msg.StartStreamingAt); err != nil {
		return err
	}

	if a.state.TimelineStartLsn == types.InvalidLsn {
		a.state.TimelineStartLsn = msg.TimelineStartLsn
	}
	if a.state.PeerHorizonLsn == types.InvalidLsn {
		a.state.PeerHorizonLsn = msg.TimelineStartLsn
	}
	if a.state.LocalStartLsn == types.InvalidLsn {
		a.state.LocalStartLsn = msg.StartStreamingAt
	}
	a.state.CommitLsn = types.MaxLsn(a.state.CommitLsn, a.state.TimelineStartLsn)
	a.state.BackupLsn = types.MaxLsn(a.state.BackupLsn, a.state.TimelineStartLsn)
	a.state.Acceptor.TermHistory = msg.TermHistory

	if err := a.persist(); err != nil {
		return err
	}

	last, ok := msg.TermHistory.Last()
	if !ok {
		return fmt.Errorf("safekeeper: proposer elected with empty term history")
	}
	a.epochStartLsn = last.Lsn
	return nil
}

// updateCommitLsn advances commit_lsn monotonically to min(candidate, flush_lsn).
func (a *Acceptor) updateCommitLsn(candidate types.Lsn) error {
	candidate = types.MaxLsn(candidate, a.state.CommitLsn)
	commitLsn := types.MinLsn(candidate, a.flushLsn())
	crossedEpoch := commitLsn >= a.epochStartLsn && a.state.CommitLsn < a.epochStartLsn
	a.state.CommitLsn = commitLsn
	if crossedEpoch {
		return a.persist()
	}
	return nil
}

// handleAppendRequest writes WAL bytes, optionally flushing, and advances
// commit_lsn / peer_horizon_lsn.
func (a *Acceptor) handleAppendRequest(msg *skproto.AppendRequest, requireFlush bool) (*skproto.AppendResponse, error) {
	if a.state.Acceptor.Term < msg.Header.Term {
		return nil, fmt.Errorf("safekeeper: got AppendRequest before ProposerElected")
	}
	if a.state.Acceptor.Term > msg.Header.Term {
		resp := skproto.TermOnly(a.state.Acceptor.Term)
		return &resp, nil
	}

	a.state.ProposerUuid = msg.Header.ProposerUuid

	metrics.AppendRequestsTotal.Inc()
	if len(msg.WalData) > 0 {
		if err := a.wal.WriteWAL(msg.Header.BeginLsn, msg.WalData); err != nil {
			return nil, err
		}
		metrics.AppendBytesTotal.Add(float64(len(msg.WalData)))
	}
	if requireFlush {
		timer := metrics.NewTimer()
		if err := a.wal.FlushWAL(); err != nil {
			return nil, err
		}
		timer.ObserveDuration(metrics.FlushDuration)
	}

	if msg.Header.CommitLsn != types.InvalidLsn {
		if err := a.updateCommitLsn(msg.Header.CommitLsn); err != nil {
			return nil, err
		}
	}
	a.state.PeerHorizonLsn = types.MaxLsn(a.state.PeerHorizonLsn, msg.Header.TruncateLsn)
	metrics.CommitLsn.WithLabelValues(a.state.TimelineId.String()).Set(float64(a.state.CommitLsn))

	if !requireFlush {
		return nil, nil
	}
	resp := a.appendResponse()
	return &resp, nil
}

// HandleFlush flushes WAL and reports the latest LSNs; used for idle
// heartbeats from the proposer.
func (a *Acceptor) HandleFlush() (*skproto.AppendResponse, error) {
	if err := a.wal.FlushWAL(); err != nil {
		return nil, err
	}
	resp := a.appendResponse()
	return &resp, nil
}

func (a *Acceptor) appendResponse() skproto.AppendResponse {
	return skproto.AppendResponse{
		Term:      a.state.Acceptor.Term,
		FlushLsn:  a.flushLsn(),
		CommitLsn: a.state.CommitLsn,
	}
}

// RecordPeerInfo folds in gossip about a peer safekeeper's progress,
// possibly advancing our own commit_lsn when the peer's last_log_term
// matches our current epoch.
func (a *Acceptor) RecordPeerInfo(info controlfile.PeerInfo) error {
	if a.state.Peers == nil {
		a.state.Peers = make(map[types.NodeId]controlfile.PeerInfo)
	}
	a.state.Peers[info.NodeId] = info

	epoch := a.state.Acceptor.Epoch(a.flushLsn())
	if info.CommitLsn != types.InvalidLsn && info.LastLogTerm == epoch {
		if err := a.updateCommitLsn(info.CommitLsn); err != nil {
			return err
		}
	}
	a.state.BackupLsn = types.MaxLsn(a.state.BackupLsn, info.BackupLsn)
	a.state.PeerHorizonLsn = types.MaxLsn(a.state.PeerHorizonLsn, info.BackupLsn)
	return nil
}

// AdvanceBackupLsn records that WAL has been durably offloaded up to lsn,
// called after a successful upload to remote storage.
func (a *Acceptor) AdvanceBackupLsn(lsn types.Lsn) error {
	a.state.BackupLsn = types.MaxLsn(a.state.BackupLsn, lsn)
	return a.persist()
}

// MaybePersist flushes in-memory LSN advances to the control file if the
// last persist is stale enough, mirroring handle the original's
// maybe_persist_inmem_control_file throttle.
func (a *Acceptor) MaybePersist(minInterval func() bool) error {
	if minInterval != nil && !minInterval() {
		return nil
	}
	return a.persist()
}

// State exposes a read-only snapshot for diagnostics and tests.
func (a *Acceptor) State() controlfile.State { return a.state }

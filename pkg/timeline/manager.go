/*
Package timeline glues together one safekeeper timeline's consensus
core, peer gossip, and activity tracking, and provides the process-wide
registry that looks timelines up by tenant/timeline id. Grounded on
original_source/safekeeper/src/timeline.rs's SharedState/GlobalTimelines:
a mutex-guarded wrapper around the SafeKeeper plus a PeersInfo table,
registered in a global map keyed by TenantTimelineId.
*/
package timeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/gossip"
	"github.com/cuemby/strata/pkg/safekeeper"
	"github.com/cuemby/strata/pkg/skproto"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walstorage"
)

// Timeline wraps one timeline's consensus core with the peer-gossip and
// activity bookkeeping that lives alongside it, the way SharedState wraps
// SafeKeeper in the original.
type Timeline struct {
	ttid types.TenantTimelineId

	mu       sync.Mutex
	acceptor *safekeeper.Acceptor
	peers    map[types.NodeId]controlfile.PeerInfo
	active   bool
}

func newTimeline(ttid types.TenantTimelineId, acceptor *safekeeper.Acceptor) *Timeline {
	return &Timeline{
		ttid:     ttid,
		acceptor: acceptor,
		peers:    make(map[types.NodeId]controlfile.PeerInfo),
	}
}

// TenantTimelineId returns the identity of this timeline.
func (tl *Timeline) TenantTimelineId() types.TenantTimelineId { return tl.ttid }

// ProcessMessage forwards msg to the underlying consensus core and marks
// the timeline active, since receiving a proposer message means a
// compute is connected.
func (tl *Timeline) ProcessMessage(msg skproto.ProposerMessage) (*skproto.AppendResponse, *skproto.AcceptorGreeting, *skproto.VoteResponse, error) {
	tl.mu.Lock()
	tl.active = true
	tl.mu.Unlock()
	return tl.acceptor.ProcessMessage(msg)
}

// RecordPeerInfo merges a gossiped peer snapshot into both the consensus
// core's peer_horizon_lsn bookkeeping and this timeline's local peer
// table, so callers can list every known peer's state.
func (tl *Timeline) RecordPeerInfo(info controlfile.PeerInfo) error {
	if err := tl.acceptor.RecordPeerInfo(info); err != nil {
		return err
	}
	tl.mu.Lock()
	tl.peers[info.NodeId] = info
	tl.mu.Unlock()
	return nil
}

// Peers returns a snapshot of every peer's last-known state.
func (tl *Timeline) Peers() []controlfile.PeerInfo {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]controlfile.PeerInfo, 0, len(tl.peers))
	for _, p := range tl.peers {
		out = append(out, p)
	}
	return out
}

// Active reports the timeline's activity flag. ProcessMessage sets it on
// every proposer message; gossip and WAL backup do not touch it, and only
// SetActive clears it.
func (tl *Timeline) Active() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.active
}

// SetActive updates the activity flag, e.g. after an idle-timeout sweep
// decides the timeline has gone quiet.
func (tl *Timeline) SetActive(active bool) {
	tl.mu.Lock()
	tl.active = active
	tl.mu.Unlock()
}

// State returns the current persisted-shape state, for diagnostics and
// for building a gossip snapshot to publish.
func (tl *Timeline) State() controlfile.State {
	return tl.acceptor.State()
}

// MaybePersist flushes consensus state to disk if minInterval allows it.
func (tl *Timeline) MaybePersist(minInterval func() bool) error {
	return tl.acceptor.MaybePersist(minInterval)
}

// SetBackupLsn records that WAL has been durably offloaded up to lsn, after
// a WAL-offload uploader finishes a range.
func (tl *Timeline) SetBackupLsn(lsn types.Lsn) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.acceptor.AdvanceBackupLsn(lsn)
}

// PublishSnapshot builds this node's current gossip record and publishes
// it on broker, so peers watching the same tenant/timeline learn our
// flush/commit LSN.
func (tl *Timeline) PublishSnapshot(nodeId types.NodeId, broker *gossip.Broker) {
	st := tl.State()
	broker.Publish(&gossip.TimelineInfo{
		TenantId:   st.TenantId,
		TimelineId: st.TimelineId,
		Peer: controlfile.PeerInfo{
			NodeId:      nodeId,
			BackupLsn:   st.BackupLsn,
			Term:        st.Acceptor.Term,
			LastLogTerm: st.Acceptor.Epoch(st.CommitLsn),
			FlushLsn:    st.CommitLsn,
			CommitLsn:   st.CommitLsn,
		},
		Timestamp: time.Now(),
	})
}

// Registry is the process-wide lookup table of every timeline this node
// is serving, mirroring GlobalTimelines.
type Registry struct {
	nodeId types.NodeId

	mu        sync.RWMutex
	timelines map[types.TenantTimelineId]*Timeline
}

// NewRegistry builds an empty registry for nodeId.
func NewRegistry(nodeId types.NodeId) *Registry {
	return &Registry{nodeId: nodeId, timelines: make(map[types.TenantTimelineId]*Timeline)}
}

// Create opens (or resumes) the consensus core for ttid and registers it.
func (r *Registry) Create(cf *controlfile.Store, wal *walstorage.Storage, ttid types.TenantTimelineId) (*Timeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.timelines[ttid]; exists {
		return nil, fmt.Errorf("timeline: %s already registered", ttid)
	}
	acceptor, err := safekeeper.Open(r.nodeId, cf, wal, ttid.TenantId, ttid.TimelineId)
	if err != nil {
		return nil, err
	}
	tl := newTimeline(ttid, acceptor)
	r.timelines[ttid] = tl
	return tl, nil
}

// Get returns a registered timeline, if any.
func (r *Registry) Get(ttid types.TenantTimelineId) (*Timeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tl, ok := r.timelines[ttid]
	return tl, ok
}

// Delete drops a timeline from the registry, e.g. after it's deleted on
// disk. It does not remove any on-disk state itself.
func (r *Registry) Delete(ttid types.TenantTimelineId) {
	r.mu.Lock()
	delete(r.timelines, ttid)
	r.mu.Unlock()
}

// All returns a snapshot of every registered timeline.
func (r *Registry) All() []*Timeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Timeline, 0, len(r.timelines))
	for _, tl := range r.timelines {
		out = append(out, tl)
	}
	return out
}

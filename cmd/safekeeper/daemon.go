/*
Package main implements the safekeeper daemon's process wiring: the
consensus registry, the compute-facing wire listener, peer gossip, the
WAL offloader election loop, and the management surface. Grounded on
cuemby-warren/cmd/warren/main.go's cluster-init sequence (construct
core state, start background loops, start servers, wait for a signal).
*/
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/strata/pkg/blobstore"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/controlfile"
	"github.com/cuemby/strata/pkg/gossip"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/mgmtapi"
	"github.com/cuemby/strata/pkg/skserver"
	"github.com/cuemby/strata/pkg/timeline"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walbackup"
	"github.com/cuemby/strata/pkg/walstorage"
)

// timelineResources bundles the per-timeline state the daemon needs
// beyond what pkg/timeline.Timeline itself tracks: its WAL storage (for
// offload uploads) and a subscription to its own gossip updates.
type timelineResources struct {
	wal      *walstorage.Storage
	uploader *walbackup.Uploader
	sub      gossip.Subscriber
}

// Daemon owns every timeline this safekeeper node is serving, its compute
// listener, its peer-gossip broker, and its management surface.
type Daemon struct {
	cfg      config.Safekeeper
	nodeId   types.NodeId
	registry *timeline.Registry
	broker   *gossip.Broker
	skSrv    *skserver.Server
	admin    *mgmtapi.Server
	store    blobstore.Store

	mu        sync.Mutex
	resources map[types.TenantTimelineId]*timelineResources

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemon wires together a safekeeper's shared resources.
func NewDaemon(cfg config.Safekeeper) (*Daemon, error) {
	store, err := blobstore.NewFSStore(filepath.Join(cfg.WorkDir, "remote"))
	if err != nil {
		return nil, err
	}

	nodeId := types.NodeId(cfg.NodeID)
	d := &Daemon{
		cfg:       cfg,
		nodeId:    nodeId,
		registry:  timeline.NewRegistry(nodeId),
		broker:    gossip.NewBroker(),
		admin:     mgmtapi.NewServer(),
		store:     store,
		resources: make(map[types.TenantTimelineId]*timelineResources),
	}
	d.skSrv = skserver.New(d.resolveTimeline)
	d.broker.Start()
	return d, nil
}

// resolveTimeline looks up a registered timeline or creates its on-disk
// state on first contact, under workDir/<tenant>/<timeline>.
func (d *Daemon) resolveTimeline(ttid types.TenantTimelineId) (*timeline.Timeline, error) {
	if tl, ok := d.registry.Get(ttid); ok {
		return tl, nil
	}

	dir := filepath.Join(d.cfg.WorkDir, ttid.TenantId.String(), ttid.TimelineId.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("safekeeper: create timeline dir: %w", err)
	}
	cf, err := controlfile.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("safekeeper: open control file: %w", err)
	}
	wal, err := walstorage.Open(dir, uint64(d.cfg.WalSegSizeMB)<<20, 0)
	if err != nil {
		return nil, fmt.Errorf("safekeeper: open wal storage: %w", err)
	}
	tl, err := d.registry.Create(cf, wal, ttid)
	if err != nil {
		return nil, err
	}

	keyPrefix := fmt.Sprintf("%s/%s/wal/", ttid.TenantId, ttid.TimelineId)
	uploader := walbackup.NewUploader(d.store, wal, uint64(d.cfg.WalSegSizeMB)<<20, keyPrefix, 4)
	sub := d.broker.Subscribe()

	d.mu.Lock()
	d.resources[ttid] = &timelineResources{wal: wal, uploader: uploader, sub: sub}
	d.mu.Unlock()

	d.admin.Register(ttid, &mgmtapi.TimelineHandle{SafekeeperTimeline: tl})
	return tl, nil
}

// Start begins the background loop that publishes gossip snapshots,
// persists consensus state, and runs offloader election for every
// registered timeline.
func (d *Daemon) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.runLoop(ctx)
}

func (d *Daemon) runLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	skLog := log.WithComponent("safekeeper")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tl := range d.registry.All() {
				tl.PublishSnapshot(d.nodeId, d.broker)
				d.drainGossip(tl)
				if err := tl.MaybePersist(func() bool { return true }); err != nil {
					skLog.Warn().Str("timeline", tl.TenantTimelineId().String()).Err(err).Msg("persist failed")
				}
				d.maybeOffload(ctx, tl, skLog)
			}
		}
	}
}

// drainGossip folds any pending peer snapshots published since the last
// tick into tl's local peer table.
func (d *Daemon) drainGossip(tl *timeline.Timeline) {
	d.mu.Lock()
	res, ok := d.resources[tl.TenantTimelineId()]
	d.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case info := <-res.sub:
			if info.TenantId == tl.TenantTimelineId().TenantId && info.TimelineId == tl.TenantTimelineId().TimelineId {
				_ = tl.RecordPeerInfo(info.Peer)
			}
		default:
			return
		}
	}
}

// maybeOffload elects the offloader among tl's known peers (plus this
// node) and, if this node wins, uploads any WAL not yet backed up,
// mirroring the original's periodic per-timeline backup task.
func (d *Daemon) maybeOffload(ctx context.Context, tl *timeline.Timeline, skLog zerolog.Logger) {
	ttid := tl.TenantTimelineId()

	d.mu.Lock()
	res, ok := d.resources[ttid]
	d.mu.Unlock()
	if !ok {
		return
	}

	st := tl.State()
	peers := make([]walbackup.PeerSnapshot, 0, len(tl.Peers())+1)
	peers = append(peers, walbackup.PeerSnapshot{
		NodeId:        d.nodeId,
		LocalStartLsn: st.LocalStartLsn,
		CommitLsn:     st.CommitLsn,
	})
	for _, p := range tl.Peers() {
		peers = append(peers, walbackup.PeerSnapshot{
			NodeId:        p.NodeId,
			LocalStartLsn: st.LocalStartLsn,
			CommitLsn:     p.CommitLsn,
		})
	}

	winner, elected, reason := walbackup.DetermineOffloader(peers, st.BackupLsn, ttid.TimelineId, uint64(d.cfg.MaxOffloaderLagMB)<<20)
	if !elected || winner != d.nodeId {
		return
	}
	if st.BackupLsn >= st.CommitLsn {
		return
	}

	newBackupLsn, err := res.uploader.BackupRange(ctx, st.BackupLsn, st.CommitLsn)
	if err != nil {
		skLog.Warn().Str("timeline", ttid.String()).Str("reason", reason).Err(err).Msg("wal offload failed")
		return
	}
	if err := tl.SetBackupLsn(newBackupLsn); err != nil {
		skLog.Warn().Str("timeline", ttid.String()).Err(err).Msg("recording backup_lsn failed")
	}
}

// Stop halts the background loop and every subsystem started alongside it.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.skSrv.Stop()
	d.admin.Stop()
	d.broker.Stop()
}

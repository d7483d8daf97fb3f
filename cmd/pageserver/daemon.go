/*
Package main implements the pageserver daemon's process wiring: scanning
its on-disk tenant/timeline layout into layer maps, running one eviction
task per timeline, and exposing the management surface. Grounded on
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

	"github.com/cuemby/strata/pkg/blobstore"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/eviction"
	"github.com/cuemby/strata/pkg/layer"
	"github.com/cuemby/strata/pkg/layerobj"
	"github.com/cuemby/strata/pkg/layermap"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/mgmtapi"
	"github.com/cuemby/strata/pkg/pagecache"
	"github.com/cuemby/strata/pkg/reconstruct"
	"github.com/cuemby/strata/pkg/types"
	"github.com/cuemby/strata/pkg/walredo"
)

// blobDownloader adapts a blobstore.Store into the layerobj.Downloader a
// layer handle uses to fetch its bytes back onto local disk.
type blobDownloader struct {
	store blobstore.Store
}

func (d blobDownloader) Download(ctx context.Context, remoteKey, localPath string) error {
	r, err := d.store.Get(ctx, remoteKey, 0, -1)
	if err != nil {
		return fmt.Errorf("pageserver: download %s: %w", remoteKey, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.ReadFrom(r); err != nil {
		return err
	}
	return nil
}

// timelineState is one tenant/timeline's in-memory pageserver state.
type timelineState struct {
	ttid    types.TenantTimelineId
	layers  *layermap.Map
	engine  *reconstruct.Engine
	evict   *eviction.Task
	cancel  context.CancelFunc
}

// Daemon owns every timeline a pageserver process is currently serving,
// the shared page cache and WAL-redo manager they draw on, and the
// management surface that exposes them to operators.
type Daemon struct {
	cfg    config.Pageserver
	store  blobstore.Store
	cache  *pagecache.Cache
	redo   *walredo.Manager
	admin  *mgmtapi.Server

	mu        sync.Mutex
	timelines map[types.TenantTimelineId]*timelineState
}

const defaultPgVersion uint32 = 160000

// NewDaemon wires together a pageserver's shared resources. It serves
// nothing by itself; call Scan, then serve the management surface
// (d.admin) on a listener.
func NewDaemon(cfg config.Pageserver) (*Daemon, error) {
	store, err := blobstore.NewFSStore(filepath.Join(cfg.WorkDir, "remote"))
	if err != nil {
		return nil, fmt.Errorf("pageserver: open remote store: %w", err)
	}

	numSlots := (cfg.PageCacheSizeMB * 1024 * 1024) / pagecache.PageSize
	if numSlots < 1 {
		numSlots = 1
	}

	redoPath := filepath.Join(cfg.WorkDir, "bin", "walredo")
	redoIdle := time.Duration(cfg.WalRedoIdleSec) * time.Second
	redo := walredo.NewManager(func() (walredo.PostgresApplier, error) {
		return walredo.StartProcess(context.Background(), redoPath, cfg.WorkDir, defaultPgVersion)
	})
	if redoIdle > 0 {
		go func() {
			ticker := time.NewTicker(redoIdle / 2)
			defer ticker.Stop()
			for range ticker.C {
				redo.MaybeQuiesce(redoIdle)
			}
		}()
	}

	d := &Daemon{
		cfg:       cfg,
		store:     store,
		cache:     pagecache.New(numSlots),
		redo:      redo,
		admin:     mgmtapi.NewServer(),
		timelines: make(map[types.TenantTimelineId]*timelineState),
	}
	return d, nil
}

// Scan discovers every tenant/timeline directory under cfg.WorkDir/tenants
// and loads its layer files into memory, per the persisted state layout
// tenants/<tenant_shard>/timelines/<timeline>/<layer_file_name>.
func (d *Daemon) Scan() error {
	root := filepath.Join(d.cfg.WorkDir, "tenants")
	tenantDirs, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pageserver: scan tenants: %w", err)
	}

	for _, td := range tenantDirs {
		if !td.IsDir() {
			continue
		}
		tenant, err := tenantFromDirName(td.Name())
		if err != nil {
			log.WithComponent("pageserver").Warn().Str("dir", td.Name()).Err(err).Msg("skipping unrecognized tenant directory")
			continue
		}

		timelinesRoot := filepath.Join(root, td.Name(), "timelines")
		timelineDirs, err := os.ReadDir(timelinesRoot)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		for _, tl := range timelineDirs {
			if !tl.IsDir() {
				continue
			}
			timelineId, err := types.TimelineIdFromHex(tl.Name())
			if err != nil {
				continue
			}
			ttid := types.TenantTimelineId{TenantId: tenant, TimelineId: timelineId}
			if err := d.loadTimeline(ttid, filepath.Join(timelinesRoot, tl.Name())); err != nil {
				return fmt.Errorf("pageserver: load %s: %w", ttid, err)
			}
		}
	}
	return nil
}

func tenantFromDirName(name string) (types.TenantId, error) {
	hexPart := name
	if i := indexOfDash(name); i >= 0 {
		hexPart = name[:i]
	}
	return types.TenantIdFromHex(hexPart)
}

func indexOfDash(s string) int {
	for i, c := range s {
		if c == '-' {
			return i
		}
	}
	return -1
}

func (d *Daemon) loadTimeline(ttid types.TenantTimelineId, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	layers := layermap.New()
	dl := blobDownloader{store: d.store}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		r, err := layer.Open(path)
		if err != nil {
			continue
		}
		summary := r.Summary()
		layers.Insert(layermap.Desc{
			KeyRange: summary.KeyRange,
			LsnStart: summary.LsnStart,
			LsnEnd:   summary.LsnEnd,
			IsDelta:  !r.IsImage(),
			Handle:   layerobj.NewResidentHandle(e.Name(), path, r),
		})
	}

	engine := reconstruct.NewEngine(ttid.String(), layers, d.cache, d.redo, dl, defaultPgVersion)

	removeFn := func(path string) error { return os.Remove(path) }
	policy := eviction.Policy{
		Period:    time.Duration(d.cfg.EvictionPeriodSec) * time.Second,
		Threshold: time.Duration(d.cfg.EvictionThresholdSec) * time.Second,
		Parallel:  4,
	}
	task := eviction.NewTask(layers, policy, removeFn)

	ctx, cancel := context.WithCancel(context.Background())
	ts := &timelineState{ttid: ttid, layers: layers, engine: engine, evict: task, cancel: cancel}

	d.mu.Lock()
	d.timelines[ttid] = ts
	d.mu.Unlock()

	d.admin.Register(ttid, &mgmtapi.TimelineHandle{Layers: layers, Eviction: task})
	go task.Run(ctx)
	return nil
}

// Stop cancels every timeline's eviction loop and stops the management
// server.
func (d *Daemon) Stop() {
	d.mu.Lock()
	for _, ts := range d.timelines {
		ts.cancel()
	}
	d.mu.Unlock()
	d.admin.Stop()
}

/*
Package basebackup builds the tarball a compute node bootstraps from: a
pgdata directory skeleton, non-relational files (filenode maps,
replication-slot aux files, two-phase state), unlogged relations'
init and main forks (every relation fork on a full backup), a
zenith.signal file so postgres knows where its WAL truly starts, and a
generated pg_control plus a zero-filled WAL segment. SLRU segments
(CLOG, multixact) are not emitted. Grounded
on original_source/pageserver/src/basebackup.rs's
send_basebackup_tarball/Basebackup::send_tarball.

This has nothing to do with postgres's own pg_basebackup tool, a
naming confusion the original source carries too.
*/
package basebackup

import (
	"archive/tar"
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
)

const (
	blockSize      = 8192
	relSegSize     = 1024 * 1024 * 1024 / blockSize // blocks per 1GiB segment file
	walSegmentSize = 16 * 1024 * 1024

	globalTablespaceOid  = 1664
	defaultTablespaceOid = 1663

	mainForkNum = 0
	fsmForkNum  = 1
	vmForkNum   = 2
	initForkNum = 3
)

var pgdataSubdirs = []string{
	"global", "pg_wal", "pg_wal/archive_status", "pg_xact", "pg_logical",
	"pg_logical/snapshots", "pg_logical/mappings", "pg_subtrans", "pg_twophase",
	"pg_multixact", "pg_multixact/members", "pg_multixact/offsets",
	"base", "base/1", "pg_replslot", "pg_tblspc", "pg_stat", "pg_stat_tmp",
	"pg_commit_ts", "pg_dynshmem", "pg_notify", "pg_serial", "pg_snapshots", "pg_wal",
}

var pgdataSpecialFiles = []string{"pg_hba.conf", "pg_ident.conf"}

// RelTag identifies one relation fork.
type RelTag struct {
	SpcNode uint32
	DbNode  uint32
	RelNode uint32
	ForkNum uint8
}

func (r RelTag) relPath() string {
	suffix := ""
	switch r.ForkNum {
	case fsmForkNum:
		suffix = "_fsm"
	case vmForkNum:
		suffix = "_vm"
	case initForkNum:
		suffix = "_init"
	}
	name := fmt.Sprintf("%d%s", r.RelNode, suffix)
	if r.SpcNode == globalTablespaceOid {
		return "global/" + name
	}
	return fmt.Sprintf("base/%d/%s", r.DbNode, name)
}

func (r RelTag) segFileName(seg uint32) string {
	if seg == 0 {
		return r.relPath()
	}
	return fmt.Sprintf("%s.%d", r.relPath(), seg)
}

func (r RelTag) withForkNum(fork uint8) RelTag {
	r.ForkNum = fork
	return r
}

// DbDir describes one database directory to materialize.
type DbDir struct {
	SpcNode       uint32
	DbNode        uint32
	HasRelmapFile bool
}

// AuxFile is a small non-relational file stored verbatim, e.g. a
// replication slot's on-disk state.
type AuxFile struct {
	Path    string
	Content []byte
}

// Source supplies the page and metadata reads a basebackup needs,
// implemented against pkg/reconstruct and timeline bookkeeping in
// production and faked in tests.
type Source interface {
	ListDbDirs(ctx context.Context, lsn types.Lsn) ([]DbDir, error)
	ListRels(ctx context.Context, spcnode, dbnode uint32, lsn types.Lsn) ([]RelTag, error)
	RelSize(ctx context.Context, rel RelTag, lsn types.Lsn) (uint32, error)
	RelPage(ctx context.Context, rel RelTag, blockNo uint32, lsn types.Lsn) ([]byte, error)
	RelmapFile(ctx context.Context, spcnode, dbnode uint32, lsn types.Lsn) ([]byte, error)
	ListAuxFiles(ctx context.Context, lsn types.Lsn) ([]AuxFile, error)
	ListTwoPhaseFiles(ctx context.Context, lsn types.Lsn) ([]uint32, error)
	TwoPhaseFile(ctx context.Context, xid uint32, lsn types.Lsn) ([]byte, error)
	ControlFile(ctx context.Context, lsn types.Lsn) ([]byte, error)
	Checkpoint(ctx context.Context, lsn types.Lsn) ([]byte, error)
	PgVersion() uint32
	LastRecordLsn() (last, prev types.Lsn)
	AncestorLsn() types.Lsn
}

// ControlFileBuilder produces the final pg_control bytes and system
// identifier from the raw control/checkpoint bytes and the backup LSN,
// analogous to postgres_ffi::generate_pg_control.
type ControlFileBuilder func(controlBytes, checkpointBytes []byte, lsn types.Lsn, pgVersion uint32) (pgControl []byte, systemIdentifier uint64, err error)

// Options configures one basebackup run.
type Options struct {
	ReqLsn     types.Lsn // zero means "end of timeline"
	PrevLsn    types.Lsn // zero means "derive from the timeline"
	FullBackup bool
	BuildControlFile ControlFileBuilder
}

// Send writes a complete basebackup tarball for src to w.
func Send(ctx context.Context, w io.Writer, src Source, opts Options) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.BasebackupDuration)
	metrics.BasebackupsTotal.Inc()

	lastLsn, lastPrev := src.LastRecordLsn()

	var backupLsn, backupPrev types.Lsn
	if opts.ReqLsn.Valid() {
		backupLsn = opts.ReqLsn
		if opts.ReqLsn == lastLsn {
			backupPrev = lastPrev
		}
	} else {
		backupLsn, backupPrev = lastLsn, lastPrev
	}

	prevLsn := backupPrev
	if opts.PrevLsn.Valid() {
		if backupPrev.Valid() && backupPrev != opts.PrevLsn {
			return fmt.Errorf("basebackup: provided prev_lsn %s disagrees with derived %s", opts.PrevLsn, backupPrev)
		}
		prevLsn = opts.PrevLsn
	}

	b := &builder{
		ar:         tar.NewWriter(w),
		src:        src,
		lsn:        backupLsn,
		prevLsn:    prevLsn,
		fullBackup: opts.FullBackup,
		buildCtrl:  opts.BuildControlFile,
	}
	if err := b.sendTarball(ctx); err != nil {
		return err
	}
	return b.ar.Close()
}

type builder struct {
	ar         *tar.Writer
	src        Source
	lsn        types.Lsn
	prevLsn    types.Lsn
	fullBackup bool
	buildCtrl  ControlFileBuilder
}

func (b *builder) sendTarball(ctx context.Context) error {
	for _, dir := range pgdataSubdirs {
		if err := b.writeDirHeader(dir); err != nil {
			return fmt.Errorf("basebackup: adding directory %s: %w", dir, err)
		}
	}

	for _, f := range pgdataSpecialFiles {
		if err := b.writeFile(f, nil); err != nil {
			return fmt.Errorf("basebackup: adding config file %s: %w", f, err)
		}
	}

	dbdirs, err := b.src.ListDbDirs(ctx, b.lsn)
	if err != nil {
		return fmt.Errorf("basebackup: listing db dirs: %w", err)
	}

	var minRestartLsn types.Lsn
	for _, d := range dbdirs {
		if err := b.addDbDir(ctx, d); err != nil {
			return err
		}

		rels, err := b.src.ListRels(ctx, d.SpcNode, d.DbNode, b.lsn)
		if err != nil {
			return fmt.Errorf("basebackup: listing rels: %w", err)
		}
		relSet := make(map[RelTag]bool, len(rels))
		for _, r := range rels {
			relSet[r] = true
		}
		for _, rel := range rels {
			if rel.ForkNum == initForkNum {
				if err := b.addRel(ctx, rel, rel); err != nil {
					return err
				}
				if err := b.addRel(ctx, rel, rel.withForkNum(mainForkNum)); err != nil {
					return err
				}
				continue
			}
			if b.fullBackup {
				if rel.ForkNum == mainForkNum && relSet[rel.withForkNum(initForkNum)] {
					continue // will be emitted from its init fork above
				}
				if err := b.addRel(ctx, rel, rel); err != nil {
					return err
				}
			}
		}

		auxFiles, err := b.src.ListAuxFiles(ctx, b.lsn)
		if err != nil {
			return fmt.Errorf("basebackup: listing aux files: %w", err)
		}
		for _, f := range auxFiles {
			if restartLsn, ok := replSlotRestartLsn(f); ok {
				if !minRestartLsn.Valid() || restartLsn < minRestartLsn {
					minRestartLsn = restartLsn
				}
			}
			if err := b.writeFile(f.Path, f.Content); err != nil {
				return fmt.Errorf("basebackup: adding aux file %s: %w", f.Path, err)
			}
		}
	}

	if minRestartLsn.Valid() {
		var data [8]byte
		putLsnLE(data[:], minRestartLsn)
		if err := b.writeFile("restart.lsn", data[:]); err != nil {
			return err
		}
	}

	xids, err := b.src.ListTwoPhaseFiles(ctx, b.lsn)
	if err != nil {
		return fmt.Errorf("basebackup: listing twophase files: %w", err)
	}
	for _, xid := range xids {
		if err := b.addTwoPhaseFile(ctx, xid); err != nil {
			return err
		}
	}

	return b.addPgControl(ctx)
}

func (b *builder) addDbDir(ctx context.Context, d DbDir) error {
	var relmapImg []byte
	if d.HasRelmapFile {
		img, err := b.src.RelmapFile(ctx, d.SpcNode, d.DbNode, b.lsn)
		if err != nil {
			return fmt.Errorf("basebackup: reading relmap file: %w", err)
		}
		relmapImg = img
	}

	if d.SpcNode == globalTablespaceOid {
		if err := b.writeFile("global/PG_VERSION", pgVersionFileContents(b.src.PgVersion())); err != nil {
			return err
		}
		if relmapImg != nil {
			return b.writeFile("global/pg_filenode.map", relmapImg)
		}
		return nil
	}

	if relmapImg == nil {
		rels, err := b.src.ListRels(ctx, d.SpcNode, d.DbNode, b.lsn)
		if err != nil {
			return fmt.Errorf("basebackup: listing rels for empty-dir check: %w", err)
		}
		if len(rels) == 0 {
			return nil
		}
	}
	if d.SpcNode != defaultTablespaceOid {
		return fmt.Errorf("basebackup: user-defined tablespaces are not supported (spcnode %d)", d.SpcNode)
	}

	dbPath := fmt.Sprintf("base/%d", d.DbNode)
	if err := b.writeDirHeader(dbPath); err != nil {
		return err
	}
	if relmapImg == nil {
		return nil
	}
	if err := b.writeFile(dbPath+"/PG_VERSION", pgVersionFileContents(b.src.PgVersion())); err != nil {
		return err
	}
	return b.writeFile(dbPath+"/pg_filenode.map", relmapImg)
}

func (b *builder) addRel(ctx context.Context, src, dst RelTag) error {
	nblocks, err := b.src.RelSize(ctx, src, b.lsn)
	if err != nil {
		return fmt.Errorf("basebackup: getting size of relation: %w", err)
	}
	if nblocks == 0 {
		return b.writeFile(dst.segFileName(0), nil)
	}

	var startBlk uint32
	var seg uint32
	for startBlk < nblocks {
		endBlk := startBlk + relSegSize
		if endBlk > nblocks {
			endBlk = nblocks
		}
		segData := make([]byte, 0, int(endBlk-startBlk)*blockSize)
		for blk := startBlk; blk < endBlk; blk++ {
			img, err := b.src.RelPage(ctx, src, blk, b.lsn)
			if err != nil {
				return fmt.Errorf("basebackup: reconstructing block %d of relation: %w", blk, err)
			}
			segData = append(segData, img...)
		}
		if err := b.writeFile(dst.segFileName(seg), segData); err != nil {
			return err
		}
		seg++
		startBlk = endBlk
	}
	return nil
}

func (b *builder) addTwoPhaseFile(ctx context.Context, xid uint32) error {
	img, err := b.src.TwoPhaseFile(ctx, xid, b.lsn)
	if err != nil {
		return fmt.Errorf("basebackup: reading twophase file for xid %d: %w", xid, err)
	}
	table := crc32.MakeTable(crc32.Castagnoli)
	sum := crc32.Checksum(img, table)
	buf := make([]byte, len(img)+4)
	copy(buf, img)
	buf[len(img)+0] = byte(sum)
	buf[len(img)+1] = byte(sum >> 8)
	buf[len(img)+2] = byte(sum >> 16)
	buf[len(img)+3] = byte(sum >> 24)
	return b.writeFile(fmt.Sprintf("pg_twophase/%08X", xid), buf)
}

func (b *builder) addPgControl(ctx context.Context) error {
	signal := "PREV LSN: invalid"
	if !b.prevLsn.Valid() {
		if b.lsn == b.src.AncestorLsn() {
			signal = "PREV LSN: none"
		}
	} else {
		signal = fmt.Sprintf("PREV LSN: %s", b.prevLsn)
	}
	if err := b.writeFile("zenith.signal", []byte(signal)); err != nil {
		return err
	}

	checkpointBytes, err := b.src.Checkpoint(ctx, b.lsn)
	if err != nil {
		return fmt.Errorf("basebackup: reading checkpoint: %w", err)
	}
	controlBytes, err := b.src.ControlFile(ctx, b.lsn)
	if err != nil {
		return fmt.Errorf("basebackup: reading control file: %w", err)
	}

	if b.buildCtrl == nil {
		return fmt.Errorf("basebackup: no control file builder configured")
	}
	pgControl, _, err := b.buildCtrl(controlBytes, checkpointBytes, b.lsn, b.src.PgVersion())
	if err != nil {
		return fmt.Errorf("basebackup: generating pg_control: %w", err)
	}
	if err := b.writeFile("global/pg_control", pgControl); err != nil {
		return err
	}

	segNo := b.lsn.SegmentNumber(walSegmentSize)
	walFileName := xlogFileName(segNo)
	walSeg := make([]byte, walSegmentSize) // dummy placeholder segment; real WAL starts replicating from here
	return b.writeFile("pg_wal/"+walFileName, walSeg)
}

func (b *builder) writeFile(path string, data []byte) error {
	hdr := &tar.Header{
		Name:    path,
		Mode:    0600,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := b.ar.WriteHeader(hdr); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := b.ar.Write(data)
	return err
}

func (b *builder) writeDirHeader(path string) error {
	hdr := &tar.Header{
		Name:     path + "/",
		Mode:     0755,
		Typeflag: tar.TypeDir,
		ModTime:  time.Now(),
	}
	return b.ar.WriteHeader(hdr)
}

func pgVersionFileContents(pgVersion uint32) []byte {
	if pgVersion == 14 || pgVersion == 15 {
		return []byte(fmt.Sprintf("%d", pgVersion))
	}
	return []byte(fmt.Sprintf("%d\n", pgVersion))
}

func xlogFileName(segNo uint64) string {
	// 8-hex-digit timeline id followed by the segment number split into
	// xlogid and segment-within-xlogid, 8 hex digits each, matching
	// postgres's XLogFileName convention; the system identifier only seeds
	// generate_pg_control in practice and isn't part of the name.
	segsPerXLogId := uint64(0x100000000 / walSegmentSize)
	return fmt.Sprintf("%08X%08X%08X", 1, segNo/segsPerXLogId, segNo%segsPerXLogId)
}

func putLsnLE(buf []byte, lsn types.Lsn) {
	v := uint64(lsn)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// replSlotRestartLsn extracts the restart LSN embedded in a replication
// slot's on-disk state file, if f is one.
func replSlotRestartLsn(f AuxFile) (types.Lsn, bool) {
	const pgReplSlotPrefix = "pg_replslot"
	const restartLsnOffset = 0 // offset within a real slot file is format-specific; callers supply pre-parsed content
	if len(f.Path) < len(pgReplSlotPrefix) || f.Path[:len(pgReplSlotPrefix)] != pgReplSlotPrefix {
		return 0, false
	}
	if len(f.Content) < restartLsnOffset+8 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(f.Content[restartLsnOffset+i]) << (8 * i)
	}
	return types.Lsn(v), true
}

/*
Package walredo reconstructs a page image by replaying WAL records onto
a base image, using either a fast in-process path for neon-native
record kinds or a long-lived child postgres process for generic
records — the same split original_source/pageserver/src/walredo.rs's
PostgresRedoManager makes between apply_batch_neon and
apply_batch_postgres, batching consecutive records of the same kind
before switching.
*/
package walredo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/types"
)

// NeonOp is a WAL record strata can apply itself without invoking
// postgres, e.g. clearing visibility-map bits or zero-filling a new page.
type NeonOp interface {
	Apply(img []byte) ([]byte, error)
}

// Record is one WAL record to replay. Exactly one of Neon or Postgres is set.
type Record struct {
	Lsn      types.Lsn
	Neon     NeonOp
	Postgres []byte
}

func (r Record) isNeon() bool { return r.Neon != nil }

// PostgresApplier shells a batch of generic WAL bytes out to a redo
// process and returns the resulting page image. Implemented by
// *Process in production, faked in tests.
type PostgresApplier interface {
	Apply(ctx context.Context, key types.Key, baseImg []byte, baseLsn types.Lsn, records [][]byte, endLsn types.Lsn, pgVersion uint32) ([]byte, error)
	Close() error
}

// Manager replays WAL records to reconstruct page images, lazily starting
// (and, after idling, stopping) its postgres redo process.
type Manager struct {
	newProcess func() (PostgresApplier, error)

	mu          sync.Mutex
	process     PostgresApplier
	lastRedoAt  time.Time
	everStarted bool
}

// NewManager builds a Manager that lazily constructs its postgres applier
// via newProcess on first use requiring one.
func NewManager(newProcess func() (PostgresApplier, error)) *Manager {
	return &Manager{newProcess: newProcess}
}

// RequestRedo reconstructs the page image for key at lsn by replaying
// records (in ascending LSN order) onto baseImg, batching consecutive
// same-kind records the way the original splits on can_apply_in_neon.
func (m *Manager) RequestRedo(ctx context.Context, key types.Key, lsn types.Lsn, baseImg []byte, baseLsn types.Lsn, records []Record, pgVersion uint32) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("walredo: no records to apply")
	}

	img := baseImg
	batchNeon := records[0].isNeon()
	batchStart := 0
	var err error

	for i := 1; i < len(records); i++ {
		if records[i].isNeon() != batchNeon {
			img, err = m.applyBatch(ctx, key, lsn, img, baseLsn, records[batchStart:i], batchNeon, pgVersion)
			if err != nil {
				return nil, err
			}
			batchNeon = records[i].isNeon()
			batchStart = i
		}
	}
	img, err = m.applyBatch(ctx, key, lsn, img, baseLsn, records[batchStart:], batchNeon, pgVersion)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.lastRedoAt = time.Now()
	m.mu.Unlock()
	return img, nil
}

func (m *Manager) applyBatch(ctx context.Context, key types.Key, lsn types.Lsn, img []byte, baseLsn types.Lsn, batch []Record, neon bool, pgVersion uint32) ([]byte, error) {
	if neon {
		return m.applyBatchNeon(img, batch)
	}
	return m.applyBatchPostgres(ctx, key, lsn, img, baseLsn, batch, pgVersion)
}

func (m *Manager) applyBatchNeon(img []byte, batch []Record) ([]byte, error) {
	var err error
	for _, r := range batch {
		img, err = r.Neon.Apply(img)
		if err != nil {
			return nil, fmt.Errorf("walredo: applying neon record: %w", err)
		}
	}
	log.Debug(fmt.Sprintf("applied %d neon records in-process", len(batch)))
	return img, nil
}

func (m *Manager) applyBatchPostgres(ctx context.Context, key types.Key, lsn types.Lsn, img []byte, baseLsn types.Lsn, batch []Record, pgVersion uint32) ([]byte, error) {
	proc, err := m.getOrStartProcess()
	if err != nil {
		return nil, err
	}
	raw := make([][]byte, len(batch))
	for i, r := range batch {
		raw[i] = r.Postgres
	}
	endLsn := batch[len(batch)-1].Lsn
	timer := metrics.NewTimer()
	out, err := proc.Apply(ctx, key, img, baseLsn, raw, endLsn, pgVersion)
	timer.ObserveDuration(metrics.WalRedoDuration)
	if err != nil {
		return nil, fmt.Errorf("walredo: postgres redo process: %w", err)
	}
	log.Debug(fmt.Sprintf("applied %d postgres records to reconstruct page at lsn %s", len(batch), lsn))
	return out, nil
}

func (m *Manager) getOrStartProcess() (PostgresApplier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.process != nil {
		return m.process, nil
	}
	p, err := m.newProcess()
	if err != nil {
		return nil, fmt.Errorf("walredo: starting redo process: %w", err)
	}
	if m.everStarted {
		metrics.WalRedoRestartsTotal.Inc()
	}
	m.everStarted = true
	m.process = p
	return p, nil
}

// MaybeQuiesce shuts down the redo process if it has been idle longer
// than idleTimeout, so a dormant tenant doesn't hold a postgres process
// open forever. Callers invoke this periodically from their own
// housekeeping loop.
func (m *Manager) MaybeQuiesce(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.process == nil || m.lastRedoAt.IsZero() {
		return
	}
	if time.Since(m.lastRedoAt) >= idleTimeout {
		m.process.Close()
		m.process = nil
	}
}

// ClearVisibilityMapFlags is a neon-native record: zeroing one or two
// bits in a visibility-map page, applied without invoking postgres.
type ClearVisibilityMapFlags struct {
	Offset int
	Mask   byte
}

func (r ClearVisibilityMapFlags) Apply(img []byte) ([]byte, error) {
	if r.Offset < 0 || r.Offset >= len(img) {
		return nil, fmt.Errorf("walredo: visibility map offset %d out of range", r.Offset)
	}
	out := append([]byte(nil), img...)
	out[r.Offset] &^= r.Mask
	return out, nil
}

// ZeroPage is a neon-native record representing "this page starts as all
// zeros", used when extending a relation.
type ZeroPage struct{ Size int }

func (r ZeroPage) Apply(img []byte) ([]byte, error) {
	return make([]byte, r.Size), nil
}

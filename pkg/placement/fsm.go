package placement

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/cuemby/strata/pkg/types"
)

// Assignment is one tenant-shard's current attachment: which pageserver
// holds it and at what generation.
type Assignment struct {
	TenantId types.TenantId   `json:"tenant_id"`
	Shard    types.ShardIndex `json:"shard"`
	NodeId   types.NodeId     `json:"node_id"`
	Gen      types.Generation `json:"generation"`
}

func (a Assignment) key() string {
	return fmt.Sprintf("%s/%s", a.TenantId, a.Shard)
}

// command is one state-change operation replicated through raft, mirroring
// cuemby-warren's pkg/manager.Command op/data envelope.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const opAttach = "attach"
const opDetach = "detach"

// FSM replicates the tenant-shard to pageserver assignment table across
// every placement node. Grounded on cuemby-warren's pkg/manager.WarrenFSM:
// a mutex-guarded map applied to by raft.Log entries, snapshotted and
// restored as a flat JSON blob.
type FSM struct {
	mu          sync.RWMutex
	assignments map[string]Assignment
}

// NewFSM builds an empty assignment table.
func NewFSM() *FSM {
	return &FSM{assignments: make(map[string]Assignment)}
}

// Apply applies one committed raft log entry to the assignment table.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("placement: unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opAttach:
		var a Assignment
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("placement: unmarshal attach: %w", err)
		}
		if existing, ok := f.assignments[a.key()]; ok && existing.Gen >= a.Gen {
			return fmt.Errorf("placement: stale generation %d for %s, current %d", a.Gen, a.key(), existing.Gen)
		}
		f.assignments[a.key()] = a
		return nil

	case opDetach:
		var a Assignment
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return fmt.Errorf("placement: unmarshal detach: %w", err)
		}
		delete(f.assignments, a.key())
		return nil

	default:
		return fmt.Errorf("placement: unknown command %q", cmd.Op)
	}
}

// Lookup returns the current attachment for a tenant shard, if any.
func (f *FSM) Lookup(tenant types.TenantId, shard types.ShardIndex) (Assignment, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.assignments[Assignment{TenantId: tenant, Shard: shard}.key()]
	return a, ok
}

// All returns a snapshot of every current assignment.
func (f *FSM) All() []Assignment {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Assignment, 0, len(f.assignments))
	for _, a := range f.assignments {
		out = append(out, a)
	}
	return out
}

// Snapshot captures the assignment table for raft's log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := &fsmSnapshot{assignments: f.All()}
	return snap, nil
}

// Restore replaces the assignment table from a previously persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var assignments []Assignment
	if err := json.NewDecoder(rc).Decode(&assignments); err != nil {
		return fmt.Errorf("placement: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignments = make(map[string]Assignment, len(assignments))
	for _, a := range assignments {
		f.assignments[a.key()] = a
	}
	return nil
}

type fsmSnapshot struct {
	assignments []Assignment
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.assignments); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}

/*
Package placement is a thin raft-replicated stand-in for the sharding
control plane spec.md treats as an external black box: a small table
mapping each tenant shard to the pageserver currently attached to it,
plus the generation number of that attachment. Grounded on
cuemby-warren's pkg/manager.Manager: the same DefaultConfig-tuning,
TCPTransport, BoltDB log/stable store, and FileSnapshotStore wiring,
narrowed to this one table instead of warren's full cluster state
(nodes, services, tasks, secrets, volumes, networks).
*/
package placement

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/types"
)

// Config configures one placement node.
type Config struct {
	NodeId   string
	BindAddr string
	DataDir  string
}

// Node is one member of the placement raft cluster.
type Node struct {
	cfg  Config
	raft *raft.Raft
	fsm  *FSM
}

// New constructs a placement node's raft machinery without joining or
// bootstrapping a cluster yet.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("placement: create data dir: %w", err)
	}

	fsm := NewFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeId)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("placement: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("placement: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("placement: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("placement: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("placement: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("placement: create raft: %w", err)
	}

	return &Node{cfg: cfg, raft: r, fsm: fsm}, nil
}

// Bootstrap forms a brand-new single-node cluster with this node as its
// only member.
func (n *Node) Bootstrap() error {
	future := n.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.cfg.NodeId), Address: raft.ServerAddress(n.cfg.BindAddr)},
		},
	})
	return future.Error()
}

// AddVoter adds another placement node to this cluster. Must be called on
// the leader.
func (n *Node) AddVoter(nodeId, addr string) error {
	if !n.IsLeader() {
		return fmt.Errorf("placement: not leader, current leader %s", n.LeaderAddr())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeId), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the bind address of the current leader, if known.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// Attach replicates a tenant shard's attachment to a pageserver at a new
// generation. The generation must exceed any previously committed
// generation for the same tenant shard; a stale generation is rejected by
// the FSM and surfaces as an error here.
func (n *Node) Attach(a Assignment) error {
	return n.apply(command{Op: opAttach, Data: mustMarshal(a)})
}

// Detach removes a tenant shard's current attachment, e.g. after the
// pageserver holding it is decommissioned.
func (n *Node) Detach(tenant types.TenantId, shard types.ShardIndex) error {
	return n.apply(command{Op: opDetach, Data: mustMarshal(Assignment{TenantId: tenant, Shard: shard})})
}

// Lookup returns the pageserver currently attached to a tenant shard.
func (n *Node) Lookup(tenant types.TenantId, shard types.ShardIndex) (Assignment, bool) {
	return n.fsm.Lookup(tenant, shard)
}

// All returns every current tenant-shard attachment known to this node.
func (n *Node) All() []Assignment {
	return n.fsm.All()
}

func (n *Node) apply(cmd command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("placement: marshal command: %w", err)
	}
	future := n.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("placement: apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	log.Debug(fmt.Sprintf("placement: applied %s", cmd.Op))
	return nil
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("placement: marshal %T: %v", v, err))
	}
	return data
}

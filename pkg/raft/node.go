package raft

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/latch/pkg/fsm"
	"github.com/pixperk/latch/pkg/metrics"
	"github.com/pixperk/latch/pkg/storage"
	"github.com/pixperk/latch/pkg/types"
)

const applyTimeout = 5 * time.Second

// wraps a raft instance around our lock table and provides a clean api
// every mutating command is committed through the consensus log before it
// is applied, so each replica's table stays identical
type Node struct {
	raft    *raft.Raft
	raftFSM *fsm.RaftFSM
	cfg     *Config
	log     hclog.Logger
}

type Config struct {
	NodeID    uuid.UUID    //unique ID for this node
	BindAddr  string       //net addr to bind raft communication
	DataDir   string       //data directory for raft storage
	Bootstrap bool         //if this is the first node in the cluster
	Logger    hclog.Logger //shared process logger
}

func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("raft")

	raftFSM := fsm.NewRaftFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	raftStorage, err := storage.NewBoltStorage(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}
		r.BootstrapCluster(configuration)
	}

	return &Node{
		raft:    r,
		raftFSM: raftFSM,
		cfg:     cfg,
		log:     logger,
	}, nil
}

// apply a command through the raft log; satisfies authority.Applier
func (n *Node) Apply(cmd types.Command) (any, error) {
	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	//replicate to cluster via raft
	future := n.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	// domain errors come back as the fsm's response value
	if err, ok := future.Response().(error); ok {
		return nil, err
	}
	return future.Response(), nil
}

// the local replica of the lock table, for reads
func (n *Node) Table() *fsm.FSM {
	return n.raftFSM.Table()
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	leader := n.raft.State() == raft.Leader
	if leader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
	return leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

func (n *Node) GetNodeID() uuid.UUID {
	return n.cfg.NodeID
}

// Join adds a voting member to the cluster. Leader only.
func (n *Node) Join(nodeID, addr string) error {
	n.log.Info("adding voter", "node_id", nodeID, "addr", addr)
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 0)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// gracefully shuts down the raft node
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

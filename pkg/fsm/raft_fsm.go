package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/latch/pkg/types"
)

// adapter to bridge Raft's FSM contract with our lock table
// errors are returned as the apply response value and unwrapped by the node
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return &RaftFSM{
		fsm: NewFSM(),
	}
}

// the local lock table, used for reads that do not need consensus
func (rf *RaftFSM) Table() *FSM {
	return rf.fsm
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}
	return result
}

// create a snapshot of the current lock table
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	snap := &fsmSnapshot{
		Locks: make(map[string]*types.Lock),
	}

	for _, s := range rf.fsm.shards {
		s.mu.RLock()
		for key, lk := range s.locks {
			snap.Locks[key] = lk.Clone()
		}
		s.mu.RUnlock()
	}
	return snap, nil
}

// restores the lock table from a snapshot
// used when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	fresh := NewFSM()
	for key, lk := range snap.Locks {
		s := fresh.shardFor(key)
		s.locks[key] = lk
	}

	// swap shard contents in place so existing table references stay valid
	for i, s := range rf.fsm.shards {
		s.mu.Lock()
		s.locks = fresh.shards[i].locks
		s.mu.Unlock()
	}
	return nil
}

// point-in-time snapshot of the lock table
type fsmSnapshot struct {
	Locks map[string]*types.Lock `json:"locks"`
}

// persist snapshot to the given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed, nothing to clean up
func (s *fsmSnapshot) Release() {}

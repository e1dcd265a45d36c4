package storage

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// BoltStorage bundles the raft storage components
// logstore : the raft log entries
// stablestore : stable raft metadata, survives restarts
// snapshotstore : snapshots of the lock table
type BoltStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore
}

func NewBoltStorage(dataDir string) (*BoltStorage, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	dbPath := filepath.Join(dataDir, "latch.db")

	//boltDB backs both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: dbPath,
	})
	if err != nil {
		return nil, err
	}

	//snapshot store (file-based)
	snapshotDir := filepath.Join(dataDir, "snapshots")
	snapshotStore, err := raft.NewFileSnapshotStore(snapshotDir, 3, os.Stderr)
	if err != nil {
		boltDB.Close()
		return nil, err
	}

	return &BoltStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshotStore,
	}, nil
}

func (b *BoltStorage) Close() error {
	if closer, ok := b.LogStore.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

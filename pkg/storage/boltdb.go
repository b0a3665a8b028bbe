package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	dbFileName    = "fencelock-raft.db"
	snapshotDir   = "snapshots"
	defaultRetain = 3
	dataDirPerms  = 0o755
)

// persistent stores backing the replicated lease store
// logstore : raft log entries (lock record commits, lease deletes, expiries)
// stablestore : raft metadata that must survive restarts (term, vote)
// snapshotstore : JSON snapshots of lock records and leases
type BoltDBStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	db *raftboltdb.BoltStore
}

type Options struct {
	// snapshots kept on disk, defaults to 3
	RetainSnapshots int
	// where the snapshot store logs, defaults to stderr
	LogOutput io.Writer
}

func NewBoltDBStorage(dataDir string) (*BoltDBStorage, error) {
	return NewBoltDBStorageWithOptions(dataDir, Options{})
}

func NewBoltDBStorageWithOptions(dataDir string, opts Options) (*BoltDBStorage, error) {
	if opts.RetainSnapshots <= 0 {
		opts.RetainSnapshots = defaultRetain
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	if err := os.MkdirAll(dataDir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	//one bolt file serves both log and stable storage
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(dataDir, dbFileName),
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(filepath.Join(dataDir, snapshotDir), opts.RetainSnapshots, opts.LogOutput)
	if err != nil {
		boltDB.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &BoltDBStorage{
		LogStore:      boltDB,
		StableStore:   boltDB,
		SnapshotStore: snapshotStore,
		db:            boltDB,
	}, nil
}

func (b *BoltDBStorage) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBoltDBStorage(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "nested", "node-1")

	stores, err := NewBoltDBStorage(dataDir)
	require.NoError(t, err)
	defer stores.Close()

	assert.NotNil(t, stores.LogStore)
	assert.NotNil(t, stores.StableStore)
	assert.NotNil(t, stores.SnapshotStore)

	//data dir and bolt file are created on demand
	_, err = os.Stat(filepath.Join(dataDir, dbFileName))
	assert.NoError(t, err)
}

func TestLogStoreRoundTrip(t *testing.T) {
	stores, err := NewBoltDBStorage(t.TempDir())
	require.NoError(t, err)
	defer stores.Close()

	entry := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  []byte(`{"type":1,"payload":{}}`),
	}
	require.NoError(t, stores.LogStore.StoreLog(entry))

	got := &raft.Log{}
	require.NoError(t, stores.LogStore.GetLog(1, got))
	assert.Equal(t, entry.Term, got.Term)
	assert.Equal(t, entry.Data, got.Data)

	last, err := stores.LogStore.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestSnapshotRetention(t *testing.T) {
	var logs bytes.Buffer
	stores, err := NewBoltDBStorageWithOptions(t.TempDir(), Options{RetainSnapshots: 1, LogOutput: &logs})
	require.NoError(t, err)
	defer stores.Close()

	for i := uint64(1); i <= 3; i++ {
		sink, err := stores.SnapshotStore.Create(raft.SnapshotVersionMax, i*10, 1, raft.Configuration{}, 1, nil)
		require.NoError(t, err)
		_, err = sink.Write([]byte(`{"records":{},"leases":{}}`))
		require.NoError(t, err)
		require.NoError(t, sink.Close())
	}

	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1, "only the newest snapshot should be kept")
	assert.Equal(t, uint64(30), snapshots[0].Index)
}

func TestStableStorePersistsAcrossReopen(t *testing.T) {
	dataDir := t.TempDir()

	stores, err := NewBoltDBStorage(dataDir)
	require.NoError(t, err)
	require.NoError(t, stores.StableStore.SetUint64([]byte("CurrentTerm"), 42))
	require.NoError(t, stores.Close())

	reopened, err := NewBoltDBStorage(dataDir)
	require.NoError(t, err)
	defer reopened.Close()

	term, err := reopened.StableStore.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}

package kvstore_test

import (
	"fmt"
	"testing"

	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/kvstore"
	"github.com/riptidedb/riptide/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) *kvstore.FileStore {
	t.Helper()
	fs, err := kvstore.NewFileStore(t.TempDir(), kvstore.Config{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

func doc(t *testing.T, key, value string, seqno uint64) *item.Item {
	t.Helper()
	it, err := item.New([]byte(key), []byte(value), 0, item.DatatypeRaw, 0, 0)
	require.NoError(t, err)
	it.Seqno = seqno
	it.CAS = seqno * 10
	return it
}

func TestFileStore_CommitAndGet(t *testing.T) {
	fs := newStore(t)

	items := []*item.Item{doc(t, "k1", "v1", 1), doc(t, "k2", "v2", 2)}
	require.NoError(t, fs.Commit(3, items, 1, 2))

	got, err := fs.Get(3, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.Value)
	assert.Equal(t, uint64(1), got.Seqno)

	_, err = fs.Get(3, []byte("missing"))
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	assert.Equal(t, uint64(2), fs.HighSeqno(3))
}

func TestFileStore_FlushReloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs, err := kvstore.NewFileStore(dir, kvstore.Config{}, zap.NewNop())
	require.NoError(t, err)

	var items []*item.Item
	for i := 1; i <= 10; i++ {
		items = append(items, doc(t, fmt.Sprintf("key%d", i), fmt.Sprintf("val%d", i), uint64(i)))
	}
	require.NoError(t, fs.Commit(0, items, 1, 10))
	require.NoError(t, fs.Close())

	// Reopen and iterate: the same (key, value, seqno) tuples come back.
	fs2, err := kvstore.NewFileStore(dir, kvstore.Config{}, zap.NewNop())
	require.NoError(t, err)
	defer fs2.Close()

	var got []*item.Item
	require.NoError(t, fs2.ScanSeqnoRange(0, 0, 100, func(it *item.Item) error {
		got = append(got, it)
		return nil
	}))
	require.Len(t, got, 10)
	for i, it := range got {
		assert.Equal(t, fmt.Sprintf("key%d", i+1), string(it.Key))
		assert.Equal(t, fmt.Sprintf("val%d", i+1), string(it.Value))
		assert.Equal(t, uint64(i+1), it.Seqno)
	}
	assert.Equal(t, uint64(10), fs2.HighSeqno(0))
}

func TestFileStore_ScanDeduplicatesKeys(t *testing.T) {
	fs := newStore(t)

	require.NoError(t, fs.Commit(0, []*item.Item{doc(t, "k", "v1", 1)}, 1, 1))
	require.NoError(t, fs.Commit(0, []*item.Item{doc(t, "k", "v2", 2)}, 2, 2))

	var seqnos []uint64
	require.NoError(t, fs.ScanSeqnoRange(0, 0, 100, func(it *item.Item) error {
		seqnos = append(seqnos, it.Seqno)
		return nil
	}))
	// Only the newest version of the key remains.
	assert.Equal(t, []uint64{2}, seqnos)
}

func TestFileStore_TombstonesPersist(t *testing.T) {
	fs := newStore(t)

	require.NoError(t, fs.Commit(0, []*item.Item{doc(t, "k", "v", 1)}, 1, 1))
	del := item.NewDeletion([]byte("k"), 20)
	del.Seqno = 2
	require.NoError(t, fs.Commit(0, []*item.Item{del}, 2, 2))

	got, err := fs.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
}

func TestFileStore_PrepareCommitMaterializes(t *testing.T) {
	fs := newStore(t)

	prep := doc(t, "k", "prepared", 1)
	prep.Op = item.OpPendingSyncWrite
	require.NoError(t, fs.Commit(0, []*item.Item{prep}, 1, 1))

	// A prepare alone is not readable.
	_, err := fs.Get(0, []byte("k"))
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	commit := item.NewCommit([]byte("k"), 1, 10)
	commit.Seqno = 2
	require.NoError(t, fs.Commit(0, []*item.Item{commit}, 2, 2))

	got, err := fs.Get(0, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("prepared"), got.Value)
	assert.Equal(t, uint64(2), got.Seqno)
}

func TestFileStore_RollbackToSnapshot(t *testing.T) {
	fs := newStore(t)

	for i := 1; i <= 3; i++ {
		batch := []*item.Item{
			doc(t, fmt.Sprintf("a%d", i), "v", uint64(i*2-1)),
			doc(t, fmt.Sprintf("b%d", i), "v", uint64(i*2)),
		}
		require.NoError(t, fs.Commit(0, batch, uint64(i*2-1), uint64(i*2)))
	}
	require.Equal(t, uint64(6), fs.HighSeqno(0))

	// Rolling back to 5 lands on the snapshot boundary at 4.
	rolledTo, err := fs.RollbackTo(0, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rolledTo)
	assert.Equal(t, uint64(4), fs.HighSeqno(0))

	_, err = fs.Get(0, []byte("a3"))
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))
	_, err = fs.Get(0, []byte("b2"))
	require.NoError(t, err)
}

func TestFileStore_RollbackToZeroResets(t *testing.T) {
	fs := newStore(t)
	require.NoError(t, fs.Commit(0, []*item.Item{doc(t, "k", "v", 1)}, 1, 1))

	rolledTo, err := fs.RollbackTo(0, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rolledTo)
	assert.Equal(t, uint64(0), fs.HighSeqno(0))
	_, err = fs.Get(0, []byte("k"))
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))
}

func TestFileStore_CompactDropsOldTombstones(t *testing.T) {
	fs := newStore(t)

	require.NoError(t, fs.Commit(0, []*item.Item{doc(t, "kept", "v", 1)}, 1, 1))
	del := item.NewDeletion([]byte("gone"), 20)
	del.Seqno = 2
	require.NoError(t, fs.Commit(0, []*item.Item{del}, 2, 2))
	require.NoError(t, fs.Commit(0, []*item.Item{doc(t, "new", "v", 3)}, 3, 3))

	require.NoError(t, fs.Compact(0, 3))

	// The tombstone below the purge point is gone; live data survives.
	_, err := fs.Get(0, []byte("gone"))
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))
	_, err = fs.Get(0, []byte("kept"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fs.PurgeSeqno(0))
}

func TestFileStore_VBStateBlob(t *testing.T) {
	fs := newStore(t)

	blob := []byte(`{"state":"active","snap_start":"0"}`)
	require.NoError(t, fs.SnapshotVBState(9, blob))

	got, err := fs.GetVBState(9)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	_, err = fs.GetVBState(10)
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))
}

func TestFileStore_ListAndDelete(t *testing.T) {
	fs := newStore(t)
	require.NoError(t, fs.Commit(2, []*item.Item{doc(t, "k", "v", 1)}, 1, 1))
	require.NoError(t, fs.Commit(5, []*item.Item{doc(t, "k", "v", 1)}, 1, 1))

	vbs, err := fs.ListPersistedVBuckets()
	require.NoError(t, err)
	assert.Equal(t, []uint16{2, 5}, vbs)

	require.NoError(t, fs.DeleteVBucket(2))
	vbs, err = fs.ListPersistedVBuckets()
	require.NoError(t, err)
	assert.Equal(t, []uint16{5}, vbs)
}

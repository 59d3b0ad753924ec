package hashtable_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/riptidedb/riptide/internal/hashtable"
	"github.com/riptidedb/riptide/internal/item"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mutation(t *testing.T, key, value string, seqno uint64) *item.Item {
	t.Helper()
	it, err := item.New([]byte(key), []byte(value), 0, item.DatatypeRaw, 0, 0)
	require.NoError(t, err)
	it.Seqno = seqno
	it.CAS = seqno * 100
	return it
}

func TestHashTable_InsertAndFind(t *testing.T) {
	ht := hashtable.New(4)

	it := mutation(t, "key1", "value1", 1)
	sh := ht.ShardFor(it.Key)
	sh.Lock()
	sv := sh.Insert(it)
	sh.Unlock()

	require.NotNil(t, sv)
	assert.Equal(t, "key1", sv.Key())
	assert.Equal(t, []byte("value1"), sv.Value())
	assert.Equal(t, uint64(1), sv.Seqno())
	assert.Equal(t, int64(1), ht.NumItems())

	sh.Lock()
	found := sh.FindForRead("key1")
	sh.Unlock()
	require.NotNil(t, found)
	assert.Equal(t, sv, found)
}

func TestHashTable_UpdateReplacesCommitted(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sh.Insert(mutation(t, "key1", "v1", 1))
	sh.Insert(mutation(t, "key1", "v2", 2))
	sv := sh.FindForRead("key1")
	sh.Unlock()

	require.NotNil(t, sv)
	assert.Equal(t, []byte("v2"), sv.Value())
	assert.Equal(t, int64(1), ht.NumItems())
}

func TestHashTable_PendingCoexistsWithCommitted(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sh.Insert(mutation(t, "key1", "committed", 1))

	prep := mutation(t, "key1", "prepared", 2)
	prep.Op = item.OpPendingSyncWrite
	prep.Committed = item.Pending
	sh.InsertPending(prep)

	committed, pending := sh.FindForWrite("key1")
	sh.Unlock()

	require.NotNil(t, committed)
	require.NotNil(t, pending)
	assert.Equal(t, []byte("committed"), committed.Value())
	assert.True(t, pending.IsPending())
	// Reads never observe the pending entry.
	sh.Lock()
	assert.Equal(t, []byte("committed"), sh.FindForRead("key1").Value())
	sh.Unlock()
	assert.Equal(t, int64(1), ht.NumPending())
}

func TestHashTable_CommitPromotesPending(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sh.Insert(mutation(t, "key1", "old", 1))
	prep := mutation(t, "key1", "new", 2)
	prep.Op = item.OpPendingSyncWrite
	prep.Committed = item.Pending
	sh.InsertPending(prep)

	sv := sh.Commit("key1", 3)
	sh.Unlock()

	require.NotNil(t, sv)
	assert.Equal(t, item.CommittedViaPrepare, sv.Committed())
	assert.Equal(t, uint64(3), sv.Seqno())
	assert.Equal(t, []byte("new"), sv.Value())
	assert.Equal(t, int64(0), ht.NumPending())
	assert.Equal(t, int64(1), ht.NumItems())
}

func TestHashTable_AbortDropsPendingOnly(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sh.Insert(mutation(t, "key1", "committed", 1))
	prep := mutation(t, "key1", "prepared", 2)
	prep.Op = item.OpPendingSyncWrite
	prep.Committed = item.Pending
	sh.InsertPending(prep)

	aborted := sh.AbortPending("key1")
	committed, pending := sh.FindForWrite("key1")
	sh.Unlock()

	require.NotNil(t, aborted)
	assert.Nil(t, pending)
	require.NotNil(t, committed)
	assert.Equal(t, []byte("committed"), committed.Value())
}

func TestHashTable_EjectValueOnly(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sv := sh.Insert(mutation(t, "key1", "some-value", 1))
	before := ht.MemUsed()
	ok := sh.Eject(sv, false)
	sh.Unlock()

	require.True(t, ok)
	assert.False(t, sv.IsResident())
	assert.Nil(t, sv.Value())
	assert.Less(t, ht.MemUsed(), before)
	assert.Equal(t, int64(1), ht.NumNonResident())
	// Metadata survives ejection.
	assert.Equal(t, uint64(1), sv.Seqno())
}

func TestHashTable_EjectFullRemovesEntry(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sv := sh.Insert(mutation(t, "key1", "some-value", 1))
	ok := sh.Eject(sv, true)
	found := sh.FindForRead("key1")
	sh.Unlock()

	require.True(t, ok)
	assert.Nil(t, found)
	assert.Equal(t, int64(0), ht.NumItems())
}

func TestHashTable_TempNonExistentDoesNotClobber(t *testing.T) {
	ht := hashtable.New(4)
	sh := ht.ShardFor([]byte("key1"))

	sh.Lock()
	sh.Insert(mutation(t, "key1", "real", 1))
	sv := sh.InsertTemp("key1", hashtable.TempInitial)
	sh.Unlock()

	assert.False(t, sv.IsTemp())
	assert.Equal(t, []byte("real"), sv.Value())
}

func TestHashTable_ClearAndRandomKey(t *testing.T) {
	ht := hashtable.New(8)
	for i := 0; i < 32; i++ {
		it := mutation(t, fmt.Sprintf("key%d", i), "v", uint64(i+1))
		sh := ht.ShardFor(it.Key)
		sh.Lock()
		sh.Insert(it)
		sh.Unlock()
	}
	assert.Equal(t, int64(32), ht.NumItems())

	rnd := rand.New(rand.NewSource(42))
	key, ok := ht.RandomKey(rnd)
	require.True(t, ok)
	assert.NotEmpty(t, key)

	ht.Clear()
	assert.Equal(t, int64(0), ht.NumItems())
	assert.Equal(t, int64(0), ht.MemUsed())
	_, ok = ht.RandomKey(rnd)
	assert.False(t, ok)
}

func TestHashTable_VisitStops(t *testing.T) {
	ht := hashtable.New(2)
	for i := 0; i < 10; i++ {
		it := mutation(t, fmt.Sprintf("k%d", i), "v", uint64(i+1))
		sh := ht.ShardFor(it.Key)
		sh.Lock()
		sh.Insert(it)
		sh.Unlock()
	}

	seen := 0
	ht.Visit(func(_ *hashtable.Shard, _ *hashtable.StoredValue) bool {
		seen++
		return seen < 3
	})
	assert.Equal(t, 3, seen)
}

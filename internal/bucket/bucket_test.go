package bucket_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/riptidedb/riptide/internal/bucket"
	"github.com/riptidedb/riptide/internal/collections"
	"github.com/riptidedb/riptide/internal/dcp"
	"github.com/riptidedb/riptide/internal/executor"
	"github.com/riptidedb/riptide/internal/kvstore"
	"github.com/riptidedb/riptide/internal/status"
	"github.com/riptidedb/riptide/internal/vbucket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingCookie struct {
	mu    sync.Mutex
	codes []status.Code
}

func (c *recordingCookie) Notify(code status.Code) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes = append(c.codes, code)
}

func (c *recordingCookie) last() (status.Code, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.codes) == 0 {
		return 0, false
	}
	return c.codes[len(c.codes)-1], true
}

func newBucket(t *testing.T, cfg bucket.Config) *bucket.Bucket {
	t.Helper()
	logger := zap.NewNop()
	store, err := kvstore.NewFileStore(t.TempDir(), kvstore.Config{}, logger)
	require.NoError(t, err)

	pool := executor.NewPool(executor.Config{}, logger)
	t.Cleanup(func() { pool.Stop(5 * time.Second) })

	b := bucket.New(cfg, store, pool, logger)
	cm := dcp.NewConnMap(store, b.Partition, dcp.Config{}, logger)
	b.SetConnMap(cm)
	t.Cleanup(b.Shutdown)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, b.Start())
	require.Eventually(t, b.WarmupDone, 5*time.Second, 5*time.Millisecond)
	return b
}

func TestBucket_SetGetThroughRouting(t *testing.T) {
	b := newBucket(t, bucket.Config{})
	require.NoError(t, b.SetVBucketState(7, vbucket.StateActive))

	res, err := b.Set(7, []byte("k"), []byte("v"), vbucket.MutOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Seqno)

	got, err := b.Get(7, []byte("k"), vbucket.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)

	// Unrouted partitions fail NotMyPartition.
	_, err = b.Get(9, []byte("k"), vbucket.GetOptions{})
	assert.Equal(t, status.NotMyPartition, status.CodeOf(err))
}

func TestBucket_StateCounters(t *testing.T) {
	b := newBucket(t, bucket.Config{})
	require.NoError(t, b.SetVBucketState(1, vbucket.StateActive))
	require.NoError(t, b.SetVBucketState(2, vbucket.StateReplica))
	require.NoError(t, b.SetVBucketState(3, vbucket.StateActive))

	stats := b.StatsSnapshot()
	assert.Equal(t, int64(2), stats.NumActive)
	assert.Equal(t, int64(1), stats.NumReplica)

	require.NoError(t, b.SetVBucketState(3, vbucket.StateReplica))
	stats = b.StatsSnapshot()
	assert.Equal(t, int64(1), stats.NumActive)
	assert.Equal(t, int64(2), stats.NumReplica)
}

func TestBucket_FlusherPersistsMutations(t *testing.T) {
	b := newBucket(t, bucket.Config{})
	require.NoError(t, b.SetVBucketState(0, vbucket.StateActive))

	for i := 0; i < 5; i++ {
		_, err := b.Set(0, []byte(fmt.Sprintf("key%d", i)), []byte("v"), vbucket.MutOptions{})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return b.Store().HighSeqno(0) >= 5
	}, 5*time.Second, 10*time.Millisecond)

	got, err := b.Store().Get(0, []byte("key3"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Value)
}

func TestBucket_WarmupRestoresPartitions(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()

	store, err := kvstore.NewFileStore(dir, kvstore.Config{}, logger)
	require.NoError(t, err)
	pool := executor.NewPool(executor.Config{}, logger)
	b := bucket.New(bucket.Config{}, store, pool, logger)
	require.NoError(t, b.Start())
	require.Eventually(t, b.WarmupDone, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, b.SetVBucketState(4, vbucket.StateActive))
	_, err = b.Set(4, []byte("persisted"), []byte("value"), vbucket.MutOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.Store().HighSeqno(4) >= 1
	}, 5*time.Second, 10*time.Millisecond)

	b.Shutdown()
	require.NoError(t, pool.Stop(5*time.Second))
	require.NoError(t, store.Close())

	// A second engine over the same files warms the partition back up.
	store2, err := kvstore.NewFileStore(dir, kvstore.Config{}, logger)
	require.NoError(t, err)
	defer store2.Close()
	pool2 := executor.NewPool(executor.Config{}, logger)
	defer pool2.Stop(5 * time.Second)

	b2 := bucket.New(bucket.Config{}, store2, pool2, logger)
	defer b2.Shutdown()
	require.NoError(t, b2.Start())
	require.Eventually(t, b2.WarmupDone, 5*time.Second, 5*time.Millisecond)

	got, err := b2.Get(4, []byte("persisted"), vbucket.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got.Value)

	vb, ok := b2.Partition(4)
	require.True(t, ok)
	assert.Equal(t, vbucket.StateActive, vb.State())
	assert.Equal(t, uint64(1), vb.HighSeqno())
}

func TestBucket_FullEvictionMiss(t *testing.T) {
	b := newBucket(t, bucket.Config{
		EvictionPolicy: bucket.EvictFull,
		BloomEnabled:   true,
	})
	require.NoError(t, b.SetVBucketState(0, vbucket.StateActive))

	// Bloom filter clean: the miss is answered without IO.
	_, err := b.Get(0, []byte("never-written"), vbucket.GetOptions{})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))

	// Teach the bloom filter about a key the hash table does not hold,
	// then read it: the engine must fetch from disk and report the miss
	// through the cookie.
	vb, ok := b.Partition(0)
	require.True(t, ok)
	vb.BloomAdd([]byte("phantom"))

	cookie := &recordingCookie{}
	_, err = b.Get(0, []byte("phantom"), vbucket.GetOptions{Cookie: cookie})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))

	require.Eventually(t, func() bool {
		code, ok := cookie.last()
		return ok && code == status.KeyMissing
	}, 5*time.Second, 10*time.Millisecond)

	// The proven absence suppresses the next fetch.
	_, err = b.Get(0, []byte("phantom"), vbucket.GetOptions{})
	assert.Equal(t, status.KeyMissing, status.CodeOf(err))
}

func TestBucket_HighWatermarkEviction(t *testing.T) {
	b := newBucket(t, bucket.Config{
		MaxSize:    1 << 20,
		MemLowWat:  0.5,
		MemHighWat: 0.85,
		// Admission stays open so the fill reliably overshoots the high
		// watermark; the pager alone relieves the pressure.
		MutationMemThreshold: 4.0,
	})
	require.NoError(t, b.SetVBucketState(0, vbucket.StateActive))

	value := make([]byte, 8*1024)
	for i := 0; i < 120; i++ {
		_, err := b.Set(0, []byte(fmt.Sprintf("key%03d", i)), value, vbucket.MutOptions{})
		require.NoError(t, err)
	}
	require.Greater(t, b.MemUsed(), b.HighWatermark())

	// Everything must be persisted before values may be dropped.
	require.Eventually(t, func() bool {
		vb, _ := b.Partition(0)
		return vb.PersistedUpto() >= 120
	}, 5*time.Second, 10*time.Millisecond)

	b.WakeItemPager()
	require.Eventually(t, func() bool {
		return b.MemUsed() <= b.LowWatermark()
	}, 5*time.Second, 10*time.Millisecond)

	// Metadata stayed resident; the value returns via background fetch.
	vb, _ := b.Partition(0)
	require.Greater(t, vb.HashTable().NumNonResident(), int64(0))

	cookie := &recordingCookie{}
	evictedKey := findNonResidentKey(t, b)
	_, err := b.Get(0, []byte(evictedKey), vbucket.GetOptions{Cookie: cookie})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))

	require.Eventually(t, func() bool {
		code, ok := cookie.last()
		return ok && code == status.Success
	}, 5*time.Second, 10*time.Millisecond)

	got, err := b.Get(0, []byte(evictedKey), vbucket.GetOptions{})
	require.NoError(t, err)
	assert.Len(t, got.Value, 8*1024)
}

func findNonResidentKey(t *testing.T, b *bucket.Bucket) string {
	t.Helper()
	vb, ok := b.Partition(0)
	require.True(t, ok)
	for i := 0; i < 120; i++ {
		key := fmt.Sprintf("key%03d", i)
		sh := vb.HashTable().ShardFor([]byte(key))
		sh.Lock()
		sv := sh.FindForRead(key)
		resident := sv != nil && sv.IsResident()
		sh.Unlock()
		if sv != nil && !resident {
			return key
		}
	}
	t.Fatal("no non-resident key found")
	return ""
}

func TestBucket_MutationMemThresholdRejects(t *testing.T) {
	b := newBucket(t, bucket.Config{
		MaxSize:              16 << 10,
		MemLowWat:            0.3,
		MemHighWat:           0.5,
		MutationMemThreshold: 0.6,
	})
	require.NoError(t, b.SetVBucketState(0, vbucket.StateActive))

	value := make([]byte, 4<<10)
	var sawNoMemory bool
	for i := 0; i < 16; i++ {
		_, err := b.Set(0, []byte(fmt.Sprintf("key%d", i)), value, vbucket.MutOptions{})
		if status.CodeOf(err) == status.NoMemory {
			sawNoMemory = true
			break
		}
	}
	assert.True(t, sawNoMemory)
}

func TestBucket_RollbackTerminatesStreamsAndRewinds(t *testing.T) {
	b := newBucket(t, bucket.Config{})
	require.NoError(t, b.SetVBucketState(0, vbucket.StateActive))

	for i := 1; i <= 10; i++ {
		_, err := b.Set(0, []byte(fmt.Sprintf("key%d", i)), []byte("v"), vbucket.MutOptions{})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return b.Store().HighSeqno(0) >= 10
	}, 5*time.Second, 10*time.Millisecond)

	rolledTo, err := b.Rollback(0, 7)
	require.NoError(t, err)
	assert.LessOrEqual(t, rolledTo, uint64(7))
	assert.Greater(t, rolledTo, uint64(0))

	vb, ok := b.Partition(0)
	require.True(t, ok)
	assert.Equal(t, rolledTo, vb.HighSeqno())
	assert.LessOrEqual(t, vb.Failover().Latest().Seqno, rolledTo)
}

func TestBucket_ApplyManifestFansOut(t *testing.T) {
	b := newBucket(t, bucket.Config{})
	require.NoError(t, b.SetVBucketState(0, vbucket.StateActive))
	require.NoError(t, b.SetVBucketState(1, vbucket.StateActive))

	next := &collections.Manifest{
		UID: 1,
		Collections: map[uint32]collections.Collection{
			0: {ID: 0, Name: "_default", Scope: "_default"},
			8: {ID: 8, Name: "orders", Scope: "app"},
		},
	}
	require.NoError(t, b.ApplyManifest(next))
	assert.Equal(t, uint64(1), b.Manifest().UID)

	// The new collection is writable on every active partition.
	_, err := b.Set(0, []byte("o1"), []byte("v"), vbucket.MutOptions{CollectionID: 8})
	require.NoError(t, err)
	_, err = b.Set(1, []byte("o2"), []byte("v"), vbucket.MutOptions{CollectionID: 8})
	require.NoError(t, err)

	// Stale manifests are refused.
	err = b.ApplyManifest(&collections.Manifest{UID: 0, Collections: next.Collections})
	assert.Equal(t, status.CollectionsManifestAhead, status.CodeOf(err))
}

func TestBucket_WarmupGateParksClients(t *testing.T) {
	logger := zap.NewNop()
	store, err := kvstore.NewFileStore(t.TempDir(), kvstore.Config{}, logger)
	require.NoError(t, err)
	defer store.Close()
	pool := executor.NewPool(executor.Config{}, logger)
	defer pool.Stop(5 * time.Second)

	b := bucket.New(bucket.Config{}, store, pool, logger)
	defer b.Shutdown()

	// Before Start the warm-up has not completed: clients park.
	cookie := &recordingCookie{}
	_, err = b.Get(0, []byte("k"), vbucket.GetOptions{Cookie: cookie})
	require.Equal(t, status.WouldBlock, status.CodeOf(err))

	require.NoError(t, b.Start())
	require.Eventually(t, func() bool {
		code, ok := cookie.last()
		return ok && code == status.Success
	}, 5*time.Second, 5*time.Millisecond)
}

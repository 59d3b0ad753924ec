package bucket

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/riptidedb/riptide/internal/checkpoint"
	"github.com/riptidedb/riptide/internal/collections"
	"github.com/riptidedb/riptide/internal/dcp"
	"github.com/riptidedb/riptide/internal/executor"
	"github.com/riptidedb/riptide/internal/failover"
	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/kvstore"
	"github.com/riptidedb/riptide/internal/metrics"
	"github.com/riptidedb/riptide/internal/model"
	"github.com/riptidedb/riptide/internal/protocol"
	"github.com/riptidedb/riptide/internal/status"
	"github.com/riptidedb/riptide/internal/vbucket"
	"go.uber.org/zap"
)

// EvictionPolicy selects what leaves memory under pressure.
type EvictionPolicy string

const (
	// EvictValueOnly ejects value payloads; metadata stays resident.
	EvictValueOnly EvictionPolicy = "value_only"
	// EvictFull ejects whole entries; reads may need a disk fetch to
	// prove absence.
	EvictFull EvictionPolicy = "full_eviction"
)

// Config is the bucket-wide tuning surface.
type Config struct {
	MaxVBuckets int
	MaxSize     uint64
	MemLowWat   float64
	MemHighWat  float64

	MutationMemThreshold float64
	BackfillMemThreshold float64
	PagerActiveVBPcnt    int

	HTSize  int
	HTLocks int

	ChkMaxItems    int
	ChkPeriod      time.Duration
	MaxCheckpoints int

	WarmupMinMemoryThreshold float64
	WarmupMinItemsThreshold  float64

	BloomEnabled   bool
	EvictionPolicy EvictionPolicy
	MaxTTL         time.Duration
	MaxKeySize     int
	MaxItemSize    int

	FlusherBatchSize    int
	ExpiryPagerInterval time.Duration
	DurabilityTimeout   time.Duration
	CompactionInterval  time.Duration
	MaxFailoverEntries  int
}

func (c *Config) applyDefaults() {
	if c.MaxVBuckets <= 0 {
		c.MaxVBuckets = 1024
	}
	if c.MaxSize == 0 {
		c.MaxSize = 256 << 20
	}
	if c.MemLowWat <= 0 {
		c.MemLowWat = 0.75
	}
	if c.MemHighWat <= 0 {
		c.MemHighWat = 0.85
	}
	if c.MutationMemThreshold <= 0 {
		c.MutationMemThreshold = 0.93
	}
	if c.BackfillMemThreshold <= 0 {
		c.BackfillMemThreshold = 0.96
	}
	if c.PagerActiveVBPcnt <= 0 {
		c.PagerActiveVBPcnt = 40
	}
	if c.HTLocks <= 0 {
		c.HTLocks = 47
	}
	if c.ChkMaxItems <= 0 {
		c.ChkMaxItems = 10000
	}
	if c.ChkPeriod <= 0 {
		c.ChkPeriod = 5 * time.Second
	}
	if c.MaxCheckpoints <= 0 {
		c.MaxCheckpoints = 10
	}
	if c.WarmupMinMemoryThreshold <= 0 {
		c.WarmupMinMemoryThreshold = 1.0
	}
	if c.WarmupMinItemsThreshold <= 0 {
		c.WarmupMinItemsThreshold = 1.0
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = EvictValueOnly
	}
	if c.FlusherBatchSize <= 0 {
		c.FlusherBatchSize = 500
	}
	if c.ExpiryPagerInterval <= 0 {
		c.ExpiryPagerInterval = 10 * time.Second
	}
	if c.DurabilityTimeout <= 0 {
		c.DurabilityTimeout = 30 * time.Second
	}
}

// Bucket aggregates all partitions: it routes operations, accounts memory
// against the quota, owns warm-up and dispatches the background tasks.
type Bucket struct {
	cfg    Config
	store  kvstore.KVStore
	pool   *executor.Pool
	group  *executor.Group
	vbMap  *VBMap
	logger *zap.Logger
	rnd    *rand.Rand
	rndMu  sync.Mutex

	connMap *dcp.ConnMap
	mtr     *metrics.Metrics

	// vbsetMu serializes partition creation, deletion and rollback.
	vbsetMu sync.Mutex

	dirty   *xsync.MapOf[uint16, struct{}]
	flushCh chan struct{}
	pagerCh chan struct{}

	warmupMu      sync.Mutex
	warmupDone    bool
	warmupWaiters []model.Cookie

	// collectionsMu admits one manifest update at a time.
	collectionsMu sync.Mutex
	manifest      *collections.Manifest

	statePersistMu sync.Mutex
	lastPersisted  map[uint16]*vbucket.PersistedState

	stopOnce sync.Once
}

// New creates a bucket over the given store and scheduler. Call Start to
// begin warm-up and the background tasks.
func New(cfg Config, store kvstore.KVStore, pool *executor.Pool, logger *zap.Logger) *Bucket {
	cfg.applyDefaults()
	b := &Bucket{
		cfg:           cfg,
		store:         store,
		pool:          pool,
		group:         executor.NewGroup("bucket"),
		vbMap:         NewVBMap(cfg.MaxVBuckets),
		logger:        logger,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
		dirty:         xsync.NewMapOf[uint16, struct{}](),
		flushCh:       make(chan struct{}, 1),
		pagerCh:       make(chan struct{}, 1),
		manifest:      collections.DefaultManifest(),
		lastPersisted: make(map[uint16]*vbucket.PersistedState),
	}
	return b
}

// SetConnMap wires the DCP connection registry in; partition events fan out
// to it.
func (b *Bucket) SetConnMap(cm *dcp.ConnMap) { b.connMap = cm }

// SetMetrics wires the Prometheus instruments in. Call before Start so
// partitions created from here on report through the observer.
func (b *Bucket) SetMetrics(m *metrics.Metrics) { b.mtr = m }

// vbObserver feeds partition events into the bucket's instruments.
type vbObserver struct {
	m *metrics.Metrics
}

func (o vbObserver) SyncWriteCommitted() { o.m.SyncWritesCommitted.Inc() }
func (o vbObserver) SyncWriteAborted() { o.m.SyncWritesAborted.Inc() }
func (o vbObserver) BloomShortCircuit() { o.m.BloomFilterHits.Inc() }

// recordOp feeds the per-operation metrics. WouldBlock is a suspension, not
// an error.
func (b *Bucket) recordOp(op string, start time.Time, err error) {
	if b.mtr == nil {
		return
	}
	code := status.CodeOf(err)
	if code == status.Success || code == status.WouldBlock {
		b.mtr.RecordOp(op, time.Since(start).Seconds())
		return
	}
	b.mtr.RecordOpError(code.String())
}

// VBMapRef exposes the partition map (stats, tests).
func (b *Bucket) VBMapRef() *VBMap { return b.vbMap }

// Store exposes the underlying KVStore.
func (b *Bucket) Store() kvstore.KVStore { return b.store }

// Partition resolves a partition handle; the DCP layer uses this as its
// lookup.
func (b *Bucket) Partition(vbid uint16) (*vbucket.VBucket, bool) {
	return b.vbMap.Get(vbid)
}

// onVBNotify is installed as every partition's notify hook: it marks the
// partition dirty for the flusher and fans the seqno out to DCP.
func (b *Bucket) onVBNotify(vbid uint16, seqno uint64) {
	b.dirty.Store(vbid, struct{}{})
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
	if b.connMap != nil {
		b.connMap.Notify(vbid, seqno)
	}
}

// vbConfig builds the per-partition config.
func (b *Bucket) vbConfig() vbucket.Config {
	return vbucket.Config{
		HTShards: b.cfg.HTLocks,
		Checkpoint: checkpoint.Config{
			MaxItems:       b.cfg.ChkMaxItems,
			MaxAge:         b.cfg.ChkPeriod,
			MaxCheckpoints: b.cfg.MaxCheckpoints,
		},
		MaxFailoverEntries: b.cfg.MaxFailoverEntries,
		FullEviction:       b.cfg.EvictionPolicy == EvictFull,
		BloomEnabled:       b.cfg.BloomEnabled,
		MaxTTL:             b.cfg.MaxTTL,
		MaxKeySize:         b.cfg.MaxKeySize,
		MaxItemSize:        b.cfg.MaxItemSize,
		Observer:           b.statsObserver(),
	}
}

func (b *Bucket) statsObserver() vbucket.StatsObserver {
	if b.mtr == nil {
		return nil
	}
	return vbObserver{m: b.mtr}
}

// --------------------------------------------------------------------------
// Memory accounting
// --------------------------------------------------------------------------

// MemUsed estimates bucket memory: hash tables plus checkpoint queues.
func (b *Bucket) MemUsed() uint64 {
	var used int64
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		used += vb.HashTable().MemUsed()
		used += vb.Checkpoints().MemUsed()
		return true
	})
	if used < 0 {
		return 0
	}
	return uint64(used)
}

// HighWatermark returns the eviction trigger in bytes.
func (b *Bucket) HighWatermark() uint64 {
	return uint64(float64(b.cfg.MaxSize) * b.cfg.MemHighWat)
}

// LowWatermark returns the eviction target in bytes.
func (b *Bucket) LowWatermark() uint64 {
	return uint64(float64(b.cfg.MaxSize) * b.cfg.MemLowWat)
}

// BackfillAllowed gates DCP backfills on the memory threshold.
func (b *Bucket) BackfillAllowed() bool {
	return b.MemUsed() < uint64(float64(b.cfg.MaxSize)*b.cfg.BackfillMemThreshold)
}

// checkMemoryForMutation admits or rejects a write against the quota,
// waking the item pager when past the high watermark.
func (b *Bucket) checkMemoryForMutation() error {
	used := b.MemUsed()
	if used >= uint64(float64(b.cfg.MaxSize)*b.cfg.MutationMemThreshold) {
		return status.ErrNoMemory(used, b.cfg.MaxSize)
	}
	if used > b.HighWatermark() {
		b.WakeItemPager()
	}
	return nil
}

// WakeItemPager nudges the pager task to run now.
func (b *Bucket) WakeItemPager() {
	select {
	case b.pagerCh <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Warm-up gate
// --------------------------------------------------------------------------

// gateOnWarmup parks operations that need pre-existing state until warm-up
// completes.
func (b *Bucket) gateOnWarmup(cookie model.Cookie) error {
	b.warmupMu.Lock()
	defer b.warmupMu.Unlock()
	if b.warmupDone {
		return nil
	}
	if cookie != nil {
		b.warmupWaiters = append(b.warmupWaiters, cookie)
	}
	return status.New(status.WouldBlock, "warmup in progress")
}

// WarmupDone reports whether warm-up has completed.
func (b *Bucket) WarmupDone() bool {
	b.warmupMu.Lock()
	defer b.warmupMu.Unlock()
	return b.warmupDone
}

func (b *Bucket) finishWarmup() {
	b.warmupMu.Lock()
	b.warmupDone = true
	waiters := b.warmupWaiters
	b.warmupWaiters = nil
	b.warmupMu.Unlock()
	for _, cookie := range waiters {
		cookie.Notify(status.Success)
	}
}

// --------------------------------------------------------------------------
// Operation routing
// --------------------------------------------------------------------------

func (b *Bucket) vbForOp(vbid uint16) (*vbucket.VBucket, error) {
	vb, ok := b.vbMap.Get(vbid)
	if !ok {
		return nil, status.ErrNotMyPartition(vbid)
	}
	return vb, nil
}

// Get routes a read.
func (b *Bucket) Get(vbid uint16, key []byte, opts vbucket.GetOptions) (res *vbucket.GetResult, err error) {
	start := time.Now()
	defer func() { b.recordOp("get", start, err) }()

	if err = b.gateOnWarmup(opts.Cookie); err != nil {
		return nil, err
	}
	vb, err := b.vbForOp(vbid)
	if err != nil {
		return nil, err
	}
	res, err = vb.Get(key, opts)
	if status.CodeOf(err) == status.WouldBlock {
		b.scheduleBGFetch(vbid)
	}
	return res, err
}

// Set routes an unconditional store.
func (b *Bucket) Set(vbid uint16, key, value []byte, opts vbucket.MutOptions) (*vbucket.MutResult, error) {
	return b.mutate("set", vbid, key, value, opts, (*vbucket.VBucket).Set)
}

// Add routes a create-only store.
func (b *Bucket) Add(vbid uint16, key, value []byte, opts vbucket.MutOptions) (*vbucket.MutResult, error) {
	return b.mutate("add", vbid, key, value, opts, (*vbucket.VBucket).Add)
}

// Replace routes an update-only store.
func (b *Bucket) Replace(vbid uint16, key, value []byte, opts vbucket.MutOptions) (*vbucket.MutResult, error) {
	return b.mutate("replace", vbid, key, value, opts, (*vbucket.VBucket).Replace)
}

// Delete routes a delete.
func (b *Bucket) Delete(vbid uint16, key []byte, opts vbucket.MutOptions) (*vbucket.MutResult, error) {
	return b.mutate("delete", vbid, key, nil, opts, func(vb *vbucket.VBucket, k, _ []byte, o vbucket.MutOptions) (*vbucket.MutResult, error) {
		return vb.Delete(k, o)
	})
}

func (b *Bucket) mutate(name string, vbid uint16, key, value []byte, opts vbucket.MutOptions,
	op func(*vbucket.VBucket, []byte, []byte, vbucket.MutOptions) (*vbucket.MutResult, error)) (res *vbucket.MutResult, err error) {

	start := time.Now()
	defer func() { b.recordOp(name, start, err) }()

	if err = b.gateOnWarmup(opts.Cookie); err != nil {
		return nil, err
	}
	if err = b.checkMemoryForMutation(); err != nil {
		return nil, err
	}
	vb, err := b.vbForOp(vbid)
	if err != nil {
		return nil, err
	}
	res, err = op(vb, key, value, opts)
	if status.CodeOf(err) == status.WouldBlock {
		b.scheduleBGFetch(vbid)
	}
	return res, err
}

// Touch routes an expiry adjustment.
func (b *Bucket) Touch(vbid uint16, key []byte, expiry uint32, opts vbucket.GetOptions) (res *vbucket.GetResult, err error) {
	start := time.Now()
	defer func() { b.recordOp("touch", start, err) }()

	if err = b.gateOnWarmup(opts.Cookie); err != nil {
		return nil, err
	}
	vb, err := b.vbForOp(vbid)
	if err != nil {
		return nil, err
	}
	res, err = vb.Touch(key, expiry, opts)
	return res, err
}

// Unlock routes a document unlock.
func (b *Bucket) Unlock(vbid uint16, key []byte, cas uint64, cookie model.Cookie) (err error) {
	start := time.Now()
	defer func() { b.recordOp("unlock", start, err) }()

	if err = b.gateOnWarmup(cookie); err != nil {
		return err
	}
	vb, err := b.vbForOp(vbid)
	if err != nil {
		return err
	}
	err = vb.Unlock(key, cas, cookie)
	return err
}

// RandomKey returns a random key from the lowest-numbered active partition
// that holds any key; the partition itself is not chosen at random.
func (b *Bucket) RandomKey() (uint16, string, bool) {
	var foundVB uint16
	var foundKey string
	found := false
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		if vb.State() != vbucket.StateActive {
			return true
		}
		if key, ok := vb.RandomKey(); ok {
			foundVB, foundKey, found = vb.ID(), key, true
			return false
		}
		return true
	})
	return foundVB, foundKey, found
}

// SeqnoAckReceived routes a replica durability acknowledgement.
func (b *Bucket) SeqnoAckReceived(vbid uint16, node string, memSeqno, diskSeqno uint64) error {
	vb, err := b.vbForOp(vbid)
	if err != nil {
		return err
	}
	return vb.SeqnoAcked(node, memSeqno, diskSeqno)
}

// SetTopology installs a partition's replication chain.
func (b *Bucket) SetTopology(vbid uint16, chain model.ReplicationChain) error {
	vb, err := b.vbForOp(vbid)
	if err != nil {
		return err
	}
	return vb.SetTopology(chain)
}

// --------------------------------------------------------------------------
// Partition lifecycle
// --------------------------------------------------------------------------

// SetVBucketState creates the partition on first use and transitions its
// state. Streams are torn down when a partition stops being active; the
// persisted blob is rewritten when state or failover history changed.
func (b *Bucket) SetVBucketState(vbid uint16, state vbucket.State) error {
	if !b.vbMap.Valid(vbid) {
		return status.Newf(status.Range, "partition %d out of range", vbid)
	}

	b.vbsetMu.Lock()
	defer b.vbsetMu.Unlock()

	vb, ok := b.vbMap.Get(vbid)
	if !ok {
		vb = b.restoreOrCreateVB(vbid, state)
		if err := b.vbMap.AddBucket(vb); err != nil {
			return err
		}
		b.persistVBState(vb)
		return nil
	}

	prev := vb.State()
	if prev == state {
		return nil
	}
	vb.SetState(state)
	b.vbMap.OnStateChanged(prev, state)

	if prev == vbucket.StateActive && state != vbucket.StateActive && b.connMap != nil {
		b.connMap.CloseStreamsForVB(vbid, protocol.StreamEndStateChanged)
	}
	b.persistVBState(vb)
	return nil
}

// restoreOrCreateVB builds a partition handle, resuming persisted identity
// when the store has one.
func (b *Bucket) restoreOrCreateVB(vbid uint16, state vbucket.State) *vbucket.VBucket {
	var (
		maxCAS uint64
		table  *failover.Table
	)
	if blob, err := b.store.GetVBState(vbid); err == nil {
		if ps, err := vbucket.DecodePersistedState(blob); err == nil {
			maxCAS, _ = strconv.ParseUint(ps.MaxCAS, 10, 64)
			table = failover.FromEntries(ps.FailoverTable, b.cfg.MaxFailoverEntries, b.newRand())
		}
	}
	highSeqno := b.store.HighSeqno(vbid)
	return vbucket.New(vbid, state, highSeqno, maxCAS, table,
		b.vbConfig(), b.onVBNotify, b.logger, b.newRand())
}

// ApplyManifest applies a collections manifest update: at most one runs at a
// time, every active partition must accept it, and a rejection rolls the
// survivors back to the old manifest best-effort.
func (b *Bucket) ApplyManifest(next *collections.Manifest) error {
	if !b.collectionsMu.TryLock() {
		return status.New(status.Busy, "manifest update in progress")
	}
	defer b.collectionsMu.Unlock()

	old := b.manifest
	if next.UID < old.UID {
		return status.Newf(status.CollectionsManifestAhead, "manifest %d behind current %d", next.UID, old.UID)
	}

	var applied []*vbucket.VBucket
	var failed error
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		if vb.State() != vbucket.StateActive {
			return true
		}
		if err := vb.SetManifest(next); err != nil {
			failed = err
			return false
		}
		applied = append(applied, vb)
		return true
	})

	if failed != nil {
		for _, vb := range applied {
			if err := vb.SetManifest(old); err != nil {
				b.logger.Warn("Manifest rollback failed",
					zap.Uint16("vb", vb.ID()), zap.Error(err))
			}
		}
		return status.Wrap(status.CannotApply, "partition rejected manifest", failed)
	}

	added, dropped := old.Diff(next)
	for _, vb := range applied {
		for _, c := range added {
			vb.QueueSystemEvent([]byte(c.Name), c.ID, nil)
		}
		for _, c := range dropped {
			vb.QueueSystemEvent([]byte(c.Name), c.ID, nil)
		}
	}
	b.manifest = next
	return nil
}

// Manifest returns the bucket-level manifest.
func (b *Bucket) Manifest() *collections.Manifest {
	b.collectionsMu.Lock()
	defer b.collectionsMu.Unlock()
	return b.manifest
}

// DeleteVBucket marks the partition dead, drops it from the map and defers
// file deletion to the auxiliary-IO lane.
func (b *Bucket) DeleteVBucket(vbid uint16) error {
	b.vbsetMu.Lock()
	defer b.vbsetMu.Unlock()

	vb, ok := b.vbMap.DropBucketAndSetupDeferredDeletion(vbid)
	if !ok {
		return status.ErrNotMyPartition(vbid)
	}
	vb.SetState(vbucket.StateDead)
	if b.connMap != nil {
		b.connMap.CloseStreamsForVB(vbid, protocol.StreamEndStateChanged)
	}

	_, err := b.pool.Schedule(executor.TaskFunc{
		Desc: "vbucket file deletion",
		Prio: executor.PriorityAuxIO,
		Fn: func(context.Context) (bool, time.Duration) {
			if err := b.store.DeleteVBucket(vbid); err != nil {
				b.logger.Error("Deferred partition deletion failed",
					zap.Uint16("vb", vbid), zap.Error(err))
			}
			return false, 0
		},
	}, 0, b.group)
	if err != nil {
		return b.store.DeleteVBucket(vbid)
	}
	return nil
}

// Rollback rewinds a demoted partition: the store picks the nearest durable
// snapshot, in-memory state resets to it, the hash table reloads from disk
// and every stream for the partition is terminated.
func (b *Bucket) Rollback(vbid uint16, target uint64) (uint64, error) {
	b.vbsetMu.Lock()
	defer b.vbsetMu.Unlock()

	vb, ok := b.vbMap.Get(vbid)
	if !ok {
		return 0, status.ErrNotMyPartition(vbid)
	}

	if b.connMap != nil {
		b.connMap.CloseStreamsForVB(vbid, protocol.StreamEndRollback)
	}

	rolledTo, err := b.store.RollbackTo(vbid, target)
	if err != nil {
		return 0, err
	}
	vb.ResetTo(rolledTo)

	// Rehydrate the hash table from the surviving disk state.
	err = b.store.ScanSeqnoRange(vbid, 0, rolledTo, func(it *item.Item) error {
		if it.IsDeleted() {
			return nil
		}
		sh := vb.HashTable().ShardFor(it.Key)
		sh.Lock()
		sh.Insert(it)
		sh.Unlock()
		vb.BloomAdd(it.Key)
		return nil
	})
	if err != nil {
		return rolledTo, err
	}

	b.persistVBState(vb)
	b.logger.Info("Partition rolled back",
		zap.Uint16("vb", vbid),
		zap.Uint64("target", target),
		zap.Uint64("rolled_to", rolledTo))
	return rolledTo, nil
}

// --------------------------------------------------------------------------
// Persisted state
// --------------------------------------------------------------------------

// persistVBState rewrites the partition blob when state or failover history
// changed since the last write.
func (b *Bucket) persistVBState(vb *vbucket.VBucket) {
	snap := vb.Snapshot()

	b.statePersistMu.Lock()
	prev := b.lastPersisted[vb.ID()]
	if !snap.NeedsToBePersisted(prev) {
		b.statePersistMu.Unlock()
		return
	}
	b.lastPersisted[vb.ID()] = snap
	b.statePersistMu.Unlock()

	blob, err := snap.Encode()
	if err != nil {
		b.logger.Error("Failed to encode partition state", zap.Uint16("vb", vb.ID()), zap.Error(err))
		return
	}
	if err := b.store.SnapshotVBState(vb.ID(), blob); err != nil {
		b.logger.Error("Failed to persist partition state", zap.Uint16("vb", vb.ID()), zap.Error(err))
	}
}

func (b *Bucket) newRand() *rand.Rand {
	b.rndMu.Lock()
	defer b.rndMu.Unlock()
	return rand.New(rand.NewSource(b.rnd.Int63()))
}

// NumTrackedSyncWrites sums in-flight synchronous writes across partitions.
func (b *Bucket) NumTrackedSyncWrites() int {
	total := 0
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		total += vb.Durability().NumTracked()
		return true
	})
	return total
}

// CheckpointMemUsed sums checkpoint-queue memory across partitions.
func (b *Bucket) CheckpointMemUsed() uint64 {
	var used int64
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		used += vb.Checkpoints().MemUsed()
		return true
	})
	if used < 0 {
		return 0
	}
	return uint64(used)
}

// NumDcpConnections returns the live producer connection count.
func (b *Bucket) NumDcpConnections() int {
	if b.connMap == nil {
		return 0
	}
	return b.connMap.NumConnections()
}

// Stats is the bucket-level counter snapshot.
type Stats struct {
	MemUsed     uint64
	MaxSize     uint64
	NumActive   int64
	NumReplica  int64
	NumPending  int64
	NumDead     int64
	WarmupDone  bool
	ManifestUID uint64
}

// StatsSnapshot returns current counters.
func (b *Bucket) StatsSnapshot() Stats {
	return Stats{
		MemUsed:     b.MemUsed(),
		MaxSize:     b.cfg.MaxSize,
		NumActive:   b.vbMap.CountInState(vbucket.StateActive),
		NumReplica:  b.vbMap.CountInState(vbucket.StateReplica),
		NumPending:  b.vbMap.CountInState(vbucket.StatePending),
		NumDead:     b.vbMap.CountInState(vbucket.StateDead),
		WarmupDone:  b.WarmupDone(),
		ManifestUID: b.Manifest().UID,
	}
}

// Shutdown cancels the bucket's task group. In-flight task runs complete
// before their tasks retire.
func (b *Bucket) Shutdown() {
	b.stopOnce.Do(func() {
		b.group.Cancel()
		if b.connMap != nil {
			b.connMap.Shutdown()
		}
	})
}

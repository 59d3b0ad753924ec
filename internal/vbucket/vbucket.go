package vbucket

import (
	"math/rand"
	"sync"
	"time"

	"github.com/riptidedb/riptide/internal/bloom"
	"github.com/riptidedb/riptide/internal/checkpoint"
	"github.com/riptidedb/riptide/internal/collections"
	"github.com/riptidedb/riptide/internal/durability"
	"github.com/riptidedb/riptide/internal/failover"
	"github.com/riptidedb/riptide/internal/hashtable"
	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/model"
	"github.com/riptidedb/riptide/internal/status"
	"go.uber.org/zap"
)

// NotifyFn is invoked after a seqno is assigned in the partition, never while
// a hash-table shard lock is held. The flusher and attached DCP streams wake on it.
type NotifyFn func(vbid uint16, seqno uint64)

// PreExpiryHook runs before an expiry is queued; it may scrub extended
// attributes from the value. The returned value becomes the expiration
// item's body (normally empty).
type PreExpiryHook func(it *item.Item) []byte

// StatsObserver receives partition events the owner aggregates into engine
// metrics. Implementations must be cheap and non-blocking; methods may be
// called under partition locks.
type StatsObserver interface {
	SyncWriteCommitted()
	SyncWriteAborted()
	BloomShortCircuit()
}

// noopObserver is the default when no observer is wired.
type noopObserver struct{}

func (noopObserver) SyncWriteCommitted() {}
func (noopObserver) SyncWriteAborted() {}
func (noopObserver) BloomShortCircuit() {}

// Config tunes one partition.
type Config struct {
	HTShards           int
	Checkpoint         checkpoint.Config
	MaxFailoverEntries int
	FullEviction       bool
	BloomEnabled       bool
	BloomKeys          int
	BloomFPR           float64
	MaxTTL             time.Duration
	MaxKeySize         int
	MaxItemSize        int
	PreExpiry          PreExpiryHook
	Observer           StatsObserver
}

func (c *Config) applyDefaults() {
	if c.MaxKeySize <= 0 {
		c.MaxKeySize = 250
	}
	if c.MaxItemSize <= 0 {
		c.MaxItemSize = 20 << 20
	}
	if c.BloomKeys <= 0 {
		c.BloomKeys = 10000
	}
	if c.BloomFPR <= 0 {
		c.BloomFPR = 0.01
	}
	if c.PreExpiry == nil {
		c.PreExpiry = func(*item.Item) []byte { return nil }
	}
	if c.Observer == nil {
		c.Observer = noopObserver{}
	}
}

// bgFetchReq is one queued background disk fetch.
type bgFetchReq struct {
	key      string
	cookies  []model.Cookie
	metaOnly bool
}

// VBucket is one partition: it composes the hash table, the checkpoint
// manager, the failover table and the durability monitor, serializes
// mutations, and drives expiry and the pending-operation queue.
//
// Lock order within a partition: stateLock (read for every operation, write
// for transitions), then the hash-table shard lock, then the checkpoint
// manager's internal lock, with the durability monitor's lock innermost.
// Notifications run after the shard lock is released; the stateLock read
// hold of a client write is still in place when it notifies.
type VBucket struct {
	id  uint16
	cfg Config

	stateLock sync.RWMutex
	state     State

	ht       *hashtable.HashTable
	ckptMgr  *checkpoint.Manager
	fot      *failover.Table
	dm       *durability.Monitor
	hlc      *item.HLC
	manifest *collections.Manifest
	manMu    sync.RWMutex

	filterMu sync.Mutex
	filter   *bloom.Filter

	pendingMu  sync.Mutex
	pendingOps []model.Cookie

	fetchMu   sync.Mutex
	bgFetches map[string]*bgFetchReq

	// syncWriteMu serializes durability-monitor outcomes with commit and
	// abort emission so commits always land in tracked-write order.
	syncWriteMu sync.Mutex

	takeoverBackedUp bool
	maxDeletedSeqno  uint64
	mightHaveXattrs  bool
	persistedUpto    uint64

	notify NotifyFn
	logger *zap.Logger
	rnd    *rand.Rand

	opsCreate  uint64
	opsUpdate  uint64
	opsDelete  uint64
	opsGet     uint64
	numExpired uint64
}

// New creates a partition resuming from the given high seqno, CAS ceiling
// and failover history (all zero/fresh for a brand new partition).
func New(id uint16, initial State, highSeqno, maxCAS uint64, fot *failover.Table,
	cfg Config, notify NotifyFn, logger *zap.Logger, rnd *rand.Rand) *VBucket {

	cfg.applyDefaults()
	if fot == nil {
		fot = failover.NewTable(cfg.MaxFailoverEntries, rnd)
	}
	vb := &VBucket{
		id:        id,
		cfg:       cfg,
		state:     initial,
		ht:        hashtable.New(cfg.HTShards),
		ckptMgr:   checkpoint.NewManager(id, highSeqno, cfg.Checkpoint, logger),
		fot:       fot,
		dm:        durability.NewMonitor(id, logger),
		hlc:       item.NewHLC(maxCAS),
		manifest:  collections.DefaultManifest(),
		filter:    bloom.New(cfg.BloomKeys, cfg.BloomFPR),
		bgFetches: make(map[string]*bgFetchReq),
		notify:    notify,
		logger:    logger,
		rnd:       rnd,
	}
	if notify == nil {
		vb.notify = func(uint16, uint64) {}
	}
	return vb
}

// ID returns the partition id.
func (vb *VBucket) ID() uint16 { return vb.id }

// State returns the current lifecycle state.
func (vb *VBucket) State() State {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()
	return vb.state
}

// HashTable exposes the partition's index to the pagers and warm-up.
func (vb *VBucket) HashTable() *hashtable.HashTable { return vb.ht }

// Checkpoints exposes the checkpoint manager to the flusher and DCP.
func (vb *VBucket) Checkpoints() *checkpoint.Manager { return vb.ckptMgr }

// Failover exposes the failover table to DCP stream negotiation.
func (vb *VBucket) Failover() *failover.Table { return vb.fot }

// Durability exposes the monitor, mainly for stats.
func (vb *VBucket) Durability() *durability.Monitor { return vb.dm }

// HighSeqno returns the last assigned seqno.
func (vb *VBucket) HighSeqno() uint64 { return vb.ckptMgr.HighSeqno() }

// SetTakeoverBackedUp flags the partition as lagging a takeover; client
// writes fail TempFailure while set.
func (vb *VBucket) SetTakeoverBackedUp(v bool) {
	vb.stateLock.Lock()
	vb.takeoverBackedUp = v
	vb.stateLock.Unlock()
}

// SetManifest swaps the collections manifest in. Fails CannotApply when the
// supplied manifest is older than the current one.
func (vb *VBucket) SetManifest(m *collections.Manifest) error {
	vb.manMu.Lock()
	defer vb.manMu.Unlock()
	if m.UID < vb.manifest.UID {
		return status.Newf(status.CannotApply, "manifest %d older than current %d", m.UID, vb.manifest.UID)
	}
	vb.manifest = m
	return nil
}

// Manifest returns the current collections manifest.
func (vb *VBucket) Manifest() *collections.Manifest {
	vb.manMu.RLock()
	defer vb.manMu.RUnlock()
	return vb.manifest
}

// --------------------------------------------------------------------------
// State machine
// --------------------------------------------------------------------------

// SetState performs a lifecycle transition under the writer lock. Promotion
// to active mints a failover entry; leaving active aborts every in-flight
// synchronous write with SyncWriteAmbiguous. Queued pending-state operations
// are resumed after the transition.
func (vb *VBucket) SetState(next State) {
	vb.stateLock.Lock()
	prev := vb.state
	vb.state = next

	if next == StateActive && prev != StateActive {
		vb.fot.CreateEntry(vb.ckptMgr.HighSeqno())
		vb.ckptMgr.CreateNewCheckpoint()
	}
	vb.stateLock.Unlock()

	if prev == StateActive && next != StateActive {
		vb.abortSyncWrites(vb.dm.AbortAll(), status.SyncWriteAmbiguous)
	}

	switch next {
	case StateActive, StateReplica:
		vb.fireAllOps(status.Success)
	case StateDead:
		vb.fireAllOps(status.NotMyPartition)
	}

	vb.logger.Info("Partition state changed",
		zap.Uint16("vb", vb.id),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
}

// MarkDead is the invariant-violation escape hatch: the partition stops
// serving and awaits deletion.
func (vb *VBucket) MarkDead(reason error) {
	vb.logger.Error("Marking partition dead",
		zap.Uint16("vb", vb.id), zap.Error(reason))
	vb.SetState(StateDead)
}

// fireAllOps resumes every operation parked on the pending-state queue,
// notifying each cookie exactly once.
func (vb *VBucket) fireAllOps(code status.Code) {
	vb.pendingMu.Lock()
	ops := vb.pendingOps
	vb.pendingOps = nil
	vb.pendingMu.Unlock()
	for _, cookie := range ops {
		cookie.Notify(code)
	}
}

// admitClientOp runs the admission sequence shared by every client
// operation. Caller holds stateLock read.
func (vb *VBucket) admitClientOp(cookie model.Cookie, write bool) error {
	switch vb.state {
	case StateDead:
		return status.ErrNotMyPartition(vb.id)
	case StateReplica:
		if write {
			return status.ErrNotMyPartition(vb.id)
		}
	case StatePending:
		if cookie != nil {
			vb.pendingMu.Lock()
			vb.pendingOps = append(vb.pendingOps, cookie)
			vb.pendingMu.Unlock()
		}
		return status.New(status.WouldBlock, "partition is pending")
	}
	if write && vb.takeoverBackedUp {
		return status.New(status.TempFailure, "takeover backed up")
	}
	return nil
}

// checkCollection validates the key's collection against the manifest.
func (vb *VBucket) checkCollection(cid uint32) error {
	if !vb.Manifest().Exists(cid) {
		return status.Newf(status.UnknownCollection, "collection %d", cid)
	}
	return nil
}

// capTTL applies the bucket-wide max_ttl ceiling to an absolute expiry.
func (vb *VBucket) capTTL(expiry uint32, now time.Time) uint32 {
	if vb.cfg.MaxTTL <= 0 {
		return expiry
	}
	ceiling := uint32(now.Add(vb.cfg.MaxTTL).Unix())
	if expiry == 0 || expiry > ceiling {
		return ceiling
	}
	return expiry
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// GetOptions carries read parameters.
type GetOptions struct {
	CollectionID uint32
	Cookie       model.Cookie
	// LockTime, when nonzero, acquires the document lock (GETL).
	LockTime time.Duration
}

// GetResult is a successful read.
type GetResult struct {
	Value    []byte
	Flags    uint32
	Datatype item.Datatype
	CAS      uint64
	Seqno    uint64
	Expiry   uint32
}

// Get reads the newest committed version of key. Under full eviction a miss
// that the bloom filter cannot disprove schedules a background fetch and
// fails WouldBlock; the cookie is notified when the fetch resolves.
func (vb *VBucket) Get(key []byte, opts GetOptions) (*GetResult, error) {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()

	if err := vb.admitClientOp(opts.Cookie, false); err != nil {
		return nil, err
	}
	if err := vb.checkCollection(opts.CollectionID); err != nil {
		return nil, err
	}

	now := time.Now()
	sh := vb.ht.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()

	vb.opsGet++
	sv := sh.FindForRead(string(key))
	switch {
	case sv == nil:
		if vb.cfg.FullEviction {
			if vb.bloomMayContain(key) {
				return nil, vb.queueBGFetchLocked(sh, string(key), opts.Cookie, false)
			}
			vb.cfg.Observer.BloomShortCircuit()
		}
		return nil, status.ErrKeyMissing(string(key))
	case sv.Temp() == hashtable.TempNonExistent:
		return nil, status.ErrKeyMissing(string(key))
	case sv.Temp() == hashtable.TempInitial:
		vb.addFetchWaiter(string(key), opts.Cookie)
		return nil, status.New(status.WouldBlock, "fetch in flight")
	case sv.IsDeleted():
		return nil, status.ErrKeyMissing(string(key))
	case sv.Expired(now):
		vb.expireLocked(sh, sv, now)
		return nil, status.ErrKeyMissing(string(key))
	case !sv.IsResident():
		return nil, vb.queueBGFetchLocked(sh, string(key), opts.Cookie, false)
	}

	if opts.LockTime > 0 {
		if sv.IsLocked(now) {
			return nil, status.New(status.LockedTempFailure, "document is locked")
		}
		sv.Lock(now.Add(opts.LockTime))
	}

	return &GetResult{
		Value:    sv.Value(),
		Flags:    sv.Flags(),
		Datatype: sv.Datatype(),
		CAS:      sv.CAS(),
		Seqno:    sv.Seqno(),
		Expiry:   sv.Expiry(),
	}, nil
}

// Unlock releases a document lock previously taken by Get with LockTime.
// The CAS must match the one returned by the locking read.
func (vb *VBucket) Unlock(key []byte, cas uint64, cookie model.Cookie) error {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()

	if err := vb.admitClientOp(cookie, false); err != nil {
		return err
	}

	sh := vb.ht.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()

	sv := sh.FindForRead(string(key))
	if sv == nil || sv.IsDeleted() || sv.IsTemp() {
		return status.ErrKeyMissing(string(key))
	}
	if !sv.IsLocked(time.Now()) {
		return status.New(status.TempFailure, "document is not locked")
	}
	if cas != sv.CAS() {
		return status.ErrKeyExists(string(key))
	}
	sv.Unlock()
	return nil
}

// Touch adjusts the document's expiry, capped by max_ttl.
func (vb *VBucket) Touch(key []byte, expiry uint32, opts GetOptions) (*GetResult, error) {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()

	if err := vb.admitClientOp(opts.Cookie, true); err != nil {
		return nil, err
	}
	if err := vb.checkCollection(opts.CollectionID); err != nil {
		return nil, err
	}

	now := time.Now()
	sh := vb.ht.ShardFor(key)
	sh.Lock()
	defer sh.Unlock()

	sv := sh.FindForRead(string(key))
	if sv == nil || sv.IsDeleted() || sv.Temp() == hashtable.TempNonExistent {
		return nil, status.ErrKeyMissing(string(key))
	}
	if sv.IsLocked(now) {
		return nil, status.New(status.Locked, "document is locked")
	}
	if !sv.IsResident() {
		return nil, vb.queueBGFetchLocked(sh, string(key), opts.Cookie, false)
	}

	it := sv.ToItem(vb.id)
	it.Expiry = vb.capTTL(expiry, now)
	it.CAS = vb.hlc.Next(now)
	it.RevSeqno = sv.RevSeqno() + 1
	vb.ckptMgr.QueueDirty(it)
	sh.Insert(it)
	seqno := it.Seqno

	go vb.notify(vb.id, seqno)
	return &GetResult{Value: it.Value, Flags: it.Flags, Datatype: it.Datatype, CAS: it.CAS, Seqno: seqno, Expiry: it.Expiry}, nil
}

// RandomKey returns a random resident key, used by the random-document API.
func (vb *VBucket) RandomKey() (string, bool) {
	return vb.ht.RandomKey(vb.rnd)
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// MutOptions carries write parameters.
type MutOptions struct {
	CAS          uint64
	Flags        uint32
	Datatype     item.Datatype
	Expiry       uint32
	CollectionID uint32
	Durability   *item.Requirement
	Cookie       model.Cookie
}

// MutResult is a successful (or prepared) write.
type MutResult struct {
	CAS   uint64
	Seqno uint64
}

// mutationKind distinguishes the store-family operations sharing one path.
type mutationKind uint8

const (
	mutSet mutationKind = iota
	mutAdd
	mutReplace
	mutDelete
)

// Set stores the value unconditionally (CAS aside).
func (vb *VBucket) Set(key, value []byte, opts MutOptions) (*MutResult, error) {
	return vb.mutate(mutSet, key, value, opts)
}

// Add stores the value only if the key does not currently exist.
func (vb *VBucket) Add(key, value []byte, opts MutOptions) (*MutResult, error) {
	return vb.mutate(mutAdd, key, value, opts)
}

// Replace stores the value only if the key currently exists.
func (vb *VBucket) Replace(key, value []byte, opts MutOptions) (*MutResult, error) {
	return vb.mutate(mutReplace, key, value, opts)
}

// Delete removes the key, leaving a tombstone.
func (vb *VBucket) Delete(key []byte, opts MutOptions) (*MutResult, error) {
	return vb.mutate(mutDelete, key, nil, opts)
}

// mutate implements the admission-validate-apply sequence shared by
// set/add/replace/delete. The hash-table mutation, the checkpoint enqueue
// and (for synchronous writes) durability registration happen atomically
// under the shard lock.
func (vb *VBucket) mutate(kind mutationKind, key, value []byte, opts MutOptions) (*MutResult, error) {
	if len(key) == 0 || len(key) > vb.cfg.MaxKeySize {
		return nil, status.Newf(status.InvalidArgument, "key length %d out of range", len(key))
	}
	if len(value) > vb.cfg.MaxItemSize {
		return nil, status.ErrTooBig(len(value), vb.cfg.MaxItemSize)
	}
	if opts.CAS == item.CASReserved {
		return nil, status.New(status.InvalidArgument, "reserved CAS value")
	}

	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()

	if err := vb.admitClientOp(opts.Cookie, true); err != nil {
		return nil, err
	}
	if err := vb.checkCollection(opts.CollectionID); err != nil {
		return nil, err
	}

	now := time.Now()
	expiry := vb.capTTL(opts.Expiry, now)

	sh := vb.ht.ShardFor(key)
	sh.Lock()

	committed, pending := sh.FindForWrite(string(key))
	if committed != nil && committed.Expired(now) {
		vb.expireLocked(sh, committed, now)
		committed = nil
	}
	exists := committed != nil && !committed.IsDeleted() && !committed.IsTemp()
	provenAbsent := committed != nil && committed.Temp() == hashtable.TempNonExistent

	// A key with an in-flight synchronous write admits no second writer.
	if pending != nil {
		sh.Unlock()
		return nil, status.New(status.SyncWriteInProgress, "synchronous write in flight")
	}

	if exists && committed.IsLocked(now) && opts.CAS == 0 {
		sh.Unlock()
		return nil, status.New(status.Locked, "document is locked")
	}

	switch kind {
	case mutAdd:
		if exists {
			sh.Unlock()
			return nil, status.ErrKeyExists(string(key))
		}
		if committed == nil && !provenAbsent && vb.cfg.FullEviction && vb.bloomMayContain(key) {
			err := vb.queueBGFetchLocked(sh, string(key), opts.Cookie, true)
			sh.Unlock()
			return nil, err
		}
	case mutReplace, mutDelete:
		if !exists {
			if committed == nil && !provenAbsent && vb.cfg.FullEviction && vb.bloomMayContain(key) {
				err := vb.queueBGFetchLocked(sh, string(key), opts.Cookie, true)
				sh.Unlock()
				return nil, err
			}
			sh.Unlock()
			return nil, status.ErrKeyMissing(string(key))
		}
	}

	// Compare-and-swap check.
	if opts.CAS != 0 {
		if !exists {
			sh.Unlock()
			return nil, status.ErrKeyMissing(string(key))
		}
		if committed.CAS() != opts.CAS {
			sh.Unlock()
			return nil, status.ErrKeyExists(string(key))
		}
		committed.Unlock()
	}

	var revSeqno uint64 = 1
	if committed != nil {
		revSeqno = committed.RevSeqno() + 1
	}

	cas := vb.hlc.Next(now)
	var it *item.Item
	if kind == mutDelete {
		it = item.NewDeletion(key, cas)
		it.RevSeqno = revSeqno
	} else {
		var err error
		it, err = item.New(key, value, opts.Flags, opts.Datatype, expiry, cas)
		if err != nil {
			sh.Unlock()
			return nil, err
		}
		it.RevSeqno = revSeqno
	}
	it.VBucket = vb.id
	it.CollectionID = opts.CollectionID
	if opts.Datatype&item.DatatypeXattr != 0 {
		vb.mightHaveXattrs = true
	}

	// Synchronous write: queue a prepare and register it with the
	// durability monitor before the shard lock drops.
	if opts.Durability != nil && opts.Durability.Level != item.LevelNone {
		it.Op = item.OpPendingSyncWrite
		it.Committed = item.Pending
		it.Durability = opts.Durability
		it.SyncDelete = kind == mutDelete

		vb.ckptMgr.QueueDirty(it)
		sh.InsertPending(it)
		ready, err := vb.dm.AddSyncWrite(opts.Cookie, it, now)
		sh.Unlock()
		if err != nil {
			return nil, err
		}
		vb.notify(vb.id, it.Seqno)
		if len(ready) > 0 {
			vb.commitSyncWrites(ready)
		}
		return &MutResult{CAS: cas, Seqno: it.Seqno}, status.New(status.WouldBlock, "awaiting durability")
	}

	vb.ckptMgr.QueueDirty(it)
	sh.Insert(it)
	if kind == mutDelete {
		if it.Seqno > vb.maxDeletedSeqno {
			vb.maxDeletedSeqno = it.Seqno
		}
		vb.opsDelete++
	} else if exists {
		vb.opsUpdate++
	} else {
		vb.opsCreate++
	}
	seqno := it.Seqno
	sh.Unlock()

	vb.notify(vb.id, seqno)
	return &MutResult{CAS: cas, Seqno: seqno}, nil
}

// QueueSystemEvent appends a collection create/drop event to the checkpoint
// so attached streams observe manifest changes in seqno order.
func (vb *VBucket) QueueSystemEvent(key []byte, collectionID uint32, payload []byte) uint64 {
	it := item.NewSystemEvent(key, collectionID, payload)
	it.VBucket = vb.id
	vb.ckptMgr.QueueDirty(it)
	vb.notify(vb.id, it.Seqno)
	return it.Seqno
}

// --------------------------------------------------------------------------
// Expiry
// --------------------------------------------------------------------------

// expireLocked replaces an expired entry with an expiration item whose value
// has been scrubbed by the pre-expiry hook. Shard lock held.
func (vb *VBucket) expireLocked(sh *hashtable.Shard, sv *hashtable.StoredValue, now time.Time) {
	it := item.NewExpiration([]byte(sv.Key()), vb.hlc.Next(now))
	it.VBucket = vb.id
	it.RevSeqno = sv.RevSeqno() + 1
	it.Value = vb.cfg.PreExpiry(sv.ToItem(vb.id))

	vb.ckptMgr.QueueDirty(it)
	sh.Insert(it)
	if it.Seqno > vb.maxDeletedSeqno {
		vb.maxDeletedSeqno = it.Seqno
	}
	vb.numExpired++
	seqno := it.Seqno
	go vb.notify(vb.id, seqno)
}

// ExpireExpired scans entries and queues expirations for those past their
// TTL, stopping once limit entries have expired. The expiry pager drives this. Returns expired count.
func (vb *VBucket) ExpireExpired(now time.Time, limit int) int {
	vb.stateLock.RLock()
	defer vb.stateLock.RUnlock()
	if vb.state != StateActive {
		return 0
	}

	var expired int
	vb.ht.Visit(func(sh *hashtable.Shard, sv *hashtable.StoredValue) bool {
		if sv.IsTemp() || sv.IsDeleted() || !sv.Expired(now) {
			return true
		}
		vb.expireLocked(sh, sv, now)
		expired++
		return expired < limit
	})
	return expired
}

// --------------------------------------------------------------------------
// Background fetch
// --------------------------------------------------------------------------

// queueBGFetchLocked registers a fetch for key and parks the cookie. Shard
// lock held; a temp-initial entry suppresses duplicate fetches.
func (vb *VBucket) queueBGFetchLocked(sh *hashtable.Shard, key string, cookie model.Cookie, metaOnly bool) error {
	sh.InsertTemp(key, hashtable.TempInitial)

	vb.fetchMu.Lock()
	req, ok := vb.bgFetches[key]
	if !ok {
		req = &bgFetchReq{key: key, metaOnly: metaOnly}
		vb.bgFetches[key] = req
	}
	if cookie != nil {
		req.cookies = append(req.cookies, cookie)
	}
	vb.fetchMu.Unlock()

	return status.New(status.WouldBlock, "background fetch scheduled")
}

func (vb *VBucket) addFetchWaiter(key string, cookie model.Cookie) {
	if cookie == nil {
		return
	}
	vb.fetchMu.Lock()
	if req, ok := vb.bgFetches[key]; ok {
		req.cookies = append(req.cookies, cookie)
	}
	vb.fetchMu.Unlock()
}

// DrainBGFetches hands the queued fetches to the background fetcher.
func (vb *VBucket) DrainBGFetches() []string {
	vb.fetchMu.Lock()
	defer vb.fetchMu.Unlock()
	keys := make([]string, 0, len(vb.bgFetches))
	for key := range vb.bgFetches {
		keys = append(keys, key)
	}
	return keys
}

// CompleteBGFetch resolves one fetch: fetched carries the disk version or is
// nil when the key does not exist. Every parked cookie is notified with the
// terminal status.
func (vb *VBucket) CompleteBGFetch(key string, fetched *item.Item) {
	vb.fetchMu.Lock()
	req, ok := vb.bgFetches[key]
	delete(vb.bgFetches, key)
	vb.fetchMu.Unlock()

	code := status.Success
	now := time.Now()

	sh := vb.ht.ShardFor([]byte(key))
	sh.Lock()
	sv := sh.FindForRead(key)
	switch {
	case fetched == nil || fetched.IsDeleted():
		if sv != nil && sv.Temp() == hashtable.TempInitial {
			sh.InsertTemp(key, hashtable.TempNonExistent)
		}
		code = status.KeyMissing
	case fetched.Expired(now):
		if sv != nil && sv.Temp() == hashtable.TempInitial {
			sh.InsertTemp(key, hashtable.TempNonExistent)
		}
		code = status.KeyMissing
	default:
		if sv != nil && !sv.IsResident() {
			sh.Restore(sv, fetched)
		}
	}
	sh.Unlock()

	if !ok {
		return
	}
	for _, cookie := range req.cookies {
		cookie.Notify(code)
	}
}

// --------------------------------------------------------------------------
// Durability
// --------------------------------------------------------------------------

// SetTopology installs the replication chain for this partition.
func (vb *VBucket) SetTopology(chain model.ReplicationChain) error {
	vb.syncWriteMu.Lock()
	ready, err := vb.dm.RegisterReplicationChain(chain)
	if err != nil {
		vb.syncWriteMu.Unlock()
		return err
	}
	vb.commitSyncWritesLocked(ready)
	vb.syncWriteMu.Unlock()
	return nil
}

// SeqnoAcked folds a replica acknowledgement into the durability monitor and
// emits any commits it unlocked, in tracked-write order. A LogicError from
// the monitor marks the partition dead.
func (vb *VBucket) SeqnoAcked(node string, memSeqno, diskSeqno uint64) error {
	vb.syncWriteMu.Lock()
	ready, err := vb.dm.SeqnoAckReceived(node, memSeqno, diskSeqno)
	if err != nil {
		vb.syncWriteMu.Unlock()
		if status.CodeOf(err) == status.LogicError {
			vb.MarkDead(err)
		}
		return err
	}
	vb.commitSyncWritesLocked(ready)
	vb.syncWriteMu.Unlock()
	return nil
}

// NotifyPersistence tells the monitor the local flusher reached seqno.
func (vb *VBucket) NotifyPersistence(seqno uint64) {
	vb.persistedUpto = seqno
	vb.syncWriteMu.Lock()
	vb.commitSyncWritesLocked(vb.dm.NotifyLocalPersistence(seqno))
	vb.syncWriteMu.Unlock()
}

// PersistedUpto returns the highest seqno known flushed.
func (vb *VBucket) PersistedUpto() uint64 { return vb.persistedUpto }

// commitSyncWrites serializes commit emission behind syncWriteMu.
func (vb *VBucket) commitSyncWrites(writes []*durability.SyncWrite) {
	vb.syncWriteMu.Lock()
	vb.commitSyncWritesLocked(writes)
	vb.syncWriteMu.Unlock()
}

// commitSyncWritesLocked appends a commit item for each satisfied write,
// promotes the pending hash-table entry and notifies the client. Every
// commit has a prior matching prepare in the same checkpoint stream.
func (vb *VBucket) commitSyncWritesLocked(writes []*durability.SyncWrite) {
	for _, sw := range writes {
		key := sw.Item.Key
		commitIt := item.NewCommit(key, sw.Seqno(), sw.Item.CAS)
		commitIt.VBucket = vb.id

		sh := vb.ht.ShardFor(key)
		sh.Lock()
		vb.ckptMgr.QueueDirty(commitIt)
		sh.Commit(string(key), commitIt.Seqno)
		sh.Unlock()

		vb.notify(vb.id, commitIt.Seqno)
		vb.cfg.Observer.SyncWriteCommitted()
		if sw.Cookie != nil {
			sw.Cookie.Notify(status.Success)
		}
	}
}

// abortSyncWrites appends an abort item for each write and notifies its
// client with the given code.
func (vb *VBucket) abortSyncWrites(writes []*durability.SyncWrite, code status.Code) {
	vb.syncWriteMu.Lock()
	for _, sw := range writes {
		key := sw.Item.Key
		abortIt := item.NewAbort(key, sw.Seqno())
		abortIt.VBucket = vb.id

		sh := vb.ht.ShardFor(key)
		sh.Lock()
		vb.ckptMgr.QueueDirty(abortIt)
		sh.AbortPending(string(key))
		sh.Unlock()

		vb.notify(vb.id, abortIt.Seqno)
		vb.cfg.Observer.SyncWriteAborted()
		if sw.Cookie != nil {
			sw.Cookie.Notify(code)
		}
	}
	vb.syncWriteMu.Unlock()
}

// ProcessDurabilityTimeouts aborts expired synchronous writes with
// SyncWriteAmbiguous. The durability timeout task drives this.
func (vb *VBucket) ProcessDurabilityTimeouts(now time.Time) {
	expired := vb.dm.ProcessTimeouts(now)
	if len(expired) > 0 {
		vb.abortSyncWrites(expired, status.SyncWriteAmbiguous)
	}
}

// --------------------------------------------------------------------------
// Bloom filter
// --------------------------------------------------------------------------

func (vb *VBucket) bloomMayContain(key []byte) bool {
	if !vb.cfg.BloomEnabled {
		return true
	}
	vb.filterMu.Lock()
	defer vb.filterMu.Unlock()
	return vb.filter.MayContain(key)
}

// BloomAdd records a persisted key; the flusher calls this per flushed item.
func (vb *VBucket) BloomAdd(key []byte) {
	if !vb.cfg.BloomEnabled {
		return
	}
	vb.filterMu.Lock()
	vb.filter.Add(key)
	vb.filterMu.Unlock()
}

// --------------------------------------------------------------------------
// Rollback / reset
// --------------------------------------------------------------------------

// ResetTo rewinds in-memory state to seqno after the KVStore has rolled its
// files back: the hash table is cleared for reload, the checkpoint log
// restarts past seqno and failover entries above it are pruned.
func (vb *VBucket) ResetTo(seqno uint64) {
	vb.abortSyncWrites(vb.dm.AbortAll(), status.SyncWriteAmbiguous)
	vb.ht.Clear()
	vb.ckptMgr.Reset(seqno)
	vb.fot.PruneAbove(seqno)
	vb.persistedUpto = seqno
}

// --------------------------------------------------------------------------
// Persisted state
// --------------------------------------------------------------------------

// Snapshot builds the persisted state blob for this partition.
func (vb *VBucket) Snapshot() *PersistedState {
	vb.stateLock.RLock()
	state := vb.state
	vb.stateLock.RUnlock()

	snap := vb.ckptMgr.OpenSnapshot()
	return &PersistedState{
		State:               state.String(),
		CheckpointID:        u64str(vb.ckptMgr.HighSeqno()),
		MaxDeletedSeqno:     u64str(vb.maxDeletedSeqno),
		FailoverTable:       vb.fot.Entries(),
		SnapStart:           u64str(snap.Start),
		SnapEnd:             u64str(snap.End),
		MaxCAS:              u64str(vb.hlc.Max()),
		MightContainXattrs:  vb.mightHaveXattrs,
		SupportsCollections: true,
	}
}

// Stats is a per-partition counter snapshot.
type Stats struct {
	OpsCreate  uint64
	OpsUpdate  uint64
	OpsDelete  uint64
	OpsGet     uint64
	NumExpired uint64
	HighSeqno  uint64
	NumItems   int64
	MemUsed    int64
}

// StatsSnapshot returns current counters.
func (vb *VBucket) StatsSnapshot() Stats {
	return Stats{
		OpsCreate:  vb.opsCreate,
		OpsUpdate:  vb.opsUpdate,
		OpsDelete:  vb.opsDelete,
		OpsGet:     vb.opsGet,
		NumExpired: vb.numExpired,
		HighSeqno:  vb.ckptMgr.HighSeqno(),
		NumItems:   vb.ht.NumItems(),
		MemUsed:    vb.ht.MemUsed(),
	}
}

package bucket

import (
	"context"
	"time"

	"github.com/riptidedb/riptide/internal/checkpoint"
	"github.com/riptidedb/riptide/internal/executor"
	"github.com/riptidedb/riptide/internal/hashtable"
	"github.com/riptidedb/riptide/internal/vbucket"
	"go.uber.org/zap"
)

// Start launches warm-up and the recurring background tasks on the shared
// pool. Client operations gate on warm-up until it finishes.
func (b *Bucket) Start() error {
	tasks := []struct {
		task  executor.Task
		delay time.Duration
	}{
		{&warmupTask{b: b}, 0},
		{&flusherTask{b: b}, 0},
		{&expiryPagerTask{b: b}, b.cfg.ExpiryPagerInterval},
		{&itemPagerTask{b: b}, time.Second},
		{&durabilityTimeoutTask{b: b}, time.Second},
		{&bgFetcherTask{b: b}, 0},
	}
	if b.cfg.CompactionInterval > 0 {
		tasks = append(tasks, struct {
			task  executor.Task
			delay time.Duration
		}{&compactorTask{b: b}, b.cfg.CompactionInterval})
	}
	for _, t := range tasks {
		if _, err := b.pool.Schedule(t.task, t.delay, b.group); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Flusher
// --------------------------------------------------------------------------

// flusherTask drains dirty partitions through the persistence cursor into
// the KVStore, batch by batch, then reports persistence back to the
// durability monitor and retires unreferenced checkpoints.
type flusherTask struct {
	b *Bucket
}

func (t *flusherTask) Description() string                { return "flusher" }
func (t *flusherTask) MaxExpectedDuration() time.Duration { return time.Second }
func (t *flusherTask) Priority() executor.Priority        { return executor.PriorityWriter }

func (t *flusherTask) Run(ctx context.Context) (bool, time.Duration) {
	b := t.b
	select {
	case <-ctx.Done():
		return false, 0
	case <-b.flushCh:
	case <-time.After(100 * time.Millisecond):
	}

	b.dirty.Range(func(vbid uint16, _ struct{}) bool {
		b.dirty.Delete(vbid)
		if vb, ok := b.vbMap.Get(vbid); ok {
			b.flushVB(vb)
		}
		return true
	})
	return true, 10 * time.Millisecond
}

// flushVB persists everything the persistence cursor has pending for one
// partition, then closes the open checkpoint so flushed items become
// reclaimable and retires whatever no cursor pins.
func (b *Bucket) flushVB(vb *vbucket.VBucket) {
	mgr := vb.Checkpoints()
	if !mgr.HasCursor(checkpoint.CursorPersistence) {
		mgr.RegisterCursor(checkpoint.CursorPersistence, vb.PersistedUpto())
	}

	if !b.drainAndCommit(vb, mgr) {
		return
	}
	mgr.CreateNewCheckpoint()
	// Anything that slipped in before the close flushes now; the empty
	// drain afterwards walks the cursor into the fresh open checkpoint.
	if !b.drainAndCommit(vb, mgr) {
		return
	}
	mgr.RemoveClosedUnreferencedCheckpoints()
	b.persistVBState(vb)
}

// drainAndCommit flushes cursor batches until the cursor is caught up.
// Returns false when a commit failed; the cursor stays put for a retry.
func (b *Bucket) drainAndCommit(vb *vbucket.VBucket, mgr *checkpoint.Manager) bool {
	for {
		batch, err := mgr.ItemsForCursor(checkpoint.CursorPersistence, b.cfg.FlusherBatchSize)
		if err != nil || len(batch.Items) == 0 {
			return err == nil
		}

		start := time.Now()
		snapEnd := batch.Items[len(batch.Items)-1].Seqno
		if err := b.store.Commit(vb.ID(), batch.Items, batch.Snapshot.Start, snapEnd); err != nil {
			b.logger.Error("Flush failed",
				zap.Uint16("vb", vb.ID()), zap.Error(err))
			// Leave the partition dirty; the next pass retries.
			b.dirty.Store(vb.ID(), struct{}{})
			return false
		}
		flushed := 0
		for _, it := range batch.Items {
			if !it.Op.IsMeta() {
				vb.BloomAdd(it.Key)
				flushed++
			}
		}
		vb.NotifyPersistence(snapEnd)

		if b.mtr != nil {
			b.mtr.FlushesTotal.Inc()
			b.mtr.FlushDuration.Observe(time.Since(start).Seconds())
			b.mtr.FlushedItemsTotal.Add(float64(flushed))
		}
	}
}

// --------------------------------------------------------------------------
// Expiry pager
// --------------------------------------------------------------------------

// expiryPagerTask periodically sweeps hash tables for entries past their
// TTL and queues expirations for them.
type expiryPagerTask struct {
	b *Bucket
}

func (t *expiryPagerTask) Description() string                { return "expiry pager" }
func (t *expiryPagerTask) MaxExpectedDuration() time.Duration { return 5 * time.Second }
func (t *expiryPagerTask) Priority() executor.Priority        { return executor.PriorityNonIO }

func (t *expiryPagerTask) Run(ctx context.Context) (bool, time.Duration) {
	now := time.Now()
	expired := 0
	t.b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		expired += vb.ExpireExpired(now, 1000)
		return ctx.Err() == nil
	})
	if expired > 0 {
		if t.b.mtr != nil {
			t.b.mtr.ItemsExpiredTotal.Add(float64(expired))
		}
		t.b.logger.Debug("Expiry pager pass", zap.Int("expired", expired))
	}
	return true, t.b.cfg.ExpiryPagerInterval
}

// --------------------------------------------------------------------------
// Item pager
// --------------------------------------------------------------------------

// itemPagerTask evicts value payloads of clean resident entries when memory
// exceeds the high watermark, until it drops below the low watermark.
// Active partitions absorb pager_active_vb_pcnt of the evictions; replicas
// the rest.
type itemPagerTask struct {
	b *Bucket
}

func (t *itemPagerTask) Description() string                { return "item pager" }
func (t *itemPagerTask) MaxExpectedDuration() time.Duration { return 5 * time.Second }
func (t *itemPagerTask) Priority() executor.Priority        { return executor.PriorityNonIO }

func (t *itemPagerTask) Run(ctx context.Context) (bool, time.Duration) {
	b := t.b
	select {
	case <-b.pagerCh:
	default:
		if b.MemUsed() <= b.HighWatermark() {
			return true, time.Second
		}
	}
	b.runItemPager(ctx)
	return true, time.Second
}

func (b *Bucket) runItemPager(ctx context.Context) {
	used := b.MemUsed()
	if used <= b.HighWatermark() {
		return
	}
	low := b.LowWatermark()
	full := b.cfg.EvictionPolicy == EvictFull

	// Split the bytes to free between active and replica partitions per
	// pager_active_vb_pcnt; a final active pass mops up whatever the
	// replica share could not cover.
	toFree := used - low
	activeShare := toFree * uint64(b.cfg.PagerActiveVBPcnt) / 100

	evicted := 0
	pass := func(wantState vbucket.State, memFloor uint64) {
		b.vbMap.Range(func(vb *vbucket.VBucket) bool {
			if vb.State() != wantState {
				return true
			}
			persisted := vb.PersistedUpto()
			vb.HashTable().Visit(func(sh *hashtable.Shard, sv *hashtable.StoredValue) bool {
				if b.MemUsed() <= memFloor || ctx.Err() != nil {
					return false
				}
				if sv.IsTemp() || sv.IsPending() || sv.IsDeleted() {
					return true
				}
				// Only persisted entries may drop their value.
				if sv.Seqno() > persisted {
					return true
				}
				if sv.NRU() >= 2 {
					if sh.Eject(sv, full) {
						evicted++
					}
				} else {
					sv.Age()
					return true
				}
				return true
			})
			return b.MemUsed() > memFloor
		})
	}
	pass(vbucket.StateActive, used-activeShare)
	pass(vbucket.StateReplica, low)
	if b.MemUsed() > low {
		pass(vbucket.StateActive, low)
	}

	if b.mtr != nil {
		b.mtr.ItemPagerRunsTotal.Inc()
		b.mtr.ItemsEvictedTotal.Add(float64(evicted))
	}
	b.logger.Info("Item pager pass complete",
		zap.Int("evicted", evicted),
		zap.Uint64("mem_used", b.MemUsed()),
		zap.Uint64("low_wat", low))
}

// --------------------------------------------------------------------------
// Durability timeouts
// --------------------------------------------------------------------------

// durabilityTimeoutTask expires synchronous writes past their deadline.
type durabilityTimeoutTask struct {
	b *Bucket
}

func (t *durabilityTimeoutTask) Description() string                { return "sync write timeout" }
func (t *durabilityTimeoutTask) MaxExpectedDuration() time.Duration { return time.Second }
func (t *durabilityTimeoutTask) Priority() executor.Priority        { return executor.PriorityNonIO }

func (t *durabilityTimeoutTask) Run(ctx context.Context) (bool, time.Duration) {
	now := time.Now()
	t.b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		vb.ProcessDurabilityTimeouts(now)
		return ctx.Err() == nil
	})
	return true, time.Second
}

// --------------------------------------------------------------------------
// Background fetcher
// --------------------------------------------------------------------------

// bgFetcherTask resolves queued disk fetches, restoring values into the
// hash table and notifying parked cookies.
type bgFetcherTask struct {
	b *Bucket
}

func (t *bgFetcherTask) Description() string                { return "background fetcher" }
func (t *bgFetcherTask) MaxExpectedDuration() time.Duration { return time.Second }
func (t *bgFetcherTask) Priority() executor.Priority        { return executor.PriorityReader }

func (t *bgFetcherTask) Run(ctx context.Context) (bool, time.Duration) {
	b := t.b
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		keys := vb.DrainBGFetches()
		if len(keys) == 0 {
			return true
		}
		start := time.Now()
		byteKeys := make([][]byte, len(keys))
		for i, k := range keys {
			byteKeys[i] = []byte(k)
		}
		fetched, err := b.store.GetMulti(vb.ID(), byteKeys)
		if err != nil {
			fetched = nil
		}
		for _, k := range keys {
			vb.CompleteBGFetch(k, fetched[k])
		}
		if b.mtr != nil {
			b.mtr.BGFetchesTotal.Add(float64(len(keys)))
			b.mtr.BGFetchDuration.Observe(time.Since(start).Seconds())
		}
		return ctx.Err() == nil
	})
	return true, 10 * time.Millisecond
}

// scheduleBGFetch does nothing: the fetcher already runs at a short cadence,
// so a dedicated wake channel is unnecessary.
func (b *Bucket) scheduleBGFetch(uint16) {}

// --------------------------------------------------------------------------
// Compactor
// --------------------------------------------------------------------------

// compactorTask periodically compacts partition files, purging tombstones
// below each partition's persisted window.
type compactorTask struct {
	b *Bucket
}

func (t *compactorTask) Description() string                { return "compactor" }
func (t *compactorTask) MaxExpectedDuration() time.Duration { return time.Minute }
func (t *compactorTask) Priority() executor.Priority        { return executor.PriorityAuxIO }

func (t *compactorTask) Run(ctx context.Context) (bool, time.Duration) {
	b := t.b
	b.vbMap.Range(func(vb *vbucket.VBucket) bool {
		purgeBelow := vb.PersistedUpto()
		if purgeBelow == 0 {
			return true
		}
		if err := b.store.Compact(vb.ID(), purgeBelow); err != nil {
			b.logger.Warn("Compaction failed",
				zap.Uint16("vb", vb.ID()), zap.Error(err))
		}
		return ctx.Err() == nil
	})
	return true, b.cfg.CompactionInterval
}

package bucket

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/riptidedb/riptide/internal/executor"
	"github.com/riptidedb/riptide/internal/failover"
	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/vbucket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// warmupTask rehydrates the bucket after startup: persisted partition
// states first, then hash-table contents, loading until the configured
// memory or item thresholds are met. Client operations needing pre-existing
// state stay parked until it finishes.
type warmupTask struct {
	b *Bucket
}

func (t *warmupTask) Description() string                { return "warmup" }
func (t *warmupTask) MaxExpectedDuration() time.Duration { return time.Minute }
func (t *warmupTask) Priority() executor.Priority        { return executor.PriorityAuxIO }

func (t *warmupTask) Run(ctx context.Context) (bool, time.Duration) {
	b := t.b
	start := time.Now()

	vbids, err := b.store.ListPersistedVBuckets()
	if err != nil {
		b.logger.Error("Warmup: listing persisted partitions failed", zap.Error(err))
		b.finishWarmup()
		return false, 0
	}

	// Phase 1: restore partition identities.
	for _, vbid := range vbids {
		if ctx.Err() != nil {
			return false, 0
		}
		b.restorePartition(vbid)
	}

	// Phase 2: rebuild hash tables until the thresholds trip.
	memCeiling := uint64(float64(b.cfg.MaxSize) * b.cfg.WarmupMinMemoryThreshold)
	var totalTarget uint64
	for _, vbid := range vbids {
		totalTarget += b.store.HighSeqno(vbid)
	}
	itemCeiling := uint64(float64(totalTarget) * b.cfg.WarmupMinItemsThreshold)

	var loaded atomic.Uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, vbid := range vbids {
		vbid := vbid
		g.Go(func() error {
			vb, ok := b.vbMap.Get(vbid)
			if !ok {
				return nil
			}
			return b.store.ScanSeqnoRange(vbid, 0, vb.HighSeqno(), func(it *item.Item) error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if b.MemUsed() >= memCeiling {
					return errWarmupThreshold
				}
				if itemCeiling > 0 && loaded.Load() >= itemCeiling {
					return errWarmupThreshold
				}
				if it.IsDeleted() {
					return nil
				}
				sh := vb.HashTable().ShardFor(it.Key)
				sh.Lock()
				sh.Insert(it)
				sh.Unlock()
				vb.BloomAdd(it.Key)
				loaded.Add(1)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil && err != errWarmupThreshold {
		b.logger.Warn("Warmup load ended early", zap.Error(err))
	}

	b.finishWarmup()
	if b.mtr != nil {
		b.mtr.WarmupDuration.Set(time.Since(start).Seconds())
		b.mtr.WarmupItems.Set(float64(loaded.Load()))
	}
	b.logger.Info("Warmup complete",
		zap.Int("partitions", len(vbids)),
		zap.Uint64("items_loaded", loaded.Load()),
		zap.Duration("took", time.Since(start)))
	return false, 0
}

// errWarmupThreshold stops the scan once a warm-up ceiling is reached; it
// is not a failure.
var errWarmupThreshold = warmupSentinel{}

type warmupSentinel struct{}

func (warmupSentinel) Error() string { return "warmup threshold reached" }

// restorePartition rebuilds one partition handle from its persisted blob.
func (b *Bucket) restorePartition(vbid uint16) {
	blob, err := b.store.GetVBState(vbid)
	if err != nil {
		return
	}
	ps, err := vbucket.DecodePersistedState(blob)
	if err != nil {
		b.logger.Warn("Warmup: unparseable partition state",
			zap.Uint16("vb", vbid), zap.Error(err))
		return
	}
	state, err := vbucket.ParseState(ps.State)
	if err != nil {
		b.logger.Warn("Warmup: unknown partition state",
			zap.Uint16("vb", vbid), zap.String("state", ps.State))
		return
	}

	maxCAS, _ := strconv.ParseUint(ps.MaxCAS, 10, 64)
	table := failover.FromEntries(ps.FailoverTable, b.cfg.MaxFailoverEntries, b.newRand())
	vb := vbucket.New(vbid, state, b.store.HighSeqno(vbid), maxCAS, table,
		b.vbConfig(), b.onVBNotify, b.logger, b.newRand())

	b.vbsetMu.Lock()
	if err := b.vbMap.AddBucket(vb); err != nil {
		b.logger.Error("Warmup: failed to add partition", zap.Uint16("vb", vbid), zap.Error(err))
	}
	b.statePersistMu.Lock()
	b.lastPersisted[vbid] = ps
	b.statePersistMu.Unlock()
	b.vbsetMu.Unlock()
}

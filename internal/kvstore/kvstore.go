package kvstore

import (
	"github.com/riptidedb/riptide/internal/item"
)

// KVStore is the pluggable on-disk store the engine flushes to and reads
// back from during warm-up, background fetch and DCP backfill. Implementations
// must be safe for concurrent use; the engine never calls them while holding
// hash-table or checkpoint locks.
type KVStore interface {
	// Get returns the newest committed version of key, which may be a
	// tombstone. Fails with KeyMissing when the key was never persisted
	// or has been purged.
	Get(vbid uint16, key []byte) (*item.Item, error)

	// GetMulti batch-fetches keys. Missing keys are absent from the
	// result rather than an error.
	GetMulti(vbid uint16, keys [][]byte) (map[string]*item.Item, error)

	// Commit durably applies one flusher batch in seqno order, then
	// advances the persisted high seqno to snapEnd.
	Commit(vbid uint16, items []*item.Item, snapStart, snapEnd uint64) error

	// ScanSeqnoRange streams persisted versions with start <= seqno <=
	// end in seqno order. Used by DCP backfill and warm-up.
	ScanSeqnoRange(vbid uint16, start, end uint64, fn func(*item.Item) error) error

	// HighSeqno returns the highest persisted seqno for the partition.
	HighSeqno(vbid uint16) uint64

	// PurgeSeqno returns the seqno below which tombstones have been
	// dropped by compaction.
	PurgeSeqno(vbid uint16) uint64

	// Compact rewrites the partition's files, dropping superseded
	// versions and tombstones with seqno below purgeBelow.
	Compact(vbid uint16, purgeBelow uint64) error

	// RollbackTo rewinds the partition to the nearest durable snapshot
	// covering seqno and returns the seqno actually rolled back to.
	RollbackTo(vbid uint16, seqno uint64) (uint64, error)

	// SnapshotVBState durably stores the partition's opaque state blob.
	SnapshotVBState(vbid uint16, blob []byte) error

	// GetVBState returns the stored state blob, or KeyMissing.
	GetVBState(vbid uint16) ([]byte, error)

	// ListPersistedVBuckets enumerates partitions with on-disk presence.
	ListPersistedVBuckets() ([]uint16, error)

	// DeleteVBucket removes all files of a partition.
	DeleteVBucket(vbid uint16) error

	// GetStat exposes a named implementation statistic.
	GetStat(name string) (uint64, bool)

	// Close releases file handles. The store is unusable afterwards.
	Close() error
}

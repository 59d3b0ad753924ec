package hashtable

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/riptidedb/riptide/internal/item"
)

// HashTable is the sharded in-memory index for one partition. Each shard has
// an independent mutex; callers lock the shard for a key and hold it across
// the whole read-modify-write so a key only ever has one writer.
//
// Invariant: at most one non-pending StoredValue per key. A pending
// (prepared synchronous write) entry may coexist with the committed entry of
// the same key and replaces it atomically on commit.
type HashTable struct {
	shards []*Shard

	memUsed     atomic.Int64
	numItems    atomic.Int64
	numTemp     atomic.Int64
	numPending  atomic.Int64
	numDeleted  atomic.Int64
	nonResident atomic.Int64
}

// Shard is one lock domain of the table.
type Shard struct {
	sync.Mutex
	ht        *HashTable
	committed map[string]*StoredValue
	pending   map[string]*StoredValue
}

// New creates a table with the given shard (lock) count.
func New(numShards int) *HashTable {
	if numShards <= 0 {
		numShards = 47
	}
	ht := &HashTable{shards: make([]*Shard, numShards)}
	for i := range ht.shards {
		ht.shards[i] = &Shard{
			ht:        ht,
			committed: make(map[string]*StoredValue),
			pending:   make(map[string]*StoredValue),
		}
	}
	return ht
}

// ShardFor returns the shard owning key. The caller locks it and keeps it
// locked across the read-modify-write.
func (ht *HashTable) ShardFor(key []byte) *Shard {
	return ht.shards[xxhash.Sum64(key)%uint64(len(ht.shards))]
}

// NumShards returns the shard count.
func (ht *HashTable) NumShards() int { return len(ht.shards) }

// MemUsed returns the bytes accounted to resident entries.
func (ht *HashTable) MemUsed() int64 { return ht.memUsed.Load() }

// NumItems returns the number of committed non-temp entries.
func (ht *HashTable) NumItems() int64 { return ht.numItems.Load() }

// NumPending returns the number of prepared synchronous writes.
func (ht *HashTable) NumPending() int64 { return ht.numPending.Load() }

// NumTemp returns the number of temp (fetch bookkeeping) entries.
func (ht *HashTable) NumTemp() int64 { return ht.numTemp.Load() }

// NumNonResident returns the number of entries whose value is ejected.
func (ht *HashTable) NumNonResident() int64 { return ht.nonResident.Load() }

// FindForRead looks the key up and maintains its reference bits. Deleted and
// temp-nonexistent entries are returned so callers can distinguish "known
// absent" from "unknown". The shard lock must be held.
func (s *Shard) FindForRead(key string) *StoredValue {
	sv, ok := s.committed[key]
	if !ok {
		return nil
	}
	sv.referenced()
	return sv
}

// FindForWrite returns the committed and pending entries for key, either of
// which may be nil. The shard lock must be held.
func (s *Shard) FindForWrite(key string) (committed, pending *StoredValue) {
	return s.committed[key], s.pending[key]
}

// Insert stores a committed entry built from it, replacing any previous
// committed entry for the key. The shard lock must be held.
func (s *Shard) Insert(it *item.Item) *StoredValue {
	key := string(it.Key)
	sv := &StoredValue{
		key:       key,
		value:     it.Value,
		cas:       it.CAS,
		seqno:     it.Seqno,
		revSeqno:  it.RevSeqno,
		flags:     it.Flags,
		expiry:    it.Expiry,
		datatype:  it.Datatype,
		deleted:   it.IsDeleted(),
		committed: item.CommittedViaMutation,
		resident:  true,
		nru:       nruDefault,
	}
	s.replaceCommitted(key, sv)
	return sv
}

// InsertPending stores a prepared synchronous write alongside any committed
// entry for the same key. The shard lock must be held.
func (s *Shard) InsertPending(it *item.Item) *StoredValue {
	key := string(it.Key)
	sv := &StoredValue{
		key:       key,
		value:     it.Value,
		cas:       it.CAS,
		seqno:     it.Seqno,
		revSeqno:  it.RevSeqno,
		flags:     it.Flags,
		expiry:    it.Expiry,
		datatype:  it.Datatype,
		deleted:   it.SyncDelete,
		committed: item.Pending,
		resident:  true,
		nru:       nruDefault,
	}
	if prev, ok := s.pending[key]; ok {
		s.ht.memUsed.Add(-int64(prev.size()))
		s.ht.numPending.Add(-1)
	}
	s.pending[key] = sv
	s.ht.memUsed.Add(int64(sv.size()))
	s.ht.numPending.Add(1)
	return sv
}

// Commit promotes the pending entry for key to the committed slot at the
// commit's seqno, replacing the prior committed entry atomically. The shard
// lock must be held.
func (s *Shard) Commit(key string, seqno uint64) *StoredValue {
	sv, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	s.ht.memUsed.Add(-int64(sv.size()))
	s.ht.numPending.Add(-1)

	sv.committed = item.CommittedViaPrepare
	sv.seqno = seqno
	s.replaceCommitted(key, sv)
	return sv
}

// AbortPending drops the pending entry for key, leaving any committed entry
// untouched. The shard lock must be held.
func (s *Shard) AbortPending(key string) *StoredValue {
	sv, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	s.ht.memUsed.Add(-int64(sv.size()))
	s.ht.numPending.Add(-1)
	return sv
}

// InsertTemp records fetch bookkeeping for key. A real entry for the key is
// left untouched. The shard lock must be held.
func (s *Shard) InsertTemp(key string, state TempState) *StoredValue {
	if prev, ok := s.committed[key]; ok {
		if prev.IsTemp() {
			prev.temp = state
		}
		return prev
	}
	sv := &StoredValue{key: key, temp: state, nru: nruMax}
	s.committed[key] = sv
	s.ht.memUsed.Add(int64(sv.size()))
	s.ht.numTemp.Add(1)
	return sv
}

// Remove deletes the committed entry for key outright. The shard lock must
// be held.
func (s *Shard) Remove(key string) bool {
	sv, ok := s.committed[key]
	if !ok {
		return false
	}
	delete(s.committed, key)
	s.unaccount(sv)
	return true
}

// Eject releases the entry's value (value_only policy) or the whole entry
// (full eviction). Pending, dirty-locked and temp entries are not ejectable;
// the caller checks eligibility. The shard lock must be held.
func (s *Shard) Eject(sv *StoredValue, fullEviction bool) bool {
	if sv.IsTemp() || sv.IsPending() {
		return false
	}
	if fullEviction {
		if _, ok := s.committed[sv.key]; !ok {
			return false
		}
		delete(s.committed, sv.key)
		s.unaccount(sv)
		return true
	}
	if !sv.resident || sv.value == nil {
		return false
	}
	s.ht.memUsed.Add(-int64(len(sv.value)))
	sv.value = nil
	sv.resident = false
	s.ht.nonResident.Add(1)
	return true
}

// Restore re-attaches a value fetched from disk to a non-resident entry.
// The shard lock must be held.
func (s *Shard) Restore(sv *StoredValue, it *item.Item) {
	if sv.resident {
		return
	}
	sv.value = it.Value
	sv.datatype = it.Datatype
	sv.resident = true
	if sv.temp != TempNone {
		sv.cas = it.CAS
		sv.seqno = it.Seqno
		sv.revSeqno = it.RevSeqno
		sv.flags = it.Flags
		sv.expiry = it.Expiry
		sv.deleted = it.IsDeleted()
		sv.temp = TempNone
		s.ht.numTemp.Add(-1)
		s.ht.numItems.Add(1)
	} else {
		s.ht.nonResident.Add(-1)
	}
	s.ht.memUsed.Add(int64(len(it.Value)))
}

func (s *Shard) replaceCommitted(key string, sv *StoredValue) {
	if prev, ok := s.committed[key]; ok {
		s.unaccount(prev)
	}
	s.committed[key] = sv
	s.ht.memUsed.Add(int64(sv.size()))
	s.ht.numItems.Add(1)
	if sv.deleted {
		s.ht.numDeleted.Add(1)
	}
}

func (s *Shard) unaccount(sv *StoredValue) {
	s.ht.memUsed.Add(-int64(sv.size()))
	if sv.IsTemp() {
		s.ht.numTemp.Add(-1)
		return
	}
	s.ht.numItems.Add(-1)
	if sv.deleted {
		s.ht.numDeleted.Add(-1)
	}
	if !sv.resident {
		s.ht.nonResident.Add(-1)
	}
}

// Clear drops every entry. Used by rollback-to-zero and partition deletion.
func (ht *HashTable) Clear() {
	for _, s := range ht.shards {
		s.Lock()
		for _, sv := range s.committed {
			s.unaccount(sv)
		}
		for k, sv := range s.pending {
			ht.memUsed.Add(-int64(sv.size()))
			ht.numPending.Add(-1)
			delete(s.pending, k)
		}
		s.committed = make(map[string]*StoredValue)
		s.Unlock()
	}
}

// RandomKey returns a uniformly-ish random resident committed key, or false
// when the table holds none.
func (ht *HashTable) RandomKey(rnd *rand.Rand) (string, bool) {
	start := rnd.Intn(len(ht.shards))
	for i := 0; i < len(ht.shards); i++ {
		s := ht.shards[(start+i)%len(ht.shards)]
		s.Lock()
		for k, sv := range s.committed {
			if !sv.IsTemp() && !sv.deleted && sv.resident {
				s.Unlock()
				return k, true
			}
		}
		s.Unlock()
	}
	return "", false
}

// Visit walks every committed entry under the owning shard lock. Returning
// false from fn stops the walk. Visitors must not block; the shard lock is
// held for the duration of each shard's pass.
func (ht *HashTable) Visit(fn func(s *Shard, sv *StoredValue) bool) {
	for _, s := range ht.shards {
		s.Lock()
		for _, sv := range s.committed {
			if !fn(s, sv) {
				s.Unlock()
				return
			}
		}
		s.Unlock()
	}
}

package hashtable

import (
	"time"

	"github.com/riptidedb/riptide/internal/item"
)

// TempState marks hash-table entries that exist only to track an in-flight or
// completed disk fetch, not a real document.
type TempState uint8

const (
	// TempNone is a regular entry.
	TempNone TempState = iota
	// TempInitial marks a key whose background fetch is in flight.
	TempInitial
	// TempNonExistent marks a key whose absence was proven by a disk
	// fetch; it suppresses repeat fetches under full eviction.
	TempNonExistent
)

// nruDefault is the initial reference value for new entries; accesses decay
// it toward zero and the item pager evicts high values first.
const (
	nruDefault uint8 = 2
	nruMax     uint8 = 3
)

// StoredValue is one hash-table entry: the in-memory representation of the
// newest version of a document, resident or ejected.
type StoredValue struct {
	key        string
	value      []byte
	cas        uint64
	seqno      uint64
	revSeqno   uint64
	flags      uint32
	expiry     uint32
	datatype   item.Datatype
	deleted    bool
	committed  item.CommittedState
	temp       TempState
	resident   bool
	nru        uint8
	lockExpiry int64
}

// Key returns the document key.
func (sv *StoredValue) Key() string { return sv.key }

// Value returns the resident value, or nil if the value has been ejected.
func (sv *StoredValue) Value() []byte { return sv.value }

// CAS returns the entry's CAS.
func (sv *StoredValue) CAS() uint64 { return sv.cas }

// Seqno returns the sequence number of the newest version.
func (sv *StoredValue) Seqno() uint64 { return sv.seqno }

// RevSeqno returns the revision counter.
func (sv *StoredValue) RevSeqno() uint64 { return sv.revSeqno }

// Flags returns the client flags.
func (sv *StoredValue) Flags() uint32 { return sv.flags }

// Expiry returns the absolute expiry time in unix seconds, 0 for none.
func (sv *StoredValue) Expiry() uint32 { return sv.expiry }

// Datatype returns the value encoding bits.
func (sv *StoredValue) Datatype() item.Datatype { return sv.datatype }

// IsDeleted reports whether the entry is a tombstone.
func (sv *StoredValue) IsDeleted() bool { return sv.deleted }

// IsResident reports whether the value bytes are in memory.
func (sv *StoredValue) IsResident() bool { return sv.resident }

// IsTemp reports whether the entry is fetch bookkeeping rather than a
// document.
func (sv *StoredValue) IsTemp() bool { return sv.temp != TempNone }

// Temp returns the temp state.
func (sv *StoredValue) Temp() TempState { return sv.temp }

// Committed returns the committed state.
func (sv *StoredValue) Committed() item.CommittedState { return sv.committed }

// IsPending reports whether this is an uncommitted prepared write.
func (sv *StoredValue) IsPending() bool { return sv.committed == item.Pending }

// IsLocked reports whether the document lock is held at now.
func (sv *StoredValue) IsLocked(now time.Time) bool {
	return sv.lockExpiry != 0 && now.Unix() < sv.lockExpiry
}

// Lock acquires the document lock until deadline.
func (sv *StoredValue) Lock(deadline time.Time) {
	sv.lockExpiry = deadline.Unix()
}

// Unlock releases the document lock.
func (sv *StoredValue) Unlock() {
	sv.lockExpiry = 0
}

// Expired reports whether the entry's TTL has passed at now.
func (sv *StoredValue) Expired(now time.Time) bool {
	return sv.expiry != 0 && int64(sv.expiry) <= now.Unix()
}

// NRU returns the reference value.
func (sv *StoredValue) NRU() uint8 { return sv.nru }

// referenced marks an access: the entry becomes less eligible for eviction.
func (sv *StoredValue) referenced() {
	if sv.nru > 0 {
		sv.nru--
	}
}

// Age makes the entry more eligible for eviction; the item pager calls this
// on entries it visits but does not evict.
func (sv *StoredValue) Age() {
	if sv.nru < nruMax {
		sv.nru++
	}
}

// size is the memory accounted for this entry.
func (sv *StoredValue) size() int {
	return len(sv.key) + len(sv.value) + svOverhead
}

const svOverhead = 80

// metaSize is the footprint that remains after value ejection.
func (sv *StoredValue) metaSize() int {
	return len(sv.key) + svOverhead
}

// ToItem materializes an Item from the entry. The value slice is shared, not
// copied.
func (sv *StoredValue) ToItem(vbid uint16) *item.Item {
	it := &item.Item{
		Key:      []byte(sv.key),
		Value:    sv.value,
		VBucket:  vbid,
		Flags:    sv.flags,
		Datatype: sv.datatype,
		Expiry:   sv.expiry,
		CAS:      sv.cas,
		RevSeqno: sv.revSeqno,
		Seqno:    sv.seqno,
		Op:       item.OpMutation,
	}
	if sv.deleted {
		it.Op = item.OpDeletion
	}
	if sv.committed == item.Pending {
		it.Op = item.OpPendingSyncWrite
		it.Committed = item.Pending
	}
	return it
}

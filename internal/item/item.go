package item

import (
	"math"
	"time"

	"github.com/riptidedb/riptide/internal/status"
)

// Operation is the kind of change an Item represents.
type Operation uint8

const (
	OpMutation Operation = iota
	OpDeletion
	OpExpiration
	OpPendingSyncWrite
	OpCommitSyncWrite
	OpAbortSyncWrite
	OpSystemEvent
	OpCheckpointStart
	OpCheckpointEnd
	OpSetVBState
)

var opNames = [...]string{
	"mutation",
	"deletion",
	"expiration",
	"pending_sync_write",
	"commit_sync_write",
	"abort_sync_write",
	"system_event",
	"checkpoint_start",
	"checkpoint_end",
	"set_vb_state",
}

// String returns the operation name.
func (op Operation) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "unknown"
}

// IsMeta reports whether the operation is checkpoint bookkeeping rather than
// a document change. Meta items are never flushed or counted against dedup.
func (op Operation) IsMeta() bool {
	switch op {
	case OpCheckpointStart, OpCheckpointEnd, OpSetVBState:
		return true
	}
	return false
}

// CommittedState describes how a document version reached visibility.
type CommittedState uint8

const (
	// CommittedViaMutation is a plain committed write.
	CommittedViaMutation CommittedState = iota
	// CommittedViaPrepare is a synchronous write made visible by a commit.
	CommittedViaPrepare
	// Pending is a prepared synchronous write awaiting commit or abort.
	Pending
)

// Datatype is the bitset describing the value encoding.
type Datatype uint8

const (
	DatatypeRaw    Datatype = 0x00
	DatatypeJSON   Datatype = 0x01
	DatatypeSnappy Datatype = 0x02
	DatatypeXattr  Datatype = 0x04
)

// Level is a synchronous-write durability level.
type Level uint8

const (
	LevelNone Level = iota
	LevelMajority
	LevelMajorityAndPersistOnMaster
	LevelPersistToMajority
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMajority:
		return "majority"
	case LevelMajorityAndPersistOnMaster:
		return "majority_and_persist_on_master"
	case LevelPersistToMajority:
		return "persist_to_majority"
	}
	return "unknown"
}

// Requirement is the durability requirement attached to a synchronous write.
type Requirement struct {
	Level   Level
	Timeout time.Duration
}

// CAS values 0 and all-ones are reserved: 0 means "don't check" on requests
// and all-ones is the locked sentinel on responses.
const (
	CASNoCheck  uint64 = 0
	CASReserved uint64 = math.MaxUint64
)

// Item is one versioned change to a document. Immutable by convention once it
// has been queued: the checkpoint, the flusher and DCP buffers all share the
// same instance.
type Item struct {
	Key          []byte
	Value        []byte
	VBucket      uint16
	CollectionID uint32
	Flags        uint32
	Datatype     Datatype
	Expiry       uint32
	CAS          uint64
	RevSeqno     uint64
	Seqno        uint64
	Op           Operation
	Durability   *Requirement
	Committed    CommittedState

	// PreparedSeqno carries the matching prepare's seqno on commit and
	// abort items.
	PreparedSeqno uint64

	// SyncDelete marks a prepared synchronous delete; its commit produces
	// a tombstone.
	SyncDelete bool
}

// New constructs a mutation item. It fails with InvalidArgument if the CAS is
// the reserved all-ones value; a CAS of 0 is accepted.
func New(key, value []byte, flags uint32, datatype Datatype, expiry uint32, cas uint64) (*Item, error) {
	if cas == CASReserved {
		return nil, status.New(status.InvalidArgument, "reserved CAS value")
	}
	return &Item{
		Key:      key,
		Value:    value,
		Flags:    flags,
		Datatype: datatype,
		Expiry:   expiry,
		CAS:      cas,
		RevSeqno: 1,
		Op:       OpMutation,
	}, nil
}

// NewDeletion constructs a deletion (tombstone) item for key.
func NewDeletion(key []byte, cas uint64) *Item {
	return &Item{Key: key, CAS: cas, Op: OpDeletion}
}

// NewExpiration constructs an expiration item. Indistinguishable from a
// deletion except in the opcode streamed to consumers.
func NewExpiration(key []byte, cas uint64) *Item {
	return &Item{Key: key, CAS: cas, Op: OpExpiration}
}

// NewCommit constructs a commit item for a previously prepared write.
func NewCommit(key []byte, preparedSeqno uint64, cas uint64) *Item {
	return &Item{
		Key:           key,
		CAS:           cas,
		Op:            OpCommitSyncWrite,
		Committed:     CommittedViaPrepare,
		PreparedSeqno: preparedSeqno,
	}
}

// NewAbort constructs an abort item for a previously prepared write.
func NewAbort(key []byte, preparedSeqno uint64) *Item {
	return &Item{
		Key:           key,
		Op:            OpAbortSyncWrite,
		PreparedSeqno: preparedSeqno,
	}
}

// NewSystemEvent constructs a system event item (collection create/drop).
// On the wire the id and version ride in the system event extras; the item
// keeps the id in CollectionID and carries no version.
func NewSystemEvent(key []byte, collectionID uint32, value []byte) *Item {
	return &Item{
		Key:          key,
		Value:        value,
		CollectionID: collectionID,
		Op:           OpSystemEvent,
	}
}

// IsDeleted reports whether the item removes the document.
func (it *Item) IsDeleted() bool {
	return it.Op == OpDeletion || it.Op == OpExpiration
}

// IsPending reports whether the item is an uncommitted synchronous write.
func (it *Item) IsPending() bool {
	return it.Op == OpPendingSyncWrite
}

// IsCommitted reports whether the item is visible to readers.
func (it *Item) IsCommitted() bool {
	return it.Committed != Pending && !it.IsPending()
}

// Size returns the approximate memory footprint used for quota accounting.
func (it *Item) Size() int {
	return len(it.Key) + len(it.Value) + itemOverhead
}

// itemOverhead approximates the fixed per-item struct cost.
const itemOverhead = 96

// Expired reports whether the item's expiry has passed at now. Expiry zero
// means the item never expires.
func (it *Item) Expired(now time.Time) bool {
	return it.Expiry != 0 && int64(it.Expiry) <= now.Unix()
}

package failover

import (
	"encoding/json"
	"math/rand"
	"sync"
)

// Entry records one promotion of the partition to active: the UUID minted at
// promotion and the high seqno at that moment.
type Entry struct {
	UUID  uint64 `json:"id"`
	Seqno uint64 `json:"seq"`
}

// Table is the short, newest-first history of a partition's active eras.
// Stream consumers present their last known (UUID, seqno) pair and the table
// decides whether their history diverged from ours and where to roll back
// to.
type Table struct {
	mu      sync.Mutex
	entries []Entry
	maxSize int
	rnd     *rand.Rand
}

// DefaultMaxEntries bounds the table unless configured otherwise.
const DefaultMaxEntries = 25

// NewTable creates an empty table and mints the first entry at seqno 0.
func NewTable(maxSize int, rnd *rand.Rand) *Table {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	t := &Table{maxSize: maxSize, rnd: rnd}
	t.CreateEntry(0)
	return t
}

// FromEntries restores a table from persisted state. Entries are expected
// newest-first; an empty slice yields a fresh table.
func FromEntries(entries []Entry, maxSize int, rnd *rand.Rand) *Table {
	if len(entries) == 0 {
		return NewTable(maxSize, rnd)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	t := &Table{maxSize: maxSize, rnd: rnd}
	t.entries = append(t.entries, entries...)
	t.truncate()
	return t
}

// CreateEntry mints a fresh UUID and prepends (uuid, highSeqno). Called on
// every promotion to active.
func (t *Table) CreateEntry(highSeqno uint64) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{UUID: t.newUUID(), Seqno: highSeqno}
	t.entries = append([]Entry{e}, t.entries...)
	t.truncate()
	return e
}

func (t *Table) newUUID() uint64 {
	for {
		var u uint64
		if t.rnd != nil {
			u = t.rnd.Uint64()
		}
		// Zero is reserved as "no UUID" in stream requests.
		if u != 0 {
			return u
		}
	}
}

func (t *Table) truncate() {
	if len(t.entries) > t.maxSize {
		t.entries = t.entries[:t.maxSize]
	}
}

// Latest returns the newest entry.
func (t *Table) Latest() Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[0]
}

// Entries returns a copy of the table, newest first.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Size returns the entry count.
func (t *Table) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// NeedsRollback decides whether a consumer resuming from (uuid, startSeqno)
// must rewind. The consumer's uuid names the era it last streamed in; its
// era ends at the seqno of the next-newer entry, or at highSeqno if the era
// is still current. A start past the era end means the consumer holds
// history we do not, and it rolls back to the era end. An unknown uuid rolls
// back to zero.
func (t *Table) NeedsRollback(uuid, startSeqno, highSeqno uint64) (rollbackSeqno uint64, needed bool) {
	if startSeqno == 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.UUID != uuid {
			continue
		}
		eraEnd := highSeqno
		if i > 0 {
			eraEnd = t.entries[i-1].Seqno
		}
		if startSeqno <= eraEnd {
			return 0, false
		}
		return eraEnd, true
	}
	return 0, true
}

// PruneAbove removes entries whose seqno exceeds r after a rollback, so the
// head entry always has seqno <= r. If nothing survives, a fresh entry is
// minted at r.
func (t *Table) PruneAbove(r uint64) {
	t.mu.Lock()
	for len(t.entries) > 0 && t.entries[0].Seqno > r {
		t.entries = t.entries[1:]
	}
	empty := len(t.entries) == 0
	t.mu.Unlock()
	if empty {
		t.CreateEntry(r)
	}
}

// MarshalJSON encodes the table newest-first for the persisted partition
// state.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Entries())
}

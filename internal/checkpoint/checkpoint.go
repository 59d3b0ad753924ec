package checkpoint

import (
	"container/list"
	"time"

	"github.com/riptidedb/riptide/internal/item"
)

// State of a checkpoint: open checkpoints accept items, closed ones only
// drain through cursors until unreferenced.
type State uint8

const (
	StateOpen State = iota
	StateClosed
)

// SnapshotRange is the [start, end] seqno window of one contiguous run of
// items.
type SnapshotRange struct {
	Start uint64
	End   uint64
}

// Checkpoint is a bounded ordered run of items sharing a snapshot window.
// Within a closed checkpoint seqnos are contiguous and strictly increasing;
// across successive checkpoints of one partition they are strictly
// increasing.
type Checkpoint struct {
	id        uint64
	snapStart uint64
	snapEnd   uint64
	state     State
	created   time.Time

	items    *list.List
	keyIndex map[string]*list.Element
	numItems int
	memUsed  int64

	numCursors int
}

// newCheckpoint creates an open checkpoint starting at snapStart and seeds
// it with a checkpoint_start meta item.
func newCheckpoint(id, snapStart uint64) *Checkpoint {
	c := &Checkpoint{
		id:        id,
		snapStart: snapStart,
		snapEnd:   snapStart,
		state:     StateOpen,
		created:   time.Now(),
		items:     list.New(),
		keyIndex:  make(map[string]*list.Element),
	}
	c.items.PushBack(&item.Item{Op: item.OpCheckpointStart, Seqno: snapStart})
	return c
}

// ID returns the checkpoint id.
func (c *Checkpoint) ID() uint64 { return c.id }

// Snapshot returns the checkpoint's seqno window.
func (c *Checkpoint) Snapshot() SnapshotRange {
	return SnapshotRange{Start: c.snapStart, End: c.snapEnd}
}

// NumItems returns the number of non-meta items.
func (c *Checkpoint) NumItems() int { return c.numItems }

// Age returns how long the checkpoint has been open.
func (c *Checkpoint) Age(now time.Time) time.Duration { return now.Sub(c.created) }

// MemUsed returns the bytes accounted to queued items.
func (c *Checkpoint) MemUsed() int64 { return c.memUsed }

// dedupKey separates the pending and committed namespaces so a prepare never
// dedups against a mutation of the same key.
func dedupKey(it *item.Item) string {
	if it.Op == item.OpPendingSyncWrite {
		return "p\x00" + string(it.Key)
	}
	return "c\x00" + string(it.Key)
}

// queue appends it, deduplicating an earlier entry for the same key inside
// this checkpoint. The removed element and its predecessor (captured before
// unlinking) are returned so the manager can repair cursors pointing at it.
func (c *Checkpoint) queue(it *item.Item) (deduped, dedupedPrev *list.Element) {
	dk := dedupKey(it)
	if prev, ok := c.keyIndex[dk]; ok {
		deduped = prev
		dedupedPrev = prev.Prev()
		c.memUsed -= int64(prev.Value.(*item.Item).Size())
		c.numItems--
		c.items.Remove(prev)
	}
	elem := c.items.PushBack(it)
	c.keyIndex[dk] = elem
	c.numItems++
	c.memUsed += int64(it.Size())
	c.snapEnd = it.Seqno
	return deduped, dedupedPrev
}

// close seals the checkpoint with a checkpoint_end meta item.
func (c *Checkpoint) close() {
	c.items.PushBack(&item.Item{Op: item.OpCheckpointEnd, Seqno: c.snapEnd})
	c.state = StateClosed
	c.keyIndex = nil
}

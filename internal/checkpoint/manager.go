package checkpoint

import (
	"container/list"
	"sync"
	"time"

	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/status"
	"go.uber.org/zap"
)

// CursorPersistence is the reserved cursor name used by the flusher. It is
// never dropped under memory pressure.
const CursorPersistence = "persistence"

// Cursor is a named reader position inside the checkpoint log. Cursors only
// move forward; a cursor inside a closed checkpoint pins it in memory.
type Cursor struct {
	name string
	ckpt *list.Element // *Checkpoint within Manager.checkpoints
	pos  *list.Element // last consumed item element, nil = before first
}

// Name returns the cursor name.
func (c *Cursor) Name() string { return c.name }

// Config bounds the checkpoint log of one partition.
type Config struct {
	MaxItems       int
	MaxCheckpoints int
	// MaxAge closes an open non-empty checkpoint once it has been open
	// this long, regardless of item count.
	MaxAge time.Duration
}

// Manager owns the ordered log of queued changes for one partition: it
// assigns seqnos, maintains snapshot boundaries and serves cursors.
type Manager struct {
	mu          sync.Mutex
	vbid        uint16
	cfg         Config
	checkpoints *list.List // of *Checkpoint
	cursors     map[string]*Cursor
	highSeqno   uint64
	nextID      uint64
	logger      *zap.Logger
}

// NewManager creates a manager whose first open checkpoint starts just past
// lastSeqno (the partition's high seqno at creation or warm-up).
func NewManager(vbid uint16, lastSeqno uint64, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 10000
	}
	if cfg.MaxCheckpoints <= 0 {
		cfg.MaxCheckpoints = 10
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Second
	}
	m := &Manager{
		vbid:        vbid,
		cfg:         cfg,
		checkpoints: list.New(),
		cursors:     make(map[string]*Cursor),
		highSeqno:   lastSeqno,
		nextID:      1,
		logger:      logger,
	}
	m.checkpoints.PushBack(newCheckpoint(m.nextID, lastSeqno+1))
	return m
}

// HighSeqno returns the last assigned seqno.
func (m *Manager) HighSeqno() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highSeqno
}

// OpenSnapshot returns the open checkpoint's current snapshot window.
func (m *Manager) OpenSnapshot() SnapshotRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open().Snapshot()
}

// MemUsed returns the bytes held across all checkpoints.
func (m *Manager) MemUsed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var used int64
	for e := m.checkpoints.Front(); e != nil; e = e.Next() {
		used += e.Value.(*Checkpoint).MemUsed()
	}
	return used
}

// NumCheckpoints returns the checkpoint count, open one included.
func (m *Manager) NumCheckpoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints.Len()
}

func (m *Manager) open() *Checkpoint {
	return m.checkpoints.Back().Value.(*Checkpoint)
}

// QueueDirty assigns the next seqno to it and appends it to the open
// checkpoint, closing it and opening a fresh one first if it has reached
// max-items or max-age. The assigned seqno is returned.
func (m *Manager) QueueDirty(it *item.Item) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	open := m.open()
	full := open.NumItems() >= m.cfg.MaxItems
	aged := open.NumItems() > 0 && open.Age(time.Now()) >= m.cfg.MaxAge
	if full || aged {
		open = m.closeAndOpenLocked()
	}

	m.highSeqno++
	it.Seqno = m.highSeqno

	if deduped, dedupedPrev := open.queue(it); deduped != nil {
		m.repairCursorsLocked(deduped, dedupedPrev)
	}
	return it.Seqno
}

// CreateNewCheckpoint force-closes the open checkpoint. Used by the flusher
// after each flush and on promotion to active.
func (m *Manager) CreateNewCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open().NumItems() > 0 {
		m.closeAndOpenLocked()
	}
}

func (m *Manager) closeAndOpenLocked() *Checkpoint {
	open := m.open()
	open.close()
	m.nextID++
	next := newCheckpoint(m.nextID, m.highSeqno+1)
	m.checkpoints.PushBack(next)
	return next
}

// repairCursorsLocked moves any cursor parked on a removed element back to
// its predecessor so the next advance lands on the replacement.
func (m *Manager) repairCursorsLocked(removed, removedPrev *list.Element) {
	for _, cur := range m.cursors {
		if cur.pos == removed {
			cur.pos = removedPrev
		}
	}
}

// RegisterCursor places a named cursor so the next item returned has seqno >
// fromSeqno. If the log no longer reaches back that far the cursor is placed
// at the oldest retained position and needsBackfill is true; the consumer
// re-streams the gap from disk.
func (m *Manager) RegisterCursor(name string, fromSeqno uint64) (actualStart uint64, needsBackfill bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.cursors[name]; ok {
		old.ckpt.Value.(*Checkpoint).numCursors--
	}

	front := m.checkpoints.Front()
	oldest := front.Value.(*Checkpoint)
	if fromSeqno+1 < oldest.snapStart {
		needsBackfill = true
		actualStart = oldest.snapStart - 1
	} else {
		actualStart = fromSeqno
	}

	// Find the checkpoint containing the resume point, then skip items at
	// or below it.
	elem := front
	for elem != nil {
		c := elem.Value.(*Checkpoint)
		if actualStart <= c.snapEnd || c.state == StateOpen {
			break
		}
		elem = elem.Next()
	}
	if elem == nil {
		elem = m.checkpoints.Back()
	}
	c := elem.Value.(*Checkpoint)

	cur := &Cursor{name: name, ckpt: elem}
	for e := c.items.Front(); e != nil; e = e.Next() {
		qi := e.Value.(*item.Item)
		if qi.Op.IsMeta() || qi.Seqno <= actualStart {
			cur.pos = e
			continue
		}
		break
	}
	c.numCursors++
	m.cursors[name] = cur
	return actualStart, needsBackfill
}

// RemoveCursor drops the named cursor, unpinning any checkpoints it held.
func (m *Manager) RemoveCursor(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cursors[name]
	if !ok {
		return
	}
	cur.ckpt.Value.(*Checkpoint).numCursors--
	delete(m.cursors, name)
}

// DropCursor force-removes a non-persistence cursor under memory pressure.
// The consumer copes by re-streaming from disk.
func (m *Manager) DropCursor(name string) error {
	if name == CursorPersistence {
		return status.New(status.InvalidArgument, "persistence cursor cannot be dropped")
	}
	m.RemoveCursor(name)
	return nil
}

// HasCursor reports whether a cursor with the name is registered.
func (m *Manager) HasCursor(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cursors[name]
	return ok
}

// Batch is one cursor drain: ordered items plus the snapshot window of the
// checkpoint they came from. A batch never spans checkpoints, so consumers
// can frame it with a single snapshot marker.
type Batch struct {
	Items      []*item.Item
	Snapshot   SnapshotRange
	OpenEnded  bool // items come from the still-open checkpoint
	MoreExists bool // further items are immediately available
}

// ItemsForCursor drains up to limit non-meta items for the named cursor from
// its current checkpoint. An empty batch means the cursor is fully caught
// up.
func (m *Manager) ItemsForCursor(name string, limit int) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cursors[name]
	if !ok {
		return Batch{}, status.Newf(status.InvalidArgument, "unknown cursor %q", name)
	}

	var batch Batch
	for {
		c := cur.ckpt.Value.(*Checkpoint)
		batch.Snapshot = c.Snapshot()
		batch.OpenEnded = c.state == StateOpen

		for len(batch.Items) < limit {
			next := m.nextElem(cur)
			if next == nil {
				break
			}
			qi := next.Value.(*item.Item)
			cur.pos = next
			if qi.Op.IsMeta() {
				continue
			}
			batch.Items = append(batch.Items, qi)
		}

		if len(batch.Items) > 0 || c.state == StateOpen {
			break
		}
		// Closed checkpoint fully drained: move into the next one and
		// retry so an empty return really means caught up.
		nextCkpt := cur.ckpt.Next()
		if nextCkpt == nil {
			break
		}
		c.numCursors--
		cur.ckpt = nextCkpt
		cur.pos = nil
		nextCkpt.Value.(*Checkpoint).numCursors++
	}

	batch.MoreExists = m.moreForCursorLocked(cur)
	return batch, nil
}

// nextElem returns the element after the cursor within its checkpoint, or
// nil when the checkpoint is drained.
func (m *Manager) nextElem(cur *Cursor) *list.Element {
	c := cur.ckpt.Value.(*Checkpoint)
	if cur.pos == nil {
		return c.items.Front()
	}
	return cur.pos.Next()
}

func (m *Manager) moreForCursorLocked(cur *Cursor) bool {
	if next := m.nextElem(cur); next != nil {
		for e := next; e != nil; e = e.Next() {
			if !e.Value.(*item.Item).Op.IsMeta() {
				return true
			}
		}
	}
	return cur.ckpt.Next() != nil
}

// RemoveClosedUnreferencedCheckpoints frees closed checkpoints no cursor
// points into, returning the bytes released.
func (m *Manager) RemoveClosedUnreferencedCheckpoints() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var freed int64
	for m.checkpoints.Len() > 1 {
		front := m.checkpoints.Front()
		c := front.Value.(*Checkpoint)
		if c.state != StateClosed || c.numCursors > 0 {
			break
		}
		freed += c.MemUsed()
		m.checkpoints.Remove(front)
	}
	return freed
}

// Reset drops everything and restarts the log just past seqno. Used by
// rollback; callers have already torn down cursors/streams.
func (m *Manager) Reset(seqno uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints.Init()
	m.cursors = make(map[string]*Cursor)
	m.highSeqno = seqno
	m.nextID++
	m.checkpoints.PushBack(newCheckpoint(m.nextID, seqno+1))
}

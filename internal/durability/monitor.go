package durability

import (
	"container/list"
	"sync"
	"time"

	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/model"
	"github.com/riptidedb/riptide/internal/status"
	"go.uber.org/zap"
)

// SyncWrite is one in-flight synchronous write: the prepared item, the
// client waiting on it and the deadline after which its outcome becomes
// ambiguous.
type SyncWrite struct {
	Cookie   model.Cookie
	Item     *item.Item
	Deadline time.Time
	start    time.Time
}

// Seqno returns the prepare's seqno.
func (sw *SyncWrite) Seqno() uint64 { return sw.Item.Seqno }

// Level returns the durability level.
func (sw *SyncWrite) Level() item.Level {
	if sw.Item.Durability == nil {
		return item.LevelNone
	}
	return sw.Item.Durability.Level
}

// nodePosition tracks how far one replica has written and acknowledged, on
// the memory and disk channels. Ack seqnos never decrease; write cursors are
// derived from acks and clamped to tracked prepares.
type nodePosition struct {
	memWrite  uint64
	diskWrite uint64
	memAck    uint64
	diskAck   uint64
}

// Monitor tracks the in-flight synchronous writes of one partition and the
// per-replica acknowledgement positions, deciding when a prefix of them is
// durable enough to commit.
//
// Lock ordering: the monitor lock is the innermost engine lock. No commit or
// abort work happens under it; satisfied writes are handed back to the
// caller, which performs checkpoint and hash-table updates after release.
type Monitor struct {
	mu            sync.Mutex
	vbid          uint16
	chain         model.ReplicationChain
	positions     map[string]*nodePosition
	trackedWrites *list.List // of *SyncWrite, seqno order
	activeMem     uint64
	activeDisk    uint64
	committed     uint64
	aborted       uint64
	logger        *zap.Logger
}

// NewMonitor creates a monitor with no replication chain; sync writes are
// rejected until RegisterReplicationChain is called.
func NewMonitor(vbid uint16, logger *zap.Logger) *Monitor {
	return &Monitor{
		vbid:          vbid,
		positions:     make(map[string]*nodePosition),
		trackedWrites: list.New(),
		logger:        logger,
	}
}

// RegisterReplicationChain installs the partition's topology. Positions of
// nodes leaving the chain are discarded; surviving nodes keep theirs.
// Returns writes that became committable under the new chain.
func (m *Monitor) RegisterReplicationChain(chain model.ReplicationChain) ([]*SyncWrite, error) {
	if !chain.Valid() {
		return nil, status.New(status.InvalidArgument, "invalid replication chain")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chain = chain
	for node := range m.positions {
		if !chain.Contains(node) {
			delete(m.positions, node)
		}
	}
	for _, node := range chain[1:] {
		if _, ok := m.positions[node]; !ok {
			m.positions[node] = &nodePosition{}
		}
	}
	return m.removeSatisfiedLocked(), nil
}

// HasChain reports whether a topology has been installed.
func (m *Monitor) HasChain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chain) > 0
}

// AddSyncWrite begins tracking a prepared write. The caller holds the
// hash-table shard lock, so the prepare is already in the checkpoint and the
// active's memory position advances implicitly to its seqno. Returns writes
// (possibly including this one, on a single-node chain) that are already
// satisfied.
func (m *Monitor) AddSyncWrite(cookie model.Cookie, it *item.Item, now time.Time) ([]*SyncWrite, error) {
	if it.Durability == nil || it.Durability.Level == item.LevelNone {
		return nil, status.New(status.InvalidArgument, "item has no durability requirement")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chain) == 0 {
		return nil, status.New(status.DurabilityImpossible, "no replication chain")
	}
	if back := m.trackedWrites.Back(); back != nil {
		if prev := back.Value.(*SyncWrite); prev.Seqno() >= it.Seqno {
			return nil, status.ErrLogic("tracked writes must be seqno-monotonic: %d after %d", it.Seqno, prev.Seqno())
		}
	}

	sw := &SyncWrite{Cookie: cookie, Item: it, start: now}
	if it.Durability.Timeout > 0 {
		sw.Deadline = now.Add(it.Durability.Timeout)
	}
	m.trackedWrites.PushBack(sw)
	m.activeMem = it.Seqno

	return m.removeSatisfiedLocked(), nil
}

// SeqnoAckReceived records a replica acknowledgement on the memory and disk
// channels and returns the prefix of tracked writes that became committable,
// in seqno order. Commit order is by tracked-write seqno, never by ack
// arrival.
func (m *Monitor) SeqnoAckReceived(node string, memSeqno, diskSeqno uint64) ([]*SyncWrite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if memSeqno < diskSeqno {
		return nil, status.ErrLogic("ack from %s has memory seqno %d below disk seqno %d", node, memSeqno, diskSeqno)
	}
	if m.trackedWrites.Len() == 0 {
		return nil, status.ErrLogic("ack from %s with no tracked writes", node)
	}
	pos, ok := m.positions[node]
	if !ok {
		return nil, status.ErrLogic("ack from node %s not in replication chain", node)
	}
	if memSeqno < pos.memAck || diskSeqno < pos.diskAck {
		return nil, status.ErrLogic("ack seqnos from %s decreased (mem %d<%d or disk %d<%d)",
			node, memSeqno, pos.memAck, diskSeqno, pos.diskAck)
	}
	pos.memAck = memSeqno
	pos.diskAck = diskSeqno

	// Advance the write cursors to the newest tracked prepare covered by
	// each ack channel.
	for e := m.trackedWrites.Front(); e != nil; e = e.Next() {
		s := e.Value.(*SyncWrite).Seqno()
		if s <= memSeqno && s > pos.memWrite {
			pos.memWrite = s
		}
		if s <= diskSeqno && s > pos.diskWrite {
			pos.diskWrite = s
		}
	}

	return m.removeSatisfiedLocked(), nil
}

// NotifyLocalPersistence records that the active has flushed up to seqno and
// returns writes that became committable (relevant to the persist levels).
func (m *Monitor) NotifyLocalPersistence(seqno uint64) []*SyncWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seqno > m.activeDisk {
		m.activeDisk = seqno
	}
	return m.removeSatisfiedLocked()
}

// requiredReplicaAcks is the number of replica acknowledgements a write
// needs. The active's prepare is implicit and not counted; with no replicas
// there is nothing to wait for.
func (m *Monitor) requiredReplicaAcks() int {
	required := m.chain.Majority()
	if replicas := len(m.chain) - 1; required > replicas {
		required = replicas
	}
	return required
}

func (m *Monitor) satisfiedLocked(sw *SyncWrite) bool {
	required := m.requiredReplicaAcks()
	s := sw.Seqno()

	memAcks, diskAcks := 0, 0
	for _, node := range m.chain[1:] {
		pos := m.positions[node]
		if pos == nil {
			continue
		}
		if pos.memWrite >= s {
			memAcks++
		}
		if pos.diskWrite >= s {
			diskAcks++
		}
	}

	switch sw.Level() {
	case item.LevelMajority:
		return memAcks >= required
	case item.LevelMajorityAndPersistOnMaster:
		return memAcks >= required && m.activeDisk >= s
	case item.LevelPersistToMajority:
		return diskAcks >= required && m.activeDisk >= s
	}
	return false
}

// removeSatisfiedLocked pops the satisfied prefix of trackedWrites. The
// leading unsatisfied write blocks everything behind it so commits are never
// reordered across keys.
func (m *Monitor) removeSatisfiedLocked() []*SyncWrite {
	var out []*SyncWrite
	for {
		front := m.trackedWrites.Front()
		if front == nil {
			break
		}
		sw := front.Value.(*SyncWrite)
		if !m.satisfiedLocked(sw) {
			break
		}
		m.trackedWrites.Remove(front)
		m.committed++
		out = append(out, sw)
	}
	return out
}

// ProcessTimeouts removes writes whose deadline has passed, returning them
// in seqno order for the caller to abort with SyncWriteAmbiguous.
func (m *Monitor) ProcessTimeouts(now time.Time) []*SyncWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*SyncWrite
	for e := m.trackedWrites.Front(); e != nil; {
		next := e.Next()
		sw := e.Value.(*SyncWrite)
		if !sw.Deadline.IsZero() && !now.Before(sw.Deadline) {
			m.trackedWrites.Remove(e)
			m.aborted++
			expired = append(expired, sw)
		}
		e = next
	}
	return expired
}

// AbortAll removes every tracked write, returning them in seqno order.
// Called on demotion, topology loss and partition teardown.
func (m *Monitor) AbortAll() []*SyncWrite {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*SyncWrite
	for e := m.trackedWrites.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*SyncWrite))
	}
	m.trackedWrites.Init()
	m.aborted += uint64(len(out))
	return out
}

// NumTracked returns the number of in-flight writes.
func (m *Monitor) NumTracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackedWrites.Len()
}

// Stats is a snapshot of monitor counters.
type Stats struct {
	Tracked   int
	Committed uint64
	Aborted   uint64
}

// StatsSnapshot returns current counters.
func (m *Monitor) StatsSnapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Tracked: m.trackedWrites.Len(), Committed: m.committed, Aborted: m.aborted}
}

package dcp

import (
	"fmt"
	"sync"

	"github.com/riptidedb/riptide/internal/checkpoint"
	"github.com/riptidedb/riptide/internal/item"
	"github.com/riptidedb/riptide/internal/protocol"
	"github.com/riptidedb/riptide/internal/vbucket"
	"go.uber.org/zap"
)

// StreamState is the lifecycle of one per-partition stream.
type StreamState uint8

const (
	StreamPending StreamState = iota
	StreamBackfilling
	StreamInMemory
	StreamTakeoverSend
	StreamTakeoverWait
	StreamDead
)

// String returns the state name.
func (s StreamState) String() string {
	switch s {
	case StreamPending:
		return "pending"
	case StreamBackfilling:
		return "backfill"
	case StreamInMemory:
		return "in_memory"
	case StreamTakeoverSend:
		return "takeover_send"
	case StreamTakeoverWait:
		return "takeover_wait"
	case StreamDead:
		return "dead"
	}
	return "unknown"
}

// StreamReqFlagTakeover requests partition handoff after catch-up.
const StreamReqFlagTakeover uint32 = 0x01

// Stream pins one consumer to one partition and walks it through backfill
// and in-memory phases, framing every contiguous run with a snapshot marker.
// Seqnos emitted on a stream strictly increase for its whole life.
type Stream struct {
	producer *Producer
	vb       *vbucket.VBucket
	vbid     uint16
	streamID *uint16

	mu        sync.Mutex
	state     StreamState
	start     uint64
	end       uint64
	lastSent  uint64
	takeover  bool
	cursor    string
	queue     [][]byte
	queuedLen uint64

	logger *zap.Logger
}

func newStream(p *Producer, vb *vbucket.VBucket, streamID *uint16, start, end uint64, takeover bool) *Stream {
	s := &Stream{
		producer: p,
		vb:       vb,
		vbid:     vb.ID(),
		streamID: streamID,
		state:    StreamPending,
		start:    start,
		end:      end,
		lastSent: start,
		takeover: takeover,
		logger:   p.logger,
	}
	s.cursor = s.cursorName()
	return s
}

// cursorName is unique per (connection, partition, stream-id).
func (s *Stream) cursorName() string {
	if s.streamID != nil {
		return fmt.Sprintf("dcp:%s:vb%d:sid%d", s.producer.name, s.vbid, *s.streamID)
	}
	return fmt.Sprintf("dcp:%s:vb%d", s.producer.name, s.vbid)
}

// State returns the stream state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastSentSeqno returns the newest seqno queued or sent.
func (s *Stream) LastSentSeqno() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent
}

// open decides the starting phase. Called once after stream request
// acceptance; needsBackfill says the checkpoint log no longer reaches back
// to the resume point.
func (s *Stream) open(needsBackfill bool) {
	s.mu.Lock()
	if needsBackfill {
		s.state = StreamBackfilling
		s.mu.Unlock()
		s.producer.scheduleBackfill(s)
		return
	}
	s.state = StreamInMemory
	s.mu.Unlock()
	s.wake()
}

// runBackfill reads [start+1, persisted high] from disk in seqno order and
// frames it as one disk snapshot, then switches to the in-memory phase.
func (s *Stream) runBackfill() {
	store := s.producer.store
	backfillEnd := store.HighSeqno(s.vbid)

	s.mu.Lock()
	if s.state != StreamBackfilling {
		s.mu.Unlock()
		return
	}
	from := s.lastSent
	s.mu.Unlock()

	if backfillEnd > from {
		marker := &protocol.SnapshotMarker{
			VBucket:  s.vbid,
			StreamID: s.streamID,
			Start:    from + 1,
			End:      backfillEnd,
			Flags:    protocol.SnapshotFlagDisk | protocol.SnapshotFlagCheckpoint,
		}
		s.enqueue(marker.Encode(), 0)

		err := store.ScanSeqnoRange(s.vbid, from+1, backfillEnd, func(it *item.Item) error {
			if !s.producer.backfillAllowed() {
				return fmt.Errorf("backfill paused: memory above threshold")
			}
			s.enqueue(s.frameFor(it), it.Seqno)
			return nil
		})
		if err != nil {
			s.logger.Warn("Backfill interrupted",
				zap.Uint16("vb", s.vbid), zap.Error(err))
			s.producer.scheduleBackfill(s)
			return
		}
	}

	// Re-anchor the cursor where the disk phase ended and go live.
	s.mu.Lock()
	if s.state == StreamBackfilling {
		s.vb.Checkpoints().RegisterCursor(s.cursor, s.lastSent)
		s.state = StreamInMemory
	}
	s.mu.Unlock()
	s.wake()
}

// wake drains whatever the checkpoint cursor has ready into the frame
// queue. Invoked on every partition notify and after buffer acks.
func (s *Stream) wake() {
	for {
		s.mu.Lock()
		if s.state != StreamInMemory && s.state != StreamTakeoverSend {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		batch, err := s.vb.Checkpoints().ItemsForCursor(s.cursor, s.producer.cfg.BatchSize)
		if err != nil || len(batch.Items) == 0 {
			s.maybeFinish()
			return
		}
		s.emitBatch(batch)
		if !batch.MoreExists {
			s.maybeFinish()
			return
		}
	}
}

// emitBatch frames one cursor drain behind a single snapshot marker.
// Markers are never interleaved with items of another snapshot.
func (s *Stream) emitBatch(batch checkpoint.Batch) {
	first := batch.Items[0].Seqno
	last := batch.Items[len(batch.Items)-1].Seqno
	end := batch.Snapshot.End
	if batch.OpenEnded || end < last {
		end = last
	}

	marker := &protocol.SnapshotMarker{
		VBucket:  s.vbid,
		StreamID: s.streamID,
		Start:    first,
		End:      end,
		Flags:    protocol.SnapshotFlagMemory | protocol.SnapshotFlagCheckpoint,
	}
	s.enqueue(marker.Encode(), 0)
	for _, it := range batch.Items {
		s.enqueue(s.frameFor(it), it.Seqno)
	}
}

// frameFor maps one queued item to its wire frame.
func (s *Stream) frameFor(it *item.Item) []byte {
	switch it.Op {
	case item.OpDeletion:
		d := &protocol.DeletionV2{
			VBucket:    s.vbid,
			StreamID:   s.streamID,
			Seqno:      it.Seqno,
			RevSeqno:   it.RevSeqno,
			DeleteTime: it.Expiry,
			CAS:        it.CAS,
			Key:        it.Key,
		}
		return d.Encode()
	case item.OpExpiration:
		d := &protocol.DeletionV2{
			VBucket:    s.vbid,
			StreamID:   s.streamID,
			Seqno:      it.Seqno,
			RevSeqno:   it.RevSeqno,
			DeleteTime: it.Expiry,
			CAS:        it.CAS,
			Key:        it.Key,
			Expiration: true,
		}
		return d.Encode()
	case item.OpPendingSyncWrite:
		var level uint8
		if it.Durability != nil {
			level = uint8(it.Durability.Level)
		}
		p := &protocol.Prepare{
			VBucket:    s.vbid,
			StreamID:   s.streamID,
			Seqno:      it.Seqno,
			RevSeqno:   it.RevSeqno,
			Flags:      it.Flags,
			Expiration: it.Expiry,
			Durability: level,
			Datatype:   uint8(it.Datatype),
			CAS:        it.CAS,
			Key:        it.Key,
			Value:      it.Value,
		}
		return p.Encode()
	case item.OpCommitSyncWrite:
		c := &protocol.Commit{
			VBucket:       s.vbid,
			StreamID:      s.streamID,
			PreparedSeqno: it.PreparedSeqno,
			CommitSeqno:   it.Seqno,
			Key:           it.Key,
		}
		return c.Encode()
	case item.OpAbortSyncWrite:
		a := &protocol.Abort{
			VBucket:       s.vbid,
			StreamID:      s.streamID,
			PreparedSeqno: it.PreparedSeqno,
			AbortSeqno:    it.Seqno,
			Key:           it.Key,
		}
		return a.Encode()
	case item.OpSystemEvent:
		e := &protocol.SystemEvent{
			VBucket:  s.vbid,
			StreamID: s.streamID,
			Seqno:    it.Seqno,
			EventID:  it.CollectionID,
			Version:  0,
			Key:      it.Key,
			Value:    it.Value,
		}
		return e.Encode()
	default:
		m := &protocol.Mutation{
			VBucket:    s.vbid,
			StreamID:   s.streamID,
			Seqno:      it.Seqno,
			RevSeqno:   it.RevSeqno,
			Flags:      it.Flags,
			Expiration: it.Expiry,
			Datatype:   uint8(it.Datatype),
			CAS:        it.CAS,
			Key:        it.Key,
			Value:      it.Value,
		}
		return m.Encode()
	}
}

// enqueue appends a frame to the send queue. seqno is zero for markers and
// control frames.
func (s *Stream) enqueue(frame []byte, seqno uint64) {
	s.mu.Lock()
	s.queue = append(s.queue, frame)
	s.queuedLen += uint64(len(frame))
	if seqno > s.lastSent {
		s.lastSent = seqno
	}
	s.mu.Unlock()
	s.producer.signalReady()
}

// next pops the next frame if flow control allows it.
func (s *Stream) next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	frame := s.queue[0]
	if !s.producer.flow.canSend(uint64(len(frame))) {
		return nil, false
	}
	s.queue = s.queue[1:]
	s.queuedLen -= uint64(len(frame))
	s.producer.flow.onSend(uint64(len(frame)))
	return frame, true
}

// maybeFinish ends a bounded stream that has caught up, or advances a
// takeover stream through its handoff states.
func (s *Stream) maybeFinish() {
	s.mu.Lock()
	caughtUp := s.end > 0 && s.lastSent >= s.end
	takeoverReady := s.takeover && s.state == StreamInMemory && s.lastSent >= s.vb.HighSeqno()
	s.mu.Unlock()

	if takeoverReady {
		s.beginTakeover()
		return
	}
	if caughtUp {
		s.close(protocol.StreamEndOK)
	}
}

// beginTakeover walks takeover_send -> takeover_wait: the partition flips to
// dead locally and the consumer is told to go active.
func (s *Stream) beginTakeover() {
	s.mu.Lock()
	if s.state != StreamInMemory {
		s.mu.Unlock()
		return
	}
	s.state = StreamTakeoverSend
	s.mu.Unlock()

	sv := &protocol.SetVBState{VBucket: s.vbid, State: uint8(vbucket.StateActive)}
	s.enqueue(sv.Encode(), 0)

	s.mu.Lock()
	s.state = StreamTakeoverWait
	s.mu.Unlock()

	s.vb.SetState(vbucket.StateDead)
	s.close(protocol.StreamEndOK)
}

// close releases the cursor, drops unread queues and notifies the consumer
// with the end reason.
func (s *Stream) close(reason protocol.StreamEndReason) {
	s.mu.Lock()
	if s.state == StreamDead {
		s.mu.Unlock()
		return
	}
	s.state = StreamDead
	s.queue = nil
	s.queuedLen = 0
	s.mu.Unlock()

	s.vb.Checkpoints().RemoveCursor(s.cursor)

	end := &protocol.StreamEnd{VBucket: s.vbid, StreamID: s.streamID, Reason: reason}
	s.mu.Lock()
	s.queue = append(s.queue, end.Encode())
	s.mu.Unlock()
	s.producer.signalReady()

	s.logger.Info("Stream closed",
		zap.String("connection", s.producer.name),
		zap.Uint16("vb", s.vbid),
		zap.Uint32("reason", uint32(reason)))
}

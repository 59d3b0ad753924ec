package dcp

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/riptidedb/riptide/internal/failover"
	"github.com/riptidedb/riptide/internal/kvstore"
	"github.com/riptidedb/riptide/internal/protocol"
	"github.com/riptidedb/riptide/internal/status"
	"github.com/riptidedb/riptide/internal/vbucket"
	"go.uber.org/zap"
)

// PartitionLookup resolves a partition id to its VBucket.
type PartitionLookup func(vbid uint16) (*vbucket.VBucket, bool)

// StatsObserver receives stream events the host aggregates into engine
// metrics. Implementations must be cheap and non-blocking.
type StatsObserver interface {
	StreamOpened()
	BackfillStarted()
	FrameSent(bytes int)
}

// noopObserver is the default when no observer is wired.
type noopObserver struct{}

func (noopObserver) StreamOpened() {}
func (noopObserver) BackfillStarted() {}
func (noopObserver) FrameSent(int) {}

// Config tunes a producer connection.
type Config struct {
	// BatchSize bounds one cursor drain.
	BatchSize int
	// NoopInterval spaces keep-alive frames on an idle connection.
	NoopInterval time.Duration
	// BackfillAllowed gates disk backfill against the bucket memory
	// threshold; nil means always allowed.
	BackfillAllowed func() bool
	// ScheduleBackfill runs a backfill off the caller's goroutine,
	// normally on the auxiliary-IO lane. nil runs it on a plain
	// goroutine.
	ScheduleBackfill func(run func())
	// Observer receives stream/frame events for metrics; nil disables.
	Observer StatsObserver
}

// Producer is one consumer connection's view of the engine: a set of
// per-partition streams, shared flow control and connection-level settings
// negotiated via DcpControl.
type Producer struct {
	name    string
	store   kvstore.KVStore
	lookup  PartitionLookup
	cfg     Config
	streams *xsync.MapOf[uint16, *Stream]
	flow    *flowControl

	ctrlMu       sync.Mutex
	controls     map[string]string
	noopEnabled  bool
	streamIDs    bool
	lastSendUnix atomic.Int64

	readyCh chan struct{}
	wakeCh  chan uint16
	closed  atomic.Bool

	itemsSent   atomic.Uint64
	bytesSent   atomic.Uint64
	streamsEver atomic.Uint64

	logger *zap.Logger
}

// NewProducer creates a producer for one named consumer connection.
func NewProducer(name string, store kvstore.KVStore, lookup PartitionLookup, cfg Config, logger *zap.Logger) *Producer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.NoopInterval <= 0 {
		cfg.NoopInterval = 20 * time.Second
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	p := &Producer{
		name:     name,
		store:    store,
		lookup:   lookup,
		cfg:      cfg,
		streams:  xsync.NewMapOf[uint16, *Stream](),
		flow:     &flowControl{},
		controls: make(map[string]string),
		readyCh:  make(chan struct{}, 1),
		wakeCh:   make(chan uint16, 1024),
		logger:   logger,
	}
	p.lastSendUnix.Store(time.Now().Unix())
	go p.notifyLoop()
	return p
}

// Name returns the connection name.
func (p *Producer) Name() string { return p.name }

// notifyLoop decouples partition notifications from mutator goroutines:
// cursor drains and frame encoding happen here, never under engine locks.
func (p *Producer) notifyLoop() {
	for vbid := range p.wakeCh {
		if s, ok := p.streams.Load(vbid); ok {
			s.wake()
		}
	}
}

// Notify wakes the stream pinned to vbid, if any. Safe to call from
// mutation paths; it never blocks.
func (p *Producer) Notify(vbid uint16, _ uint64) {
	if p.closed.Load() {
		return
	}
	if _, ok := p.streams.Load(vbid); !ok {
		return
	}
	select {
	case p.wakeCh <- vbid:
	default:
	}
}

func (p *Producer) backfillAllowed() bool {
	if p.cfg.BackfillAllowed == nil {
		return true
	}
	return p.cfg.BackfillAllowed()
}

func (p *Producer) scheduleBackfill(s *Stream) {
	p.cfg.Observer.BackfillStarted()
	run := func() { s.runBackfill() }
	if p.cfg.ScheduleBackfill != nil {
		p.cfg.ScheduleBackfill(run)
		return
	}
	go run()
}

// signalReady nudges the connection writer.
func (p *Producer) signalReady() {
	select {
	case p.readyCh <- struct{}{}:
	default:
	}
}

// Ready returns the channel the connection writer waits on.
func (p *Producer) Ready() <-chan struct{} { return p.readyCh }

// StreamReqResult is the producer's answer to a stream request.
type StreamReqResult struct {
	Status        status.Code
	RollbackSeqno uint64
	FailoverLog   []failover.Entry
	Stream        *Stream
}

// StreamRequest opens a stream on vbid resuming from (uuid, start) with the
// given snapshot bounds. The failover table decides between acceptance and
// rollback.
func (p *Producer) StreamRequest(vbid uint16, flags uint32, start, end, uuid, snapStart, snapEnd uint64, streamID *uint16) *StreamReqResult {
	if streamID != nil && !p.StreamIDsEnabled() {
		return &StreamReqResult{Status: status.DcpStreamIdInvalid}
	}

	vb, ok := p.lookup(vbid)
	if !ok || vb.State() == vbucket.StateDead {
		return &StreamReqResult{Status: status.NotMyPartition}
	}
	if end != 0 && start > end {
		return &StreamReqResult{Status: status.Range}
	}
	if snapStart > start || (snapEnd != 0 && start > snapEnd) {
		return &StreamReqResult{Status: status.Range}
	}
	if prev, exists := p.streams.Load(vbid); exists {
		// A drained dead stream no longer pins the partition.
		if prev.State() != StreamDead {
			return &StreamReqResult{Status: status.Busy}
		}
		p.streams.Delete(vbid)
	}

	highSeqno := vb.HighSeqno()
	if rollback, needed := vb.Failover().NeedsRollback(uuid, start, highSeqno); needed {
		return &StreamReqResult{Status: status.Rollback, RollbackSeqno: rollback}
	}

	takeover := flags&StreamReqFlagTakeover != 0
	s := newStream(p, vb, streamID, start, end, takeover)
	actual, needsBackfill := vb.Checkpoints().RegisterCursor(s.cursor, start)
	s.mu.Lock()
	s.lastSent = actual
	s.mu.Unlock()

	p.streams.Store(vbid, s)
	p.streamsEver.Add(1)
	p.cfg.Observer.StreamOpened()
	s.open(needsBackfill)

	p.logger.Info("Stream accepted",
		zap.String("connection", p.name),
		zap.Uint16("vb", vbid),
		zap.Uint64("start", start),
		zap.Uint64("end", end),
		zap.Bool("backfill", needsBackfill),
		zap.Bool("takeover", takeover))

	return &StreamReqResult{
		Status:      status.Success,
		FailoverLog: vb.Failover().Entries(),
		Stream:      s,
	}
}

// CloseStream ends the stream on vbid at the consumer's request. The stream
// stays registered until its stream_end frame drains.
func (p *Producer) CloseStream(vbid uint16) error {
	s, ok := p.streams.Load(vbid)
	if !ok {
		return status.Newf(status.KeyMissing, "no stream for partition %d", vbid)
	}
	s.close(protocol.StreamEndClosedByConsumer)
	return nil
}

// CloseStreamsForVB ends the stream on vbid for engine-side reasons (state
// change, rollback).
func (p *Producer) CloseStreamsForVB(vbid uint16, reason protocol.StreamEndReason) {
	if s, ok := p.streams.Load(vbid); ok {
		s.close(reason)
	}
}

// CloseAll tears the connection down, ending every stream.
func (p *Producer) CloseAll(reason protocol.StreamEndReason) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.streams.Range(func(vbid uint16, s *Stream) bool {
		p.streams.Delete(vbid)
		s.close(reason)
		return true
	})
	close(p.wakeCh)
}

// Next returns the next frame ready to send, respecting flow control.
// ok=false means nothing is currently sendable; wait on Ready.
func (p *Producer) Next() ([]byte, bool) {
	var frame []byte
	p.streams.Range(func(_ uint16, s *Stream) bool {
		if f, ok := s.next(); ok {
			frame = f
			return false
		}
		return true
	})
	if frame == nil {
		return nil, false
	}
	p.itemsSent.Add(1)
	p.bytesSent.Add(uint64(len(frame)))
	p.cfg.Observer.FrameSent(len(frame))
	p.lastSendUnix.Store(time.Now().Unix())

	// Dead streams that have drained their stream_end are unpinned here.
	p.streams.Range(func(vbid uint16, s *Stream) bool {
		s.mu.Lock()
		gone := s.state == StreamDead && len(s.queue) == 0
		s.mu.Unlock()
		if gone {
			p.streams.Delete(vbid)
		}
		return true
	})
	return frame, true
}

// MaybeNoop emits a keep-alive frame when the connection has been idle past
// the noop interval.
func (p *Producer) MaybeNoop(now time.Time) ([]byte, bool) {
	p.ctrlMu.Lock()
	enabled := p.noopEnabled
	p.ctrlMu.Unlock()
	if !enabled {
		return nil, false
	}
	if now.Unix()-p.lastSendUnix.Load() < int64(p.cfg.NoopInterval.Seconds()) {
		return nil, false
	}
	p.lastSendUnix.Store(now.Unix())
	return protocol.EncodeNoop(0), true
}

// HandleControl applies a DcpControl key/value setting.
func (p *Producer) HandleControl(key, value string) error {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	p.controls[key] = value

	switch key {
	case "connection_buffer_size":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return status.Wrap(status.InvalidArgument, "connection_buffer_size", err)
		}
		p.flow.setBufferSize(n)
	case "enable_noop":
		p.noopEnabled = value == "true"
	case "set_noop_interval":
		secs, err := strconv.Atoi(value)
		if err != nil {
			return status.Wrap(status.InvalidArgument, "set_noop_interval", err)
		}
		p.cfg.NoopInterval = time.Duration(secs) * time.Second
	case "enable_stream_id":
		p.streamIDs = value == "true"
	}
	return nil
}

// StreamIDsEnabled reports whether the connection negotiated stream-ids.
func (p *Producer) StreamIDsEnabled() bool {
	p.ctrlMu.Lock()
	defer p.ctrlMu.Unlock()
	return p.streamIDs
}

// HandleBufferAck returns granted bytes to the flow-control window and wakes
// suspended streams.
func (p *Producer) HandleBufferAck(bytes uint32) {
	p.flow.onAck(uint64(bytes))
	p.signalReady()
}

// HandleSeqnoAck routes a replica durability acknowledgement to the
// partition's durability monitor. The connection name identifies the
// acknowledging node.
func (p *Producer) HandleSeqnoAck(vbid uint16, memSeqno, diskSeqno uint64) error {
	vb, ok := p.lookup(vbid)
	if !ok {
		return status.ErrNotMyPartition(vbid)
	}
	return vb.SeqnoAcked(p.name, memSeqno, diskSeqno)
}

// UnackedBytes reports the flow-control debt.
func (p *Producer) UnackedBytes() uint64 { return p.flow.unackedBytes() }

// NumStreams returns the live stream count.
func (p *Producer) NumStreams() int {
	n := 0
	p.streams.Range(func(uint16, *Stream) bool { n++; return true })
	return n
}

// StreamFor returns the stream pinned to vbid.
func (p *Producer) StreamFor(vbid uint16) (*Stream, bool) {
	return p.streams.Load(vbid)
}

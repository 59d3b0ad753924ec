package protocol

import (
	"encoding/binary"
	"fmt"
)

// Frame builders for the producer side of the change stream. Each returns a
// complete packet: header, optional stream-id frame-info, extras, key,
// extended metadata and value. Frame layouts are fixed; consumers on other
// nodes parse them byte for byte.

// frameHeader starts a response packet, prefixing the body with the 2-byte
// stream-id frame-info and switching to the alt magic when one is present.
func frameHeader(op Opcode, vbid uint16, streamID *uint16) (*Header, []byte) {
	h := &Header{Magic: MagicRes, Opcode: op, VBucketOrStatus: vbid}
	if streamID == nil {
		return h, nil
	}
	h.Magic = MagicAltRes
	h.FrameExtLen = 2
	frame := make([]byte, 2)
	binary.BigEndian.PutUint16(frame, *streamID)
	return h, frame
}

func assemble(h *Header, frameInfo, extras, key, xmeta, value []byte) []byte {
	h.ExtLen = uint8(len(extras))
	h.KeyLen = uint16(len(key))
	h.BodyLen = uint32(len(frameInfo) + len(extras) + len(key) + len(xmeta) + len(value))

	pkt := make([]byte, 0, HeaderLen+int(h.BodyLen))
	pkt = append(pkt, h.Encode()...)
	pkt = append(pkt, frameInfo...)
	pkt = append(pkt, extras...)
	pkt = append(pkt, key...)
	pkt = append(pkt, xmeta...)
	pkt = append(pkt, value...)
	return pkt
}

// Mutation carries one document change.
// Extras: by_seqno(8) rev_seqno(8) flags(4) expiration(4) lock_time(4)
// nmeta(2) nru(1) = 31 bytes.
type Mutation struct {
	VBucket    uint16
	StreamID   *uint16
	Seqno      uint64
	RevSeqno   uint64
	Flags      uint32
	Expiration uint32
	LockTime   uint32
	NRU        uint8
	Datatype   uint8
	CAS        uint64
	Key        []byte
	Xmeta      []byte
	Value      []byte
	Opaque     uint32
}

// Encode builds the mutation packet.
func (m *Mutation) Encode() []byte {
	h, frame := frameHeader(OpDcpMutation, m.VBucket, m.StreamID)
	h.Datatype = m.Datatype
	h.CAS = m.CAS
	h.Opaque = m.Opaque

	extras := make([]byte, 31)
	binary.BigEndian.PutUint64(extras[0:], m.Seqno)
	binary.BigEndian.PutUint64(extras[8:], m.RevSeqno)
	binary.BigEndian.PutUint32(extras[16:], m.Flags)
	binary.BigEndian.PutUint32(extras[20:], m.Expiration)
	binary.BigEndian.PutUint32(extras[24:], m.LockTime)
	binary.BigEndian.PutUint16(extras[28:], uint16(len(m.Xmeta)))
	extras[30] = m.NRU

	return assemble(h, frame, extras, m.Key, m.Xmeta, m.Value)
}

// DecodeMutation parses a mutation packet.
func DecodeMutation(pkt []byte) (*Mutation, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpMutation {
		return nil, fmt.Errorf("not a mutation packet: opcode 0x%02x", uint8(h.Opcode))
	}
	body := pkt[HeaderLen:]
	m := &Mutation{VBucket: h.VBucketOrStatus, Datatype: h.Datatype, CAS: h.CAS, Opaque: h.Opaque}
	if h.IsAlt() {
		if h.FrameExtLen != 2 {
			return nil, fmt.Errorf("unexpected frame extras length %d", h.FrameExtLen)
		}
		sid := binary.BigEndian.Uint16(body)
		m.StreamID = &sid
		body = body[2:]
	}
	if len(body) < int(h.ExtLen) || h.ExtLen != 31 {
		return nil, fmt.Errorf("mutation extras truncated")
	}
	m.Seqno = binary.BigEndian.Uint64(body[0:])
	m.RevSeqno = binary.BigEndian.Uint64(body[8:])
	m.Flags = binary.BigEndian.Uint32(body[16:])
	m.Expiration = binary.BigEndian.Uint32(body[20:])
	m.LockTime = binary.BigEndian.Uint32(body[24:])
	nmeta := binary.BigEndian.Uint16(body[28:])
	m.NRU = body[30]
	rest := body[31:]
	if len(rest) < int(h.KeyLen)+int(nmeta) {
		return nil, fmt.Errorf("mutation body truncated")
	}
	m.Key = rest[:h.KeyLen]
	m.Xmeta = rest[h.KeyLen : int(h.KeyLen)+int(nmeta)]
	m.Value = rest[int(h.KeyLen)+int(nmeta):]
	return m, nil
}

// Deletion is the v1 layout: by_seqno(8) rev_seqno(8) nmeta(2).
type Deletion struct {
	VBucket  uint16
	StreamID *uint16
	Seqno    uint64
	RevSeqno uint64
	CAS      uint64
	Key      []byte
	Xmeta    []byte
	Opaque   uint32
}

// Encode builds the v1 deletion packet.
func (d *Deletion) Encode() []byte {
	h, frame := frameHeader(OpDcpDeletion, d.VBucket, d.StreamID)
	h.CAS = d.CAS
	h.Opaque = d.Opaque

	extras := make([]byte, 18)
	binary.BigEndian.PutUint64(extras[0:], d.Seqno)
	binary.BigEndian.PutUint64(extras[8:], d.RevSeqno)
	binary.BigEndian.PutUint16(extras[16:], uint16(len(d.Xmeta)))
	return assemble(h, frame, extras, d.Key, d.Xmeta, nil)
}

// DeletionV2 is the v2 layout shared with expirations:
// by_seqno(8) rev_seqno(8) delete_time(4).
type DeletionV2 struct {
	VBucket    uint16
	StreamID   *uint16
	Seqno      uint64
	RevSeqno   uint64
	DeleteTime uint32
	CAS        uint64
	Key        []byte
	Opaque     uint32
	// Expiration selects the expiration opcode over deletion.
	Expiration bool
}

// Encode builds the v2 deletion or expiration packet.
func (d *DeletionV2) Encode() []byte {
	op := OpDcpDeletion
	if d.Expiration {
		op = OpDcpExpiration
	}
	h, frame := frameHeader(op, d.VBucket, d.StreamID)
	h.CAS = d.CAS
	h.Opaque = d.Opaque

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], d.Seqno)
	binary.BigEndian.PutUint64(extras[8:], d.RevSeqno)
	binary.BigEndian.PutUint32(extras[16:], d.DeleteTime)
	return assemble(h, frame, extras, d.Key, nil, nil)
}

// SnapshotMarker frames a contiguous run: start(8) end(8) flags(4).
type SnapshotMarker struct {
	VBucket  uint16
	StreamID *uint16
	Start    uint64
	End      uint64
	Flags    uint32
	Opaque   uint32
}

// Encode builds the snapshot marker packet.
func (s *SnapshotMarker) Encode() []byte {
	h, frame := frameHeader(OpDcpSnapshotMarker, s.VBucket, s.StreamID)
	h.Opaque = s.Opaque

	extras := make([]byte, 20)
	binary.BigEndian.PutUint64(extras[0:], s.Start)
	binary.BigEndian.PutUint64(extras[8:], s.End)
	binary.BigEndian.PutUint32(extras[16:], s.Flags)
	return assemble(h, frame, extras, nil, nil, nil)
}

// DecodeSnapshotMarker parses a snapshot marker packet.
func DecodeSnapshotMarker(pkt []byte) (*SnapshotMarker, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpSnapshotMarker {
		return nil, fmt.Errorf("not a snapshot marker: opcode 0x%02x", uint8(h.Opcode))
	}
	body := pkt[HeaderLen:]
	s := &SnapshotMarker{VBucket: h.VBucketOrStatus, Opaque: h.Opaque}
	if h.IsAlt() {
		sid := binary.BigEndian.Uint16(body)
		s.StreamID = &sid
		body = body[2:]
	}
	if len(body) < 20 {
		return nil, fmt.Errorf("snapshot marker extras truncated")
	}
	s.Start = binary.BigEndian.Uint64(body[0:])
	s.End = binary.BigEndian.Uint64(body[8:])
	s.Flags = binary.BigEndian.Uint32(body[16:])
	return s, nil
}

// Prepare carries a pending synchronous write:
// by_seqno(8) rev_seqno(8) flags(4) expiration(4) lock_time(4) nru(1)
// durability(1) = 30 bytes.
type Prepare struct {
	VBucket    uint16
	StreamID   *uint16
	Seqno      uint64
	RevSeqno   uint64
	Flags      uint32
	Expiration uint32
	LockTime   uint32
	NRU        uint8
	Durability uint8
	Datatype   uint8
	CAS        uint64
	Key        []byte
	Value      []byte
	Opaque     uint32
}

// Encode builds the prepare packet.
func (p *Prepare) Encode() []byte {
	h, frame := frameHeader(OpDcpPrepare, p.VBucket, p.StreamID)
	h.Datatype = p.Datatype
	h.CAS = p.CAS
	h.Opaque = p.Opaque

	extras := make([]byte, 30)
	binary.BigEndian.PutUint64(extras[0:], p.Seqno)
	binary.BigEndian.PutUint64(extras[8:], p.RevSeqno)
	binary.BigEndian.PutUint32(extras[16:], p.Flags)
	binary.BigEndian.PutUint32(extras[20:], p.Expiration)
	binary.BigEndian.PutUint32(extras[24:], p.LockTime)
	extras[28] = p.NRU
	extras[29] = p.Durability
	return assemble(h, frame, extras, p.Key, nil, p.Value)
}

// Commit carries a durable commit: prepared_seqno(8) commit_seqno(8).
type Commit struct {
	VBucket       uint16
	StreamID      *uint16
	PreparedSeqno uint64
	CommitSeqno   uint64
	Key           []byte
	Opaque        uint32
}

// Encode builds the commit packet.
func (c *Commit) Encode() []byte {
	h, frame := frameHeader(OpDcpCommit, c.VBucket, c.StreamID)
	h.Opaque = c.Opaque

	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:], c.PreparedSeqno)
	binary.BigEndian.PutUint64(extras[8:], c.CommitSeqno)
	return assemble(h, frame, extras, c.Key, nil, nil)
}

// DecodeCommit parses a commit packet.
func DecodeCommit(pkt []byte) (*Commit, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpCommit {
		return nil, fmt.Errorf("not a commit packet: opcode 0x%02x", uint8(h.Opcode))
	}
	body := pkt[HeaderLen:]
	c := &Commit{VBucket: h.VBucketOrStatus, Opaque: h.Opaque}
	if h.IsAlt() {
		sid := binary.BigEndian.Uint16(body)
		c.StreamID = &sid
		body = body[2:]
	}
	if len(body) < 16 {
		return nil, fmt.Errorf("commit extras truncated")
	}
	c.PreparedSeqno = binary.BigEndian.Uint64(body[0:])
	c.CommitSeqno = binary.BigEndian.Uint64(body[8:])
	c.Key = body[16 : 16+int(h.KeyLen)]
	return c, nil
}

// Abort mirrors Commit: prepared_seqno(8) abort_seqno(8).
type Abort struct {
	VBucket       uint16
	StreamID      *uint16
	PreparedSeqno uint64
	AbortSeqno    uint64
	Key           []byte
	Opaque        uint32
}

// Encode builds the abort packet.
func (a *Abort) Encode() []byte {
	h, frame := frameHeader(OpDcpAbort, a.VBucket, a.StreamID)
	h.Opaque = a.Opaque

	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:], a.PreparedSeqno)
	binary.BigEndian.PutUint64(extras[8:], a.AbortSeqno)
	return assemble(h, frame, extras, a.Key, nil, nil)
}

// SystemEvent announces a collection change: by_seqno(8) id(4) version(1).
type SystemEvent struct {
	VBucket  uint16
	StreamID *uint16
	Seqno    uint64
	EventID  uint32
	Version  uint8
	Key      []byte
	Value    []byte
	Opaque   uint32
}

// Encode builds the system event packet.
func (e *SystemEvent) Encode() []byte {
	h, frame := frameHeader(OpDcpSystemEvent, e.VBucket, e.StreamID)
	h.Opaque = e.Opaque

	extras := make([]byte, 13)
	binary.BigEndian.PutUint64(extras[0:], e.Seqno)
	binary.BigEndian.PutUint32(extras[8:], e.EventID)
	extras[12] = e.Version
	return assemble(h, frame, extras, e.Key, nil, e.Value)
}

// StreamEnd closes a stream with a reason in the extras.
type StreamEnd struct {
	VBucket  uint16
	StreamID *uint16
	Reason   StreamEndReason
	Opaque   uint32
}

// Encode builds the stream end packet.
func (s *StreamEnd) Encode() []byte {
	h, frame := frameHeader(OpDcpStreamEnd, s.VBucket, s.StreamID)
	h.Opaque = s.Opaque

	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, uint32(s.Reason))
	return assemble(h, frame, extras, nil, nil, nil)
}

// DecodeStreamEnd parses a stream end packet.
func DecodeStreamEnd(pkt []byte) (*StreamEnd, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpStreamEnd {
		return nil, fmt.Errorf("not a stream end packet: opcode 0x%02x", uint8(h.Opcode))
	}
	body := pkt[HeaderLen:]
	s := &StreamEnd{VBucket: h.VBucketOrStatus, Opaque: h.Opaque}
	if h.IsAlt() {
		sid := binary.BigEndian.Uint16(body)
		s.StreamID = &sid
		body = body[2:]
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("stream end extras truncated")
	}
	s.Reason = StreamEndReason(binary.BigEndian.Uint32(body))
	return s, nil
}

// SetVBState announces a partition state change during takeover. Extras: one
// state byte.
type SetVBState struct {
	VBucket uint16
	State   uint8
	Opaque  uint32
}

// Encode builds the set-state packet.
func (s *SetVBState) Encode() []byte {
	h, frame := frameHeader(OpDcpSetVBState, s.VBucket, nil)
	h.Opaque = s.Opaque
	return assemble(h, frame, []byte{s.State}, nil, nil, nil)
}

// Noop keeps an idle connection alive.
func EncodeNoop(opaque uint32) []byte {
	h := &Header{Magic: MagicRes, Opcode: OpDcpNoop, Opaque: opaque}
	return assemble(h, nil, nil, nil, nil, nil)
}

// BufferAck grants the producer bytes of flow-control budget.
type BufferAck struct {
	Bytes  uint32
	Opaque uint32
}

// Encode builds the buffer acknowledgement packet.
func (b *BufferAck) Encode() []byte {
	h := &Header{Magic: MagicReq, Opcode: OpDcpBufferAck, Opaque: b.Opaque}
	extras := make([]byte, 4)
	binary.BigEndian.PutUint32(extras, b.Bytes)
	return assemble(h, nil, extras, nil, nil, nil)
}

// DecodeBufferAck parses a buffer acknowledgement.
func DecodeBufferAck(pkt []byte) (*BufferAck, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpBufferAck || h.ExtLen != 4 {
		return nil, fmt.Errorf("not a buffer ack packet")
	}
	return &BufferAck{
		Bytes:  binary.BigEndian.Uint32(pkt[HeaderLen:]),
		Opaque: h.Opaque,
	}, nil
}

// Control is a key/value connection setting.
type Control struct {
	Key    []byte
	Value  []byte
	Opaque uint32
}

// Encode builds the control packet.
func (c *Control) Encode() []byte {
	h := &Header{Magic: MagicReq, Opcode: OpDcpControl, Opaque: c.Opaque}
	return assemble(h, nil, nil, c.Key, nil, c.Value)
}

// SeqnoAck is the replica's durability acknowledgement:
// mem_seqno(8) disk_seqno(8).
type SeqnoAck struct {
	VBucket   uint16
	MemSeqno  uint64
	DiskSeqno uint64
	Opaque    uint32
}

// Encode builds the seqno ack packet.
func (s *SeqnoAck) Encode() []byte {
	h := &Header{Magic: MagicReq, Opcode: OpDcpSeqnoAck, VBucketOrStatus: s.VBucket, Opaque: s.Opaque}
	extras := make([]byte, 16)
	binary.BigEndian.PutUint64(extras[0:], s.MemSeqno)
	binary.BigEndian.PutUint64(extras[8:], s.DiskSeqno)
	return assemble(h, nil, extras, nil, nil, nil)
}

// DecodeSeqnoAck parses a seqno ack.
func DecodeSeqnoAck(pkt []byte) (*SeqnoAck, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpSeqnoAck || h.ExtLen != 16 {
		return nil, fmt.Errorf("not a seqno ack packet")
	}
	body := pkt[HeaderLen:]
	return &SeqnoAck{
		VBucket:   h.VBucketOrStatus,
		MemSeqno:  binary.BigEndian.Uint64(body[0:]),
		DiskSeqno: binary.BigEndian.Uint64(body[8:]),
		Opaque:    h.Opaque,
	}, nil
}

// StreamReq opens a stream:
// flags(4) reserved(4) start(8) end(8) uuid(8) snap_start(8) snap_end(8).
type StreamReq struct {
	VBucket   uint16
	Flags     uint32
	Start     uint64
	End       uint64
	UUID      uint64
	SnapStart uint64
	SnapEnd   uint64
	Opaque    uint32
}

// Encode builds the stream request packet.
func (r *StreamReq) Encode() []byte {
	h := &Header{Magic: MagicReq, Opcode: OpDcpStreamReq, VBucketOrStatus: r.VBucket, Opaque: r.Opaque}
	extras := make([]byte, 48)
	binary.BigEndian.PutUint32(extras[0:], r.Flags)
	binary.BigEndian.PutUint64(extras[8:], r.Start)
	binary.BigEndian.PutUint64(extras[16:], r.End)
	binary.BigEndian.PutUint64(extras[24:], r.UUID)
	binary.BigEndian.PutUint64(extras[32:], r.SnapStart)
	binary.BigEndian.PutUint64(extras[40:], r.SnapEnd)
	return assemble(h, nil, extras, nil, nil, nil)
}

// DecodeStreamReq parses a stream request.
func DecodeStreamReq(pkt []byte) (*StreamReq, error) {
	h, err := DecodeHeader(pkt)
	if err != nil {
		return nil, err
	}
	if h.Opcode != OpDcpStreamReq || h.Magic != MagicReq || h.ExtLen != 48 {
		return nil, fmt.Errorf("not a stream request packet")
	}
	body := pkt[HeaderLen:]
	return &StreamReq{
		VBucket:   h.VBucketOrStatus,
		Flags:     binary.BigEndian.Uint32(body[0:]),
		Start:     binary.BigEndian.Uint64(body[8:]),
		End:       binary.BigEndian.Uint64(body[16:]),
		UUID:      binary.BigEndian.Uint64(body[24:]),
		SnapStart: binary.BigEndian.Uint64(body[32:]),
		SnapEnd:   binary.BigEndian.Uint64(body[40:]),
		Opaque:    h.Opaque,
	}, nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
)

// Magic bytes distinguishing packet kinds. The alt magics carry framing
// extras (stream-id) between the header and the extras.
const (
	MagicReq    uint8 = 0x80
	MagicRes    uint8 = 0x81
	MagicAltReq uint8 = 0x08
	MagicAltRes uint8 = 0x18
)

// Opcode identifies the operation in a packet header.
type Opcode uint8

// Change-stream opcodes.
const (
	OpDcpPrepare        Opcode = 0x53
	OpDcpSeqnoAck       Opcode = 0x54
	OpDcpCommit         Opcode = 0x55
	OpDcpStreamReq      Opcode = 0x56 // request magic
	OpDcpAbort          Opcode = 0x56 // response magic
	OpDcpMutation       Opcode = 0x57
	OpDcpDeletion       Opcode = 0x58
	OpDcpExpiration     Opcode = 0x59
	OpDcpSnapshotMarker Opcode = 0x5a
	OpDcpSetVBState     Opcode = 0x5b
	OpDcpNoop           Opcode = 0x5c
	OpDcpBufferAck      Opcode = 0x5d
	OpDcpControl        Opcode = 0x5e
	OpDcpSystemEvent    Opcode = 0x5f
	OpDcpStreamEnd      Opcode = 0x60
)

// Snapshot marker flags.
const (
	SnapshotFlagMemory     uint32 = 0x01
	SnapshotFlagDisk       uint32 = 0x02
	SnapshotFlagCheckpoint uint32 = 0x04
	SnapshotFlagAck        uint32 = 0x08
)

// StreamEndReason is carried in the stream_end extras.
type StreamEndReason uint32

const (
	StreamEndOK StreamEndReason = iota
	StreamEndStateChanged
	StreamEndRollback
	StreamEndDisconnected
	StreamEndClosedByConsumer
)

// HeaderLen is the fixed header size.
const HeaderLen = 24

// Header is the 24-byte fixed packet header. VBucketOrStatus carries the
// partition id on requests and the status code on responses. All multi-byte
// fields are big-endian.
type Header struct {
	Magic           uint8
	Opcode          Opcode
	KeyLen          uint16
	FrameExtLen     uint8 // alt magics only
	ExtLen          uint8
	Datatype        uint8
	VBucketOrStatus uint16
	BodyLen         uint32
	Opaque          uint32
	CAS             uint64
}

// IsAlt reports whether the magic carries framing extras.
func (h *Header) IsAlt() bool {
	return h.Magic == MagicAltReq || h.Magic == MagicAltRes
}

// Encode writes the header into a fresh 24-byte slice.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = h.Magic
	buf[1] = uint8(h.Opcode)
	if h.IsAlt() {
		buf[2] = h.FrameExtLen
		buf[3] = uint8(h.KeyLen)
	} else {
		binary.BigEndian.PutUint16(buf[2:], h.KeyLen)
	}
	buf[4] = h.ExtLen
	buf[5] = h.Datatype
	binary.BigEndian.PutUint16(buf[6:], h.VBucketOrStatus)
	binary.BigEndian.PutUint32(buf[8:], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:], h.CAS)
	return buf
}

// DecodeHeader parses a fixed header.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderLen {
		return nil, fmt.Errorf("header truncated: %d bytes", len(buf))
	}
	h := &Header{
		Magic:           buf[0],
		Opcode:          Opcode(buf[1]),
		ExtLen:          buf[4],
		Datatype:        buf[5],
		VBucketOrStatus: binary.BigEndian.Uint16(buf[6:]),
		BodyLen:         binary.BigEndian.Uint32(buf[8:]),
		Opaque:          binary.BigEndian.Uint32(buf[12:]),
		CAS:             binary.BigEndian.Uint64(buf[16:]),
	}
	switch h.Magic {
	case MagicReq, MagicRes:
		h.KeyLen = binary.BigEndian.Uint16(buf[2:])
	case MagicAltReq, MagicAltRes:
		h.FrameExtLen = buf[2]
		h.KeyLen = uint16(buf[3])
	default:
		return nil, fmt.Errorf("unknown magic 0x%02x", buf[0])
	}
	return h, nil
}

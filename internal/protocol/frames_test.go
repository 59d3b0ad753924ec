package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/riptidedb/riptide/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeader_EncodeDecode(t *testing.T) {
	h := &protocol.Header{
		Magic:           protocol.MagicRes,
		Opcode:          protocol.OpDcpMutation,
		KeyLen:          5,
		ExtLen:          31,
		Datatype:        0x01,
		VBucketOrStatus: 7,
		BodyLen:         100,
		Opaque:          0xdeadbeef,
		CAS:             0x1122334455667788,
	}
	buf := h.Encode()
	require.Len(t, buf, protocol.HeaderLen)

	// Big-endian multi-byte fields.
	assert.Equal(t, uint16(5), binary.BigEndian.Uint16(buf[2:]))
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(buf[6:]))

	parsed, err := protocol.DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, parsed)
}

func TestHeader_UnknownMagicRejected(t *testing.T) {
	buf := make([]byte, protocol.HeaderLen)
	buf[0] = 0x42
	_, err := protocol.DecodeHeader(buf)
	require.Error(t, err)
}

func TestMutation_RoundTrip(t *testing.T) {
	m := &protocol.Mutation{
		VBucket:    7,
		Seqno:      12,
		RevSeqno:   3,
		Flags:      0xcafe,
		Expiration: 3600,
		LockTime:   15,
		NRU:        2,
		Datatype:   0x01,
		CAS:        999,
		Key:        []byte("hello"),
		Xmeta:      []byte{0xaa, 0xbb},
		Value:      []byte("world"),
	}
	pkt := m.Encode()

	h, err := protocol.DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint8(31), h.ExtLen)
	assert.Equal(t, uint32(31+5+2+5), h.BodyLen)

	parsed, err := protocol.DecodeMutation(pkt)
	require.NoError(t, err)
	assert.Equal(t, m, parsed)
}

func TestMutation_StreamIDUsesAltMagic(t *testing.T) {
	sid := uint16(3)
	m := &protocol.Mutation{
		VBucket:  7,
		StreamID: &sid,
		Seqno:    1,
		Key:      []byte("k"),
		Value:    []byte("v"),
	}
	pkt := m.Encode()
	assert.Equal(t, protocol.MagicAltRes, pkt[0])

	parsed, err := protocol.DecodeMutation(pkt)
	require.NoError(t, err)
	require.NotNil(t, parsed.StreamID)
	assert.Equal(t, sid, *parsed.StreamID)
	assert.Equal(t, []byte("k"), parsed.Key)
	assert.Equal(t, []byte("v"), parsed.Value)
}

func TestDeletionV1Extras(t *testing.T) {
	d := &protocol.Deletion{VBucket: 1, Seqno: 4, RevSeqno: 2, Key: []byte("k"), Xmeta: []byte{1, 2, 3}}
	pkt := d.Encode()
	h, err := protocol.DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint8(18), h.ExtLen)
	// nmeta rides at extras offset 16.
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(pkt[protocol.HeaderLen+16:]))
}

func TestDeletionV2AndExpirationExtras(t *testing.T) {
	d := &protocol.DeletionV2{VBucket: 1, Seqno: 4, RevSeqno: 2, DeleteTime: 77, Key: []byte("k")}
	pkt := d.Encode()
	h, err := protocol.DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDcpDeletion, h.Opcode)
	assert.Equal(t, uint8(20), h.ExtLen)

	d.Expiration = true
	h, err = protocol.DecodeHeader(d.Encode())
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDcpExpiration, h.Opcode)
}

func TestSnapshotMarker_RoundTrip(t *testing.T) {
	s := &protocol.SnapshotMarker{
		VBucket: 7,
		Start:   1,
		End:     2,
		Flags:   protocol.SnapshotFlagMemory | protocol.SnapshotFlagCheckpoint,
	}
	parsed, err := protocol.DecodeSnapshotMarker(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestStreamReq_RoundTrip(t *testing.T) {
	r := &protocol.StreamReq{
		VBucket:   7,
		Flags:     1,
		Start:     4,
		End:       ^uint64(0),
		UUID:      0xabcdef,
		SnapStart: 4,
		SnapEnd:   4,
		Opaque:    9,
	}
	pkt := r.Encode()
	h, err := protocol.DecodeHeader(pkt)
	require.NoError(t, err)
	assert.Equal(t, protocol.MagicReq, h.Magic)
	assert.Equal(t, uint8(48), h.ExtLen)

	parsed, err := protocol.DecodeStreamReq(pkt)
	require.NoError(t, err)
	assert.Equal(t, r, parsed)
}

func TestSeqnoAck_RoundTrip(t *testing.T) {
	a := &protocol.SeqnoAck{VBucket: 7, MemSeqno: 5, DiskSeqno: 3, Opaque: 1}
	parsed, err := protocol.DecodeSeqnoAck(a.Encode())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestCommit_RoundTrip(t *testing.T) {
	c := &protocol.Commit{VBucket: 7, PreparedSeqno: 5, CommitSeqno: 6, Key: []byte("k")}
	parsed, err := protocol.DecodeCommit(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestPrepareExtrasLen(t *testing.T) {
	p := &protocol.Prepare{VBucket: 7, Seqno: 5, Durability: 1, Key: []byte("k"), Value: []byte("v")}
	h, err := protocol.DecodeHeader(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, protocol.OpDcpPrepare, h.Opcode)
	assert.Equal(t, uint8(30), h.ExtLen)
}

func TestStreamEnd_RoundTrip(t *testing.T) {
	s := &protocol.StreamEnd{VBucket: 7, Reason: protocol.StreamEndStateChanged}
	parsed, err := protocol.DecodeStreamEnd(s.Encode())
	require.NoError(t, err)
	assert.Equal(t, s, parsed)
}

func TestBufferAck_RoundTrip(t *testing.T) {
	b := &protocol.BufferAck{Bytes: 4096, Opaque: 2}
	parsed, err := protocol.DecodeBufferAck(b.Encode())
	require.NoError(t, err)
	assert.Equal(t, b, parsed)
}

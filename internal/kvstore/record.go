package kvstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/riptidedb/riptide/internal/item"
)

// crc32Table is precomputed once; all record checksums use the IEEE
// polynomial.
var crc32Table = crc32.MakeTable(crc32.IEEE)

// recordKind distinguishes log record payloads.
type recordKind uint8

const (
	recordDocument recordKind = iota
	recordPrepare
	recordCommit
	recordAbort
	recordSnapshot
)

// record is one entry in a partition's append-only log segment.
type record struct {
	Kind          recordKind `json:"kind"`
	Key           []byte     `json:"key,omitempty"`
	Value         []byte     `json:"value,omitempty"`
	Flags         uint32     `json:"flags,omitempty"`
	Datatype      uint8      `json:"datatype,omitempty"`
	Expiry        uint32     `json:"expiry,omitempty"`
	CAS           uint64     `json:"cas,omitempty"`
	RevSeqno      uint64     `json:"rev_seqno,omitempty"`
	Seqno         uint64     `json:"seqno"`
	Deleted       bool       `json:"deleted,omitempty"`
	PreparedSeqno uint64     `json:"prepared_seqno,omitempty"`

	// Snapshot records carry the flushed window instead of a document.
	SnapStart uint64 `json:"snap_start,omitempty"`
	SnapEnd   uint64 `json:"snap_end,omitempty"`
}

// recordFromItem maps a queued item onto its log representation.
func recordFromItem(it *item.Item) *record {
	r := &record{
		Key:      it.Key,
		Value:    it.Value,
		Flags:    it.Flags,
		Datatype: uint8(it.Datatype),
		Expiry:   it.Expiry,
		CAS:      it.CAS,
		RevSeqno: it.RevSeqno,
		Seqno:    it.Seqno,
	}
	switch it.Op {
	case item.OpDeletion, item.OpExpiration:
		r.Kind = recordDocument
		r.Deleted = true
		r.Value = nil
	case item.OpPendingSyncWrite:
		r.Kind = recordPrepare
		r.Deleted = it.SyncDelete
	case item.OpCommitSyncWrite:
		r.Kind = recordCommit
		r.PreparedSeqno = it.PreparedSeqno
	case item.OpAbortSyncWrite:
		r.Kind = recordAbort
		r.PreparedSeqno = it.PreparedSeqno
	default:
		r.Kind = recordDocument
	}
	return r
}

// toItem materializes the persisted version for readers and backfill.
func (r *record) toItem(vbid uint16) *item.Item {
	it := &item.Item{
		Key:      r.Key,
		Value:    r.Value,
		VBucket:  vbid,
		Flags:    r.Flags,
		Datatype: item.Datatype(r.Datatype),
		Expiry:   r.Expiry,
		CAS:      r.CAS,
		RevSeqno: r.RevSeqno,
		Seqno:    r.Seqno,
		Op:       item.OpMutation,
	}
	if r.Deleted {
		it.Op = item.OpDeletion
	}
	return it
}

// writeRecord frames a record as [size uint32][crc uint32][payload] in
// big-endian, matching the engine's wire conventions.
func writeRecord(w io.Writer, r *record) (int, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("marshal record: %w", err)
	}
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[4:], crc32.Checksum(payload, crc32Table))
	if _, err := w.Write(hdr); err != nil {
		return 0, err
	}
	n, err := w.Write(payload)
	return 8 + n, err
}

// readRecord reads one framed record; io.EOF cleanly ends a segment.
func readRecord(r io.Reader) (*record, error) {
	hdr := make([]byte, 8)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[0:])
	sum := binary.BigEndian.Uint32(hdr[4:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if crc32.Checksum(payload, crc32Table) != sum {
		return nil, fmt.Errorf("record checksum mismatch")
	}
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

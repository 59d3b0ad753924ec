package vbucket

import (
	"encoding/json"
	"fmt"

	"github.com/riptidedb/riptide/internal/failover"
)

// State is the lifecycle state of a partition.
type State uint8

const (
	// StateActive accepts client writes and produces DCP.
	StateActive State = iota
	// StateReplica accepts only replicated writes.
	StateReplica
	// StatePending queues client operations until promotion.
	StatePending
	// StateDead rejects everything and awaits deletion.
	StateDead
)

// String returns the state name used in the persisted blob.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReplica:
		return "replica"
	case StatePending:
		return "pending"
	case StateDead:
		return "dead"
	}
	return "unknown"
}

// ParseState maps a persisted state name back to its value.
func ParseState(s string) (State, error) {
	switch s {
	case "active":
		return StateActive, nil
	case "replica":
		return StateReplica, nil
	case "pending":
		return StatePending, nil
	case "dead":
		return StateDead, nil
	}
	return StateDead, fmt.Errorf("unknown vbucket state %q", s)
}

// PersistedState is the per-partition JSON blob stored by the KVStore.
// Numeric fields are serialized as strings; parse-then-serialize reproduces
// the input byte for byte.
type PersistedState struct {
	State               string           `json:"state"`
	CheckpointID        string           `json:"checkpoint_id"`
	MaxDeletedSeqno     string           `json:"max_deleted_seqno"`
	FailoverTable       []failover.Entry `json:"failover_table"`
	SnapStart           string           `json:"snap_start"`
	SnapEnd             string           `json:"snap_end"`
	MaxCAS              string           `json:"max_cas"`
	MightContainXattrs  bool             `json:"might_contain_xattrs"`
	SupportsCollections bool             `json:"supports_collections"`
}

// Encode serializes the blob.
func (ps *PersistedState) Encode() ([]byte, error) {
	return json.Marshal(ps)
}

// DecodePersistedState parses a stored blob.
func DecodePersistedState(blob []byte) (*PersistedState, error) {
	var ps PersistedState
	if err := json.Unmarshal(blob, &ps); err != nil {
		return nil, fmt.Errorf("parse vbucket state: %w", err)
	}
	return &ps, nil
}

// NeedsToBePersisted reports whether the blob must be rewritten given the
// previously stored one: only state and failover table changes force a
// rewrite; everything else rides along with checkpoint flushes.
func (ps *PersistedState) NeedsToBePersisted(prev *PersistedState) bool {
	if prev == nil {
		return true
	}
	if ps.State != prev.State {
		return true
	}
	if len(ps.FailoverTable) != len(prev.FailoverTable) {
		return true
	}
	for i := range ps.FailoverTable {
		if ps.FailoverTable[i] != prev.FailoverTable[i] {
			return true
		}
	}
	return false
}

// Reset clears everything except the state name and the collections flag,
// mirroring a partition reset.
func (ps *PersistedState) Reset() {
	ps.CheckpointID = "0"
	ps.MaxDeletedSeqno = "0"
	ps.FailoverTable = nil
	ps.SnapStart = "0"
	ps.SnapEnd = "0"
	ps.MaxCAS = "0"
	ps.MightContainXattrs = false
}

// u64str formats the quoted-number fields of the persisted blob.
func u64str(v uint64) string {
	return fmt.Sprintf("%d", v)
}

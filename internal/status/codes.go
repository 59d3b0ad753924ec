package status

import (
	"fmt"
)

// Code represents an engine status code. Codes below 0xff00 share the wire
// numbering of the binary protocol status field; codes at 0xff00 and above
// are engine-internal and never leave the process.
type Code uint16

const (
	// Success indicates the operation completed successfully.
	Success Code = 0x00

	// KeyMissing occurs when an operation targets a key that does not exist.
	KeyMissing Code = 0x01

	// KeyExists occurs when a CAS check fails or an ADD targets an
	// existing key.
	KeyExists Code = 0x02

	// TooBig occurs when a value exceeds the configured maximum item size.
	TooBig Code = 0x03

	// InvalidArgument occurs when request parameters fail validation.
	InvalidArgument Code = 0x04

	// NotStored occurs when a store operation could not be performed.
	NotStored Code = 0x05

	// DeltaBadValue occurs when an arithmetic operation targets a
	// non-numeric value.
	DeltaBadValue Code = 0x06

	// NotMyPartition occurs when an operation is routed to a partition this
	// node is not active for.
	NotMyPartition Code = 0x07

	// NoBucket occurs when no bucket has been selected or created.
	NoBucket Code = 0x08

	// Locked occurs when a mutation targets a locked document.
	Locked Code = 0x09

	// AuthStale occurs when authentication credentials have been
	// invalidated.
	AuthStale Code = 0x1f

	// Access occurs when the caller lacks the privilege for an operation.
	Access Code = 0x24

	// Range occurs when a requested range (e.g. a stream seqno window) is
	// not valid.
	Range Code = 0x22

	// Rollback instructs a stream consumer to roll back to the seqno
	// carried in the response body.
	Rollback Code = 0x23

	// NoMemory occurs when the bucket memory quota prevents the operation.
	NoMemory Code = 0x82

	// NotSupported occurs when the operation is understood but not
	// supported by this engine build or configuration.
	NotSupported Code = 0x83

	// Failed is a generic internal failure.
	Failed Code = 0x84

	// Busy occurs when the engine is too busy to take the operation now.
	Busy Code = 0x85

	// TempFailure occurs when a transient condition prevents the
	// operation; retrying later will likely succeed.
	TempFailure Code = 0x86

	// UnknownCollection occurs when a key addresses a collection that is
	// not in the current manifest.
	UnknownCollection Code = 0x88

	// CollectionsManifestAhead occurs when a partition holds a newer
	// manifest than the one supplied.
	CollectionsManifestAhead Code = 0x89

	// DurabilityImpossible occurs when a durability requirement can never
	// be satisfied by the current replication chain.
	DurabilityImpossible Code = 0xa1

	// SyncWriteInProgress occurs when a key already has a pending
	// synchronous write.
	SyncWriteInProgress Code = 0xa2

	// SyncWriteAmbiguous occurs when a synchronous write timed out or was
	// interrupted before its outcome was decided.
	SyncWriteAmbiguous Code = 0xa3

	// DcpStreamIdInvalid occurs when a stream-id is supplied on a
	// connection that did not negotiate them, or vice versa.
	DcpStreamIdInvalid Code = 0xa5

	// Engine-internal codes. Never serialized onto the wire.

	// WouldBlock indicates the operation has been suspended and the cookie
	// will be notified with a terminal status later. Not an error.
	WouldBlock Code = 0xff01

	// Disconnect indicates the connection should be dropped.
	Disconnect Code = 0xff02

	// PredicateFailed occurs when a caller-supplied predicate over the
	// existing document rejected the mutation.
	PredicateFailed Code = 0xff03

	// LockedTempFailure is the extended-error variant of Locked returned
	// to lock-aware operations.
	LockedTempFailure Code = 0xff04

	// CannotApply occurs when a collections manifest update is rejected by
	// a partition and has been rolled back.
	CannotApply Code = 0xff05

	// LogicError indicates an internal invariant violation. Callers are
	// not expected to handle it; the affected partition is marked dead.
	LogicError Code = 0xff06
)

var codeNames = map[Code]string{
	Success:                  "success",
	KeyMissing:               "key_missing",
	KeyExists:                "key_exists",
	TooBig:                   "too_big",
	InvalidArgument:          "invalid_argument",
	NotStored:                "not_stored",
	DeltaBadValue:            "delta_bad_value",
	NotMyPartition:           "not_my_partition",
	NoBucket:                 "no_bucket",
	Locked:                   "locked",
	AuthStale:                "auth_stale",
	Access:                   "access",
	Range:                    "range",
	Rollback:                 "rollback",
	NoMemory:                 "no_memory",
	NotSupported:             "not_supported",
	Failed:                   "failed",
	Busy:                     "busy",
	TempFailure:              "temp_failure",
	UnknownCollection:        "unknown_collection",
	CollectionsManifestAhead: "collections_manifest_ahead",
	DurabilityImpossible:     "durability_impossible",
	SyncWriteInProgress:      "sync_write_in_progress",
	SyncWriteAmbiguous:       "sync_write_ambiguous",
	DcpStreamIdInvalid:       "dcp_stream_id_invalid",
	WouldBlock:               "would_block",
	Disconnect:               "disconnect",
	PredicateFailed:          "predicate_failed",
	LockedTempFailure:        "locked_temp_failure",
	CannotApply:              "cannot_apply",
	LogicError:               "logic_error",
}

// String returns the lower-case name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(0x%x)", uint16(c))
}

// IsInternal reports whether the code never leaves the process.
func (c Code) IsInternal() bool {
	return c >= 0xff00
}

// RemapForClient maps engine codes onto the subset a client understands.
// Clients that negotiated extended errors (xerror) receive the richer codes
// unchanged, except LockedTempFailure, CannotApply and PredicateFailed, which
// become TempFailure; legacy clients get the classic equivalents.
func RemapForClient(c Code, xerror bool) Code {
	if xerror {
		switch c {
		case LockedTempFailure, CannotApply, PredicateFailed:
			return TempFailure
		default:
			return c
		}
	}
	switch c {
	case Locked:
		return KeyExists
	case LockedTempFailure:
		return TempFailure
	case SyncWriteInProgress:
		return TempFailure
	case PredicateFailed, CannotApply:
		return TempFailure
	default:
		return c
	}
}

// Package chain implements the hash-linked, append-only event log that
// records every byte crossing an actor's sandbox boundary. The chain is the
// specification: a different implementation of the same actor is "correct"
// iff it produces the same chain on the same inputs.
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EventHash is the content hash identifying one ChainEvent.
type EventHash [sha256.Size]byte

// String returns the hex encoding of the hash.
func (h EventHash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether this is the genesis marker.
func (h EventHash) IsZero() bool {
	return h == EventHash{}
}

// Genesis is the fixed marker used as the parent hash of the first event in
// every chain.
var Genesis EventHash

// Event is one record in an actor's chain: a parent hash, a timestamp, a
// namespaced event type, an opaque typed-per-kind payload, and an optional
// human-readable description.
type Event struct {
	ParentHash  EventHash `json:"parent_hash"`
	Timestamp   int64     `json:"timestamp"` // unix nanoseconds
	EventType   string    `json:"event_type"`
	Data        []byte    `json:"data"`
	Description string    `json:"description,omitempty"`
}

// Hash computes the content hash of the event over its preceding fields, in
// a fixed, unambiguous encoding. This is the link in the hash chain: event
// n's ParentHash must equal Hash() of event n-1.
func (e Event) Hash() EventHash {
	h := sha256.New()
	h.Write(e.ParentHash[:])

	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(e.Timestamp))
	h.Write(tsBuf[:])

	writeLenPrefixed(h, []byte(e.EventType))
	writeLenPrefixed(h, e.Data)
	writeLenPrefixed(h, []byte(e.Description))

	var out EventHash
	copy(out[:], h.Sum(nil))
	return out
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// StateChangeData is the typed payload of a "state-change" event: the event
// kind recorded by the actor store after every successful invocation.
type StateChangeData struct {
	PreStateHash  string `json:"pre_state_hash"`
	PostStateHash string `json:"post_state_hash"`
}

// Marshal encodes the payload to bytes for use as an Event's Data field.
func (d StateChangeData) Marshal() []byte {
	b, err := json.Marshal(d)
	if err != nil {
		// Only fails on non-marshalable types, which this struct is not.
		panic(fmt.Sprintf("chain: unreachable marshal failure: %v", err))
	}
	return b
}

// Well-known namespaced event types. Concrete handlers define their own
// under the same `theater:simple/<handler>/<verb>` convention.
const (
	EventTypeGenesis          = "theater:core/chain/genesis"
	EventTypeStateChange      = "theater:core/actor/state-change"
	EventTypeTrapped          = "theater:core/actor/trapped"
	EventTypePermissionDenied = "theater:core/actor/permission-denied"
	EventTypeForceTerminated  = "theater:core/actor/force-terminated"
)

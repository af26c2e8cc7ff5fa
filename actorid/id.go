// Package actorid defines the opaque, globally unique identifier used to
// name actors for the lifetime of the runtime.
package actorid

import (
	"errors"

	"github.com/google/uuid"
)

// ID is an opaque, cryptographically random identifier for an actor. It is
// stable for the actor's lifetime and used as the key in every registry the
// runtime maintains (the actor table, supervision's child records, the
// message router's mailbox map).
type ID struct {
	value uuid.UUID
}

// Nil is the zero-value ID. It never identifies a real actor.
var Nil ID

// New generates a fresh, cryptographically random ID.
func New() ID {
	return ID{value: uuid.New()}
}

// Parse parses the canonical string form of an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, errors.New("actorid: invalid id: " + err.Error())
	}
	return ID{value: u}, nil
}

// String returns the canonical textual representation.
func (id ID) String() string {
	return id.value.String()
}

// IsNil reports whether this is the zero-value ID.
func (id ID) IsNil() bool {
	return id.value == uuid.Nil
}

// MarshalText implements encoding.TextMarshaler so IDs round-trip cleanly
// through JSON and YAML.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.value.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return errors.New("actorid: invalid id: " + err.Error())
	}
	id.value = u
	return nil
}

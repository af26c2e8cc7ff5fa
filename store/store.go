// Package store implements the content-addressed blob and label storage
// shared by actors and the runtime. Storage is namespaced by store id:
// each store gets its own directory with a data/ subdirectory (one file
// per blob, named by hash) and a labels/ subdirectory (one file per
// label, containing the hash it points to).
package store

import (
	"context"
	"crypto/sha1" //nolint:gosec // content addressing, not a security boundary.
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the ref does not name a stored blob,
// and (wrapped) by ReplaceContentAtLabel and ReplaceAtLabel when the label
// is unbound or, for ReplaceAtLabel, the ref is not stored.
var ErrNotFound = errors.New("store: not found")

// Ref is a content-addressed identifier: the hash of a byte blob. Two refs
// compare equal iff their underlying content is equal.
type Ref struct {
	hash [sha1.Size]byte
}

// RefOf computes the Ref for a byte slice without storing it.
func RefOf(data []byte) Ref {
	return Ref{hash: sha1.Sum(data)} //nolint:gosec
}

// ParseRef parses the hex string form of a Ref, as produced by String().
func ParseRef(s string) (Ref, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != sha1.Size {
		return Ref{}, fmt.Errorf("store: invalid ref %q", s)
	}
	var r Ref
	copy(r.hash[:], b)
	return r, nil
}

// String returns the hex encoding of the ref, which is also the blob's
// on-disk filename.
func (r Ref) String() string {
	return hex.EncodeToString(r.hash[:])
}

// IsZero reports whether this is the zero-value ref (never a valid blob
// hash in practice, but useful as a sentinel).
func (r Ref) IsZero() bool {
	return r == Ref{}
}

// Store is a keyed bag of blobs plus a separate label-to-ref mapping,
// namespaced by an id chosen at construction. Implementations must satisfy:
// store(get(r)) == r for any existing ref, get(store(b)) == b, and setting
// a label overwrites any previous binding with no implicit history.
type Store interface {
	// Store writes data and returns its content ref. Storing identical
	// content twice returns the same ref without duplicating storage.
	Store(ctx context.Context, data []byte) (Ref, error)
	// Get returns the bytes for ref, or ErrNotFound.
	Get(ctx context.Context, ref Ref) ([]byte, error)
	// Exists reports whether ref names a stored blob.
	Exists(ctx context.Context, ref Ref) (bool, error)

	// Label binds name to ref, overwriting any previous binding.
	Label(ctx context.Context, name string, ref Ref) error
	// GetByLabel resolves a label to its ref. ok is false if unbound.
	GetByLabel(ctx context.Context, name string) (ref Ref, ok bool, err error)
	// RemoveLabel unbinds name. Idempotent: removing an already-unbound
	// label is not an error.
	RemoveLabel(ctx context.Context, name string) error
	// StoreAtLabel stores data and labels it to name in one step.
	StoreAtLabel(ctx context.Context, name string, data []byte) (Ref, error)
	// ReplaceContentAtLabel stores newData and re-points name's existing
	// label at it, returning the new ref. Fails if name is not yet bound.
	ReplaceContentAtLabel(ctx context.Context, name string, newData []byte) (Ref, error)
	// ReplaceAtLabel re-points name's existing label at an already-stored
	// ref. Fails if name is not yet bound.
	ReplaceAtLabel(ctx context.Context, name string, ref Ref) error
	// ListLabels returns every currently bound label name.
	ListLabels(ctx context.Context) ([]string, error)

	// ListAllContent returns the ref of every blob currently stored.
	ListAllContent(ctx context.Context) ([]Ref, error)
	// CalculateTotalSize returns the sum, in bytes, of every stored blob.
	CalculateTotalSize(ctx context.Context) (int64, error)
}

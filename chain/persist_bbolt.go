package chain

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

// BoltPersister persists chain events to a single bbolt database file, one
// bucket per actor ID, keyed by big-endian event index. bbolt commits are
// fsync'd transactions, so a crash mid-append leaves the bucket exactly as
// of the last committed index — there is no partially-written event to
// discard.
type BoltPersister struct {
	db *bbolt.DB
}

// NewBoltPersister opens (creating if necessary) a bbolt database at path
// for use as chain persistence.
func NewBoltPersister(path string) (*BoltPersister, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: error opening chain database at %s: %w", path, err)
	}
	return &BoltPersister{db: db}, nil
}

// Close releases the underlying database handle.
func (p *BoltPersister) Close() error {
	return p.db.Close()
}

func bucketName(actorID string) []byte {
	return []byte("actor:" + actorID)
}

func indexKey(index int) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(index))
	return b[:]
}

// Persist implements Persister.
func (p *BoltPersister) Persist(_ context.Context, actorID string, index int, event Event) error {
	marshaled, err := json.Marshal(&event)
	if err != nil {
		return fmt.Errorf("chain: error marshaling event: %w", err)
	}

	return p.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName(actorID))
		if err != nil {
			return fmt.Errorf("chain: error creating bucket for actor %s: %w", actorID, err)
		}
		return b.Put(indexKey(index), marshaled)
	})
}

// Load implements Persister.
func (p *BoltPersister) Load(_ context.Context, actorID string) ([]Event, error) {
	var events []Event
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName(actorID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("chain: error unmarshaling persisted event for actor %s: %w", actorID, err)
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("chain: error loading events for actor %s: %w", actorID, err)
	}
	return events, nil
}

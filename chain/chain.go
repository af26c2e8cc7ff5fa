package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Persister durably stores chain events keyed by actor id. Implementations
// must make append crash-safe: a partially-written event must not be
// visible to Load after a restart.
type Persister interface {
	// Persist appends one event at the given zero-based index for actorID.
	Persist(ctx context.Context, actorID string, index int, event Event) error
	// Load returns every previously persisted event for actorID, in order.
	Load(ctx context.Context, actorID string) ([]Event, error)
}

// Chain is the ordered, per-actor, single-writer event log plus a handle
// that allows appending. It is conceptually owned by the runtime (so it can
// outlive the actor's sandbox instance) and is safe to share, as the same
// *Chain pointer, between the actor's own store (for recording inside handlers) and the
// runtime (for inspection and persistence).
type Chain struct {
	mu      sync.Mutex
	actorID string
	events  []Event

	persister Persister
	// clock deduplicates concurrent timestamp reads through a
	// singleflight.Group, even though in practice a single actor's
	// operation channel serializes all appends for that actor.
	clock singleflight.Group
	now   func() int64
}

// New constructs a Chain for actorID. If persister is non-nil, any
// previously persisted events are loaded and replace the in-memory tail,
// so a chain may be loaded for inspection after a restart.
func New(ctx context.Context, actorID string, persister Persister) (*Chain, error) {
	c := &Chain{
		actorID:   actorID,
		persister: persister,
		now:       func() int64 { return time.Now().UnixNano() },
	}
	if persister != nil {
		events, err := persister.Load(ctx, actorID)
		if err != nil {
			return nil, fmt.Errorf("chain: error loading persisted events for actor %s: %w", actorID, err)
		}
		c.events = events
	}
	return c, nil
}

// Append computes the new parent hash from the tail, builds the event, adds
// it to the in-memory tail, and (if persistence is enabled) writes it to
// durable storage before returning. Handlers that mediate a boundary call
// are required to call Append once before invoking the underlying action
// and once after.
func (c *Chain) Append(ctx context.Context, eventType string, data []byte, description string) (EventHash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parent := Genesis
	if len(c.events) > 0 {
		parent = c.events[len(c.events)-1].Hash()
	}

	ts, err, _ := c.clock.Do(c.actorID, func() (any, error) {
		return c.now(), nil
	})
	if err != nil {
		return EventHash{}, fmt.Errorf("chain: error allocating timestamp: %w", err)
	}

	ev := Event{
		ParentHash:  parent,
		Timestamp:   ts.(int64),
		EventType:   eventType,
		Data:        data,
		Description: description,
	}

	if c.persister != nil {
		if err := c.persister.Persist(ctx, c.actorID, len(c.events), ev); err != nil {
			return EventHash{}, fmt.Errorf("chain: error persisting event: %w", err)
		}
	}

	c.events = append(c.events, ev)
	return ev.Hash(), nil
}

// Tail returns the hash of the most recently appended event, or Genesis if
// the chain is empty.
func (c *Chain) Tail() EventHash {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return Genesis
	}
	return c.events[len(c.events)-1].Hash()
}

// Events returns a copy of every event in the chain, in order.
func (c *Chain) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// EventsSince returns every event after the one whose hash is given. Passing
// Genesis returns every event. Returns an error if no event in the chain has
// the given hash.
func (c *Chain) EventsSince(hash EventHash) ([]Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hash == Genesis {
		out := make([]Event, len(c.events))
		copy(out, c.events)
		return out, nil
	}

	for i, ev := range c.events {
		if ev.Hash() == hash {
			out := make([]Event, len(c.events)-i-1)
			copy(out, c.events[i+1:])
			return out, nil
		}
	}
	return nil, fmt.Errorf("chain: no event with hash %s found for actor %s", hash, c.actorID)
}

// Verify recomputes every hash link from genesis forward. It returns true
// if every event's ParentHash matches the hash of the preceding event (or
// Genesis, for the first event). On the first mismatch it returns false and
// the index of the offending event.
func (c *Chain) Verify() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expected := Genesis
	for i, ev := range c.events {
		if ev.ParentHash != expected {
			return false, i
		}
		expected = ev.Hash()
	}
	return true, -1
}

// Len returns the number of events currently in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

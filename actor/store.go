// Package actor implements the actor store and the actor runtime: the
// per-actor state container, and the top-level orchestrator owning the
// actor pool, the command surface, and the spawn protocol that wires the
// bytecode engine, the handler framework, and the event chain together
// for one actor.
package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/colinrozzi/theater/chain"
)

// Store is the per-actor state container: it holds the current
// state blob, supplies it as the first call argument, and atomically
// replaces it with the returned blob after a successful call. Invariants:
// state is never mutated in place; the current state is always either the
// initial state or the most recent post-invocation state; a trapped call
// leaves the store untouched.
type Store struct {
	mu    sync.RWMutex
	state []byte
	chain *chain.Chain
}

// NewStore constructs a Store seeded with the actor's initial state and
// backed by its chain for recording state-change events.
func NewStore(initial []byte, c *chain.Chain) *Store {
	return &Store{state: append([]byte(nil), initial...), chain: c}
}

// Current returns the current state blob.
func (s *Store) Current() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.state...)
}

// Commit atomically replaces the current state with newState and appends
// the state-change event that records the transition. Callers must only
// invoke Commit after a successful call; a trapped call
// must not call Commit, leaving the store at its pre-call state.
func (s *Store) Commit(ctx context.Context, newState []byte) (chain.EventHash, error) {
	s.mu.RLock()
	pre := s.state
	s.mu.RUnlock()

	scd := chain.StateChangeData{
		PreStateHash:  chain.HashState(pre),
		PostStateHash: chain.HashState(newState),
	}
	h, err := s.chain.Append(ctx, chain.EventTypeStateChange, scd.Marshal(), "")
	if err != nil {
		return chain.EventHash{}, fmt.Errorf("actor: error appending state-change event: %w", err)
	}

	s.mu.Lock()
	s.state = append([]byte(nil), newState...)
	s.mu.Unlock()
	return h, nil
}

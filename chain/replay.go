package chain

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDivergence is returned (wrapped with the offending index) when a replay
// observes output that does not match the recorded chain.
var ErrDivergence = errors.New("chain: replay divergence")

// DivergenceError names the first recorded event a replay failed to
// reproduce.
type DivergenceError struct {
	Index int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("chain: replay diverged at event index %d", e.Index)
}

func (e *DivergenceError) Unwrap() error { return ErrDivergence }

// Invoker drives one exported-function call forward during replay: it is
// handed the export name and the parameter bytes exactly as originally
// recorded, and must return the resulting state bytes using the same
// canonical calling convention the live engine uses. Any host calls the
// export makes while executing must be answered with the responses
// already present in the recorded chain rather than fresh ones: replay
// uses the recorded response, not a freshly produced one, since handler
// responses are not guaranteed deterministic across runs. This module
// provides no Invoker implementation; the caller of Replay supplies one.
type Invoker func(export string, state, params []byte) (newState []byte, result []byte, err error)

// InvocationData is the typed payload of an "invocation" event: the request
// half of a state-mutating call, recorded immediately before the matching
// state-change event so that Replay has enough information to re-drive the
// export.
type InvocationData struct {
	Export string `json:"export"`
	Params []byte `json:"params"`
}

// Marshal encodes the payload for use as an Event's Data field.
func (d InvocationData) Marshal() []byte {
	b, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("chain: unreachable marshal failure: %v", err))
	}
	return b
}

const EventTypeInvocation = "theater:core/actor/invocation"

// HashState returns the hex-encoded sha256 digest of a state blob, used as
// both halves of StateChangeData and recomputed here during Replay to
// check a re-executed call's pre/post state against what was recorded.
func HashState(state []byte) string {
	sum := sha256.Sum256(state)
	return fmt.Sprintf("%x", sum)
}

// Replay re-derives an actor's final state from its recorded chain: it walks
// every (invocation, state-change) event pair in order, calls invoke to
// re-execute the export with the originally recorded parameters, and
// requires the resulting state hash to match the recorded PostStateHash. It
// fails with a *DivergenceError naming the first event index that could not
// be reproduced. On success it returns the state bytes after the last
// recorded state-change event.
//
// Replay operates over a fully materialized event slice (e.g. from
// Persister.Load or Chain.Events) rather than a live Chain, since a replay
// run must not itself mutate the chain it is verifying.
func Replay(events []Event, initialState []byte, invoke Invoker) (finalState []byte, err error) {
	state := initialState

	var pendingInvocation *InvocationData
	for i, ev := range events {
		switch ev.EventType {
		case EventTypeInvocation:
			var inv InvocationData
			if err := json.Unmarshal(ev.Data, &inv); err != nil {
				return nil, fmt.Errorf("chain: error decoding invocation at index %d: %w", i, err)
			}
			pendingInvocation = &inv

		case EventTypeStateChange:
			if pendingInvocation == nil {
				// A state-change with no preceding invocation (e.g. the
				// init call, which this package does not itself drive) is
				// not a divergence on its own; the caller is responsible
				// for priming initialState to match.
				continue
			}

			var want StateChangeData
			if err := json.Unmarshal(ev.Data, &want); err != nil {
				return nil, fmt.Errorf("chain: error decoding state-change at index %d: %w", i, err)
			}
			if got := HashState(state); got != want.PreStateHash {
				return nil, &DivergenceError{Index: i}
			}

			newState, _, callErr := invoke(pendingInvocation.Export, state, pendingInvocation.Params)
			if callErr != nil {
				return nil, fmt.Errorf("chain: replay call failed at index %d: %w", i, callErr)
			}
			if got := HashState(newState); got != want.PostStateHash {
				return nil, &DivergenceError{Index: i}
			}

			state = newState
			pendingInvocation = nil
		}
	}

	return state, nil
}

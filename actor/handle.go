package actor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
)

// opRequest is one exported-function invocation queued on an actor's
// serial operation channel: every call into the sandbox,
// whether it originates from an external command or from a handler
// driving the actor from outside (mailbox delivery, a process exit, an
// HTTP request), goes through this single channel, so the bytecode
// instance is effectively single-threaded from its own point of view even
// though the runtime itself is multi-threaded.
type opRequest struct {
	export string
	params []byte
	result chan<- opResult
}

type opResult struct {
	newState []byte
	result   []byte
	err      error
}

// Handle is the live, in-process representation of one actor: its engine
// instance, its Store, its Chain, and the serial operation channel that
// every call funnels through. It implements handler.ActorHandle so that
// handler instances can call back into the actor's own exports.
type Handle struct {
	id       actorid.ID
	c        *chain.Chain
	store    *Store
	instance *engine.Instance

	ops  chan opRequest
	stop chan struct{}

	// onTrap, if set, is invoked after a trapped event is recorded, letting
	// the owning Runtime notify a supervisor without this package importing
	// it.
	onTrap func(err error)
}

// newHandle constructs a live Handle and starts its serial operation loop.
func newHandle(id actorid.ID, c *chain.Chain, store *Store, instance *engine.Instance) *Handle {
	h := &Handle{
		id:       id,
		c:        c,
		store:    store,
		instance: instance,
		ops:      make(chan opRequest),
		stop:     make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Handle) loop() {
	for {
		select {
		case req := <-h.ops:
			h.serve(req)
		case <-h.stop:
			return
		}
	}
}

// serve is the only place that actually drives the bytecode instance. It
// records an invocation event, calls the engine with the canonical calling
// convention, and then either commits the new state (success) or records a
// trapped event and leaves the store untouched.
func (h *Handle) serve(req opRequest) {
	ctx := context.Background()
	current := h.store.Current()

	inv := chain.InvocationData{Export: req.export, Params: req.params}
	if _, err := h.c.Append(ctx, chain.EventTypeInvocation, inv.Marshal(), ""); err != nil {
		req.result <- opResult{err: fmt.Errorf("actor: error recording invocation: %w", err)}
		return
	}

	newState, result, err := h.instance.Call(ctx, req.export, current, req.params)
	if err != nil {
		diag, _ := json.Marshal(map[string]string{"export": req.export, "error": err.Error()})
		_, _ = h.c.Append(ctx, chain.EventTypeTrapped, diag, "")
		if h.onTrap != nil {
			h.onTrap(err)
		}
		req.result <- opResult{err: err}
		return
	}

	if _, err := h.store.Commit(ctx, newState); err != nil {
		req.result <- opResult{err: err}
		return
	}

	req.result <- opResult{newState: newState, result: result}
}

// call enqueues one export invocation on the serial operation channel and
// waits for its result.
func (h *Handle) call(ctx context.Context, export string, params []byte) (newState, result []byte, err error) {
	resultCh := make(chan opResult, 1)
	select {
	case h.ops <- opRequest{export: export, params: params, result: resultCh}:
	case <-h.stop:
		return nil, nil, fmt.Errorf("actor: %s is shutting down", h.id)
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	select {
	case res := <-resultCh:
		return res.newState, res.result, res.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// ActorID implements handler.ActorHandle.
func (h *Handle) ActorID() string { return h.id.String() }

// Chain implements handler.ActorHandle.
func (h *Handle) Chain() *chain.Chain { return h.c }

// CallExport implements handler.ActorHandle. The state argument handlers
// pass in is advisory only: the actor's own Store is the single owner of
// current state, so using it rather than a caller-supplied snapshot
// avoids a stale-state race when two handlers fetch a snapshot
// concurrently and then both try to drive a call from it.
func (h *Handle) CallExport(ctx context.Context, name string, _ []byte, params []byte) (newState, result []byte, err error) {
	return h.call(ctx, name, params)
}

// StateSnapshot lets handlers (runtimeh's get-state, processh, etc.) read
// the actor's current state without invoking an export.
func (h *Handle) StateSnapshot() []byte {
	return h.store.Current()
}

// close stops the serial operation loop. The engine instance itself is
// closed separately by the owning Runtime once every handler has been
// shut down.
func (h *Handle) close() {
	close(h.stop)
}

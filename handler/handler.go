// Package handler is the handler framework: a uniform abstraction over a
// shaped capability hole in the sandbox. Concrete
// handlers (handlers/runtimeh, handlers/randomh, etc.) implement Handler;
// the Registry decides which ones activate for a given component.
package handler

import (
	"context"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
)

// ActorHandle is the subset of actor runtime state a handler instance needs
// once the actor is live: a way to call back into the actor's own exports,
// append chain events, and learn its identity.
type ActorHandle interface {
	ActorID() string
	Chain() *chain.Chain
	// CallExport invokes one of the actor's own WASM exports using the
	// canonical calling convention, for handlers that drive the actor
	// externally (message delivery, child notifications, HTTP dispatch).
	CallExport(ctx context.Context, name string, state, params []byte) (newState, result []byte, err error)
}

// Instance is the per-actor handle a Handler produces. Handlers may hold
// shared, cross-actor configuration; Instances hold only per-actor state.
type Instance interface {
	// ClaimedImports and SetupHostFunctions let an Instance satisfy
	// engine.HostFunctionProvider directly.
	engine.HostFunctionProvider

	// AddExportFunctions records which of the actor's own exports this
	// handler may call back into, once the component is instantiated.
	AddExportFunctions(ctx context.Context, exports map[string]struct{}) error

	// Start is called once the actor is fully instantiated and live.
	// Handlers that drive the actor externally (mailbox consumers, process
	// watchers) may defer taking ownership of handle until here.
	Start(ctx context.Context, handle ActorHandle) error

	// Shutdown releases every resource this instance holds, including any
	// external registrations (e.g. the message router).
	Shutdown(ctx context.Context) error
}

// Handler is a template: one per capability family, shared across every
// actor that needs it.
type Handler interface {
	// Name is unique within a Registry.
	Name() string
	// Imports lists the component import identifiers this handler claims,
	// exact match including version.
	Imports() map[string]struct{}
	// CreateInstance produces a fresh per-actor Instance.
	CreateInstance() (Instance, error)
}

// Registry holds handler templates and decides, per spawn, which of them
// activate for a component's declared imports.
type Registry struct {
	templates []Handler
}

// NewRegistry builds a registry from handler templates, preserving
// registration order: at spawn, templates are tried in the order given
// here.
func NewRegistry(templates ...Handler) *Registry {
	r := &Registry{templates: make([]Handler, len(templates))}
	copy(r.templates, templates)
	return r
}

// Activate returns one Instance per template that claims at least one of
// componentImports, in registration order.
func (r *Registry) Activate(componentImports map[string]struct{}) ([]Instance, error) {
	var active []Instance
	for _, tmpl := range r.templates {
		claims := false
		for id := range tmpl.Imports() {
			if _, ok := componentImports[id]; ok {
				claims = true
				break
			}
		}
		if !claims {
			continue
		}
		inst, err := tmpl.CreateInstance()
		if err != nil {
			return nil, err
		}
		active = append(active, inst)
	}
	return active, nil
}

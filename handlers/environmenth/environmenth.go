// Package environmenth implements the environment handler: read-only
// access to a configured allow/deny list of environment variables,
// recording both successful reads and denials on the chain.
package environmenth

import (
	"context"
	"fmt"
	"os"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/environment"

// Handler is the environment handler template, configured once with the
// allow and deny lists it is built with (the actor runtime passes
// RuntimeConfig's lists), not per manifest.
type Handler struct {
	Allowed map[string]struct{}
	Denied  map[string]struct{}
}

func New(allowed, denied []string) *Handler {
	h := &Handler{Allowed: map[string]struct{}{}, Denied: map[string]struct{}{}}
	for _, a := range allowed {
		h.Allowed[a] = struct{}{}
	}
	for _, d := range denied {
		h.Denied[d] = struct{}{}
	}
	return h
}

func (h *Handler) Name() string { return "environment" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{allowed: h.Allowed, denied: h.Denied}, nil
}

type instance struct {
	allowed, denied map[string]struct{}
	actorID         string
	c               *chain.Chain
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) permitted(name string) bool {
	if _, denied := i.denied[name]; denied {
		return false
	}
	if len(i.allowed) == 0 {
		return true
	}
	_, ok := i.allowed[name]
	return ok
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) (ptr, length uint32, found uint32) {
			name, err := handler.ReadBytes(mod, namePtr, nameLen)
			if err != nil {
				return 0, 0, 0
			}

			var value string
			var ok bool
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/get-env", string(name), func() (any, error) {
				if !i.permitted(string(name)) {
					return nil, &handler.PermissionDeniedError{Err: fmt.Errorf("environment: access to %q denied by policy", name)}
				}
				value, ok = os.LookupEnv(string(name))
				return value, nil
			})
			if callErr != nil || !ok {
				return 0, 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, mod, []byte(value))
			if werr != nil {
				return 0, 0, 0
			}
			return p, l, 1
		}).
		Export("get-env")

	return nil
}

func (i *instance) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}

func (i *instance) Start(ctx context.Context, h handler.ActorHandle) error {
	i.actorID = h.ActorID()
	i.c = h.Chain()
	return nil
}

func (i *instance) Shutdown(ctx context.Context) error { return nil }

// Package storeh implements the store handler: a thin wrapper exposing
// the content store's content and label operations to the guest,
// recording each operation on the chain.
package storeh

import (
	"context"
	"encoding/json"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/colinrozzi/theater/store"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/store"

type labelRequest struct {
	Name string `json:"name"`
	Ref  string `json:"ref,omitempty"`
}

// Handler is the store handler template, backed by one shared content
// store (an actor may also be configured to create its own, since stores
// are freely instantiable — that choice is made by whoever constructs the
// Handler, not by this package).
type Handler struct {
	Store store.Store
}

func New(s store.Store) *Handler { return &Handler{Store: s} }

func (h *Handler) Name() string { return "store" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{store: h.Store}, nil
}

type instance struct {
	store   store.Store
	actorID string
	c       *chain.Chain
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	mod := l.Module(importID)

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, dataPtr, dataLen uint32) (ptr, length uint32) {
			data, err := handler.ReadBytes(m, dataPtr, dataLen)
			if err != nil {
				return 0, 0
			}
			var refStr string
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/store", len(data), func() (any, error) {
				ref, err := i.store.Store(ctx, data)
				if err != nil {
					return nil, err
				}
				refStr = ref.String()
				return refStr, nil
			})
			if callErr != nil {
				return 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, m, []byte(refStr))
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("store")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, refPtr, refLen uint32) (ptr, length uint32) {
			refStr, err := handler.ReadBytes(m, refPtr, refLen)
			if err != nil {
				return 0, 0
			}
			var out []byte
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/get", string(refStr), func() (any, error) {
				ref, err := store.ParseRef(string(refStr))
				if err != nil {
					return nil, err
				}
				data, err := i.store.Get(ctx, ref)
				if err != nil {
					return nil, err
				}
				out = data
				return data, nil
			})
			if callErr != nil {
				return 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, m, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("get")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ok uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req labelRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/label", req, func() (any, error) {
				ref, err := store.ParseRef(req.Ref)
				if err != nil {
					return nil, err
				}
				return nil, i.store.Label(ctx, req.Name, ref)
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("label")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, namePtr, nameLen uint32) (ptr, length uint32, found uint32) {
			name, err := handler.ReadBytes(m, namePtr, nameLen)
			if err != nil {
				return 0, 0, 0
			}
			var refStr string
			var ok bool
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/get-by-label", string(name), func() (any, error) {
				ref, found, err := i.store.GetByLabel(ctx, string(name))
				if err != nil {
					return nil, err
				}
				ok = found
				if found {
					refStr = ref.String()
				}
				return refStr, nil
			})
			if callErr != nil || !ok {
				return 0, 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, m, []byte(refStr))
			if werr != nil {
				return 0, 0, 0
			}
			return p, l, 1
		}).
		Export("get-by-label")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, namePtr, nameLen uint32) (ok uint32) {
			name, err := handler.ReadBytes(m, namePtr, nameLen)
			if err != nil {
				return 0
			}
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/remove-label", string(name), func() (any, error) {
				return nil, i.store.RemoveLabel(ctx, string(name))
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("remove-label")

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

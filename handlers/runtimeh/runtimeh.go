// Package runtimeh implements the runtime handler: log, get-state, and
// shutdown, the three capabilities every actor gets for free since they
// require no external resource.
package runtimeh

import (
	"context"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/runtime@1.0.0"

// ShutdownRequester lets the instance signal the owning actor runtime that
// this actor wants to stop.
type ShutdownRequester interface {
	RequestShutdown(actorID string)
}

// Handler is the runtime handler template.
type Handler struct {
	Logger    zerolog.Logger
	Requester ShutdownRequester
}

func New(logger zerolog.Logger, requester ShutdownRequester) *Handler {
	return &Handler{Logger: logger, Requester: requester}
}

func (h *Handler) Name() string { return "runtime" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{logger: h.Logger, requester: h.Requester}, nil
}

type instance struct {
	logger    zerolog.Logger
	requester ShutdownRequester
	actorID   string
	c         *chain.Chain
	handle    stateSnapshotHandle
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	builder := l.Module(importID)

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
			msg, err := handler.ReadBytes(mod, msgPtr, msgLen)
			if err != nil {
				return
			}
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/log", string(msg), func() (any, error) {
				i.logger.Info().Str("actor_id", i.actorID).Msg(string(msg))
				return nil, nil
			})
		}).
		Export("log")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module) (ptr, length uint32) {
			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/get-state", nil, func() (any, error) {
				out = i.stateSnapshot()
				return nil, nil
			})
			p, l, err := handler.WriteBytes(ctx, mod, out)
			if err != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("get-state")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context) {
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/shutdown", nil, func() (any, error) {
				if i.requester != nil {
					i.requester.RequestShutdown(i.actorID)
				}
				return nil, nil
			})
		}).
		Export("shutdown")

	return nil
}

// stateSnapshot reads through the actor handle that Start stores; before
// Start, get-state returns nothing.
func (i *instance) stateSnapshot() []byte {
	if i.handle == nil {
		return nil
	}
	return i.handle.StateSnapshot()
}

func (i *instance) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}

func (i *instance) Start(ctx context.Context, h handler.ActorHandle) error {
	i.actorID = h.ActorID()
	i.c = h.Chain()
	if sh, ok := h.(stateSnapshotHandle); ok {
		i.handle = sh
	}
	return nil
}

func (i *instance) Shutdown(ctx context.Context) error { return nil }

// stateSnapshotHandle is an optional extension of handler.ActorHandle that
// exposes the actor's current state blob without invoking an export.
type stateSnapshotHandle interface {
	handler.ActorHandle
	StateSnapshot() []byte
}

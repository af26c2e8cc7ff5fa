// Package supervisorh implements the supervisor handler: it mediates a
// parent actor's spawn/resume/list-children/restart-child/stop-child/
// get-child-state/get-child-events calls to the actor runtime, and is the
// callback target the runtime invokes when one of the parent's children
// changes status, turning that into an invocation of the parent's own
// handle-child-error / handle-child-exit / handle-child-external-stop
// export.
package supervisorh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/colinrozzi/theater/manifest"
	"github.com/colinrozzi/theater/supervision"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/supervisor"

// RuntimeController is the subset of the actor runtime the supervisor
// handler needs, scoped to supervision. It lets this package avoid
// importing the runtime package directly, which
// would otherwise form an import cycle (the runtime constructs handler
// instances and so must be able to import handler packages, not the other
// way around).
type RuntimeController interface {
	SpawnChild(ctx context.Context, parent actorid.ID, man manifest.Manifest) (actorid.ID, error)
	ResumeChild(ctx context.Context, parent actorid.ID, man manifest.Manifest, savedState []byte) (actorid.ID, error)
	RestartChild(ctx context.Context, child actorid.ID) error
	StopChild(ctx context.Context, child actorid.ID) error
	GetChildState(ctx context.Context, child actorid.ID) ([]byte, error)
	GetChildEvents(ctx context.Context, child actorid.ID) ([]chain.Event, error)
}

type spawnRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
}

type resumeRequest struct {
	Manifest manifest.Manifest `json:"manifest"`
	State    []byte            `json:"state"`
}

type childIDRequest struct {
	ChildID string `json:"child_id"`
}

// Handler is the supervisor handler template.
type Handler struct {
	Controller RuntimeController
}

func New(controller RuntimeController) *Handler { return &Handler{Controller: controller} }

func (h *Handler) Name() string { return "supervisor" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{controller: h.Controller, children: supervision.NewRegistry()}, nil
}

type instance struct {
	controller RuntimeController
	children   *supervision.Registry

	parentID string
	c        *chain.Chain
	handle   handler.ActorHandle
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	mod := l.Module(importID)

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req spawnRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}
			var childIDStr string
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/spawn", req.Manifest, func() (any, error) {
				parent, err := actorid.Parse(i.parentID)
				if err != nil {
					return nil, err
				}
				child, err := i.controller.SpawnChild(ctx, parent, req.Manifest)
				if err != nil {
					return nil, err
				}
				i.children.Spawn(child, req.Manifest.Component)
				childIDStr = child.String()
				return childIDStr, nil
			})
			if callErr != nil {
				return 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, m, []byte(childIDStr))
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("spawn")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req resumeRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}
			var childIDStr string
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/resume", req.Manifest, func() (any, error) {
				parent, err := actorid.Parse(i.parentID)
				if err != nil {
					return nil, err
				}
				child, err := i.controller.ResumeChild(ctx, parent, req.Manifest, req.State)
				if err != nil {
					return nil, err
				}
				i.children.Spawn(child, req.Manifest.Component)
				childIDStr = child.String()
				return childIDStr, nil
			})
			if callErr != nil {
				return 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, m, []byte(childIDStr))
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("resume")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module) (ptr, length uint32) {
			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/list-children", nil, func() (any, error) {
				records := i.children.List()
				out, _ = json.Marshal(records)
				return records, nil
			})
			p, l, werr := handler.WriteBytes(ctx, m, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("list-children")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ok uint32) {
			ok = i.withChildID(ctx, m, reqPtr, reqLen, importID+"/restart-child", func(ctx context.Context, child actorid.ID) error {
				if err := i.controller.RestartChild(ctx, child); err != nil {
					return err
				}
				if _, err := i.children.Get(child); err == nil {
					_ = i.children.Transition(child, supervision.StatusRestarting)
					_ = i.children.Transition(child, supervision.StatusRunning)
				}
				return nil
			})
			return ok
		}).
		Export("restart-child")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ok uint32) {
			ok = i.withChildID(ctx, m, reqPtr, reqLen, importID+"/stop-child", func(ctx context.Context, child actorid.ID) error {
				if err := i.controller.StopChild(ctx, child); err != nil {
					return err
				}
				i.children.Remove(child)
				return nil
			})
			return ok
		}).
		Export("stop-child")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req childIDRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}
			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/get-child-state", req, func() (any, error) {
				child, err := actorid.Parse(req.ChildID)
				if err != nil {
					return nil, err
				}
				state, err := i.controller.GetChildState(ctx, child)
				if err != nil {
					return nil, err
				}
				out = state
				return state, nil
			})
			p, l, werr := handler.WriteBytes(ctx, m, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("get-child-state")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req childIDRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}
			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/get-child-events", req, func() (any, error) {
				child, err := actorid.Parse(req.ChildID)
				if err != nil {
					return nil, err
				}
				events, err := i.controller.GetChildEvents(ctx, child)
				if err != nil {
					return nil, err
				}
				out, _ = json.Marshal(events)
				return events, nil
			})
			p, l, werr := handler.WriteBytes(ctx, m, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("get-child-events")

	return nil
}

func (i *instance) withChildID(ctx context.Context, m api.Module, reqPtr, reqLen uint32, op string, fn func(context.Context, actorid.ID) error) uint32 {
	raw, err := handler.ReadBytes(m, reqPtr, reqLen)
	if err != nil {
		return 0
	}
	var req childIDRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return 0
	}
	_, callErr := handler.RecordBoundaryCall(ctx, i.c, op, req, func() (any, error) {
		child, err := actorid.Parse(req.ChildID)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, child)
	})
	if callErr != nil {
		return 0
	}
	return 1
}

func (i *instance) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}

func (i *instance) Start(ctx context.Context, h handler.ActorHandle) error {
	i.parentID = h.ActorID()
	i.c = h.Chain()
	i.handle = h
	return nil
}

func (i *instance) Shutdown(ctx context.Context) error { return nil }

// notify is shared by NotifyFailed/NotifyExited/NotifyExternalStop: it
// records the parent's handling of a child status change on the parent's
// own chain only (nothing is appended to the child's chain), transitions the bookkeeping record, invokes the named export,
// and applies the parent's Decision. A failure in the notification
// handler itself is recorded and then returned so the caller (the
// runtime) can escalate.
func (i *instance) notify(ctx context.Context, export string, to supervision.Status, child actorid.ID, diagnostic []byte) error {
	_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/"+export, map[string]any{"child_id": child.String()}, func() (any, error) {
		if err := i.children.Transition(child, to); err != nil {
			return nil, err
		}
		state := i.snapshot()
		_, result, err := i.handle.CallExport(ctx, export, state, diagnostic)
		if err != nil {
			return nil, fmt.Errorf("supervisorh: parent notification %s failed: %w", export, err)
		}
		return i.applyDecision(ctx, child, result)
	})
	return callErr
}

func (i *instance) applyDecision(ctx context.Context, child actorid.ID, result []byte) (Decision, error) {
	decision := decodeDecision(result)
	switch decision {
	case DecisionRestart:
		if err := i.children.Transition(child, supervision.StatusRestarting); err != nil {
			return decision, err
		}
		if err := i.controller.RestartChild(ctx, child); err != nil {
			return decision, err
		}
		return decision, i.children.Transition(child, supervision.StatusRunning)
	case DecisionResume:
		return decision, nil // resume keeps the child's existing state; no controller action needed
	case DecisionStop:
		if err := i.controller.StopChild(ctx, child); err != nil {
			return decision, err
		}
		i.children.Remove(child)
		return decision, nil
	default:
		return decision, nil
	}
}

// Decision mirrors supervision.Decision but is decoded from the parent's
// raw export response bytes rather than constructed in Go.
type Decision = supervision.Decision

const (
	DecisionRestart = supervision.DecisionRestart
	DecisionResume  = supervision.DecisionResume
	DecisionStop    = supervision.DecisionStop
)

func decodeDecision(result []byte) Decision {
	switch string(result) {
	case "restart":
		return DecisionRestart
	case "resume":
		return DecisionResume
	default:
		return DecisionStop
	}
}

func (i *instance) snapshot() []byte {
	if sr, ok := i.handle.(interface{ StateSnapshot() []byte }); ok {
		return sr.StateSnapshot()
	}
	return nil
}

// NotifyFailed invokes the parent's handle-child-error export when child
// traps or a handler error escapes its sandbox.
func (i *instance) NotifyFailed(ctx context.Context, child actorid.ID, diagnostic []byte) error {
	return i.notify(ctx, "handle-child-error", supervision.StatusFailed, child, diagnostic)
}

// NotifyExited invokes the parent's handle-child-exit export on a normal
// shutdown.
func (i *instance) NotifyExited(ctx context.Context, child actorid.ID, diagnostic []byte) error {
	return i.notify(ctx, "handle-child-exit", supervision.StatusExited, child, diagnostic)
}

// NotifyExternalStop invokes the parent's handle-child-external-stop
// export when the child is stopped through the runtime's Stop command
// (by an operator or the child itself); the parent's own StopChild does
// not notify.
func (i *instance) NotifyExternalStop(ctx context.Context, child actorid.ID, diagnostic []byte) error {
	return i.notify(ctx, "handle-child-external-stop", supervision.StatusExternallyStopped, child, diagnostic)
}

// Notifier is implemented by *instance; the Actor Runtime type-asserts a
// parent's active handler instances against it to find the callback target
// for a child status change.
type Notifier interface {
	NotifyFailed(ctx context.Context, child actorid.ID, diagnostic []byte) error
	NotifyExited(ctx context.Context, child actorid.ID, diagnostic []byte) error
	NotifyExternalStop(ctx context.Context, child actorid.ID, diagnostic []byte) error
}

var _ Notifier = (*instance)(nil)

package actor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/colinrozzi/theater/handlers/environmenth"
	"github.com/colinrozzi/theater/handlers/filesystemh"
	"github.com/colinrozzi/theater/handlers/httpclienth"
	"github.com/colinrozzi/theater/handlers/httpframeworkh"
	"github.com/colinrozzi/theater/handlers/messageserverh"
	"github.com/colinrozzi/theater/handlers/processh"
	"github.com/colinrozzi/theater/handlers/randomh"
	"github.com/colinrozzi/theater/handlers/runtimeh"
	"github.com/colinrozzi/theater/handlers/storeh"
	"github.com/colinrozzi/theater/handlers/supervisorh"
	"github.com/colinrozzi/theater/handlers/timingh"
	"github.com/colinrozzi/theater/manifest"
	"github.com/colinrozzi/theater/messagerouter"
	"github.com/colinrozzi/theater/store"
	"github.com/colinrozzi/theater/supervision"
	"github.com/rs/zerolog"
)

// ErrUnknownActor is returned by every command that names an actor no
// longer (or never) present in the runtime's actor table.
var ErrUnknownActor = errors.New("actor: unknown actor")

// RuntimeConfig is the process-wide configuration for a Runtime: its
// shared dependencies and the default permission policy applied to every
// spawned actor. Handler templates are configured once here, process-wide;
// a manifest's own handlers list is used only to validate that an actor's
// declared intent is satisfiable, not to re-parameterize a handler per
// actor.
type RuntimeConfig struct {
	Logger       zerolog.Logger
	Engine       *engine.Engine
	ContentStore store.Store
	Router       *messagerouter.Router
	Persister    chain.Persister // optional; nil disables chain durability regardless of manifest.SaveChain

	AllowedPaths   []string
	AllowedHosts   []string
	AllowedMethods []string
	AllowedEnvVars []string
	DeniedEnvVars  []string
	MaxProcesses   int
	ProcessTimeout time.Duration
	RandomSeed     *int64
	MinSleep       time.Duration
	MaxSleep       time.Duration
}

// entry is the runtime's bookkeeping record for one live or recently-live
// actor.
type entry struct {
	id       actorid.ID
	parent   actorid.ID
	manifest manifest.Manifest
	instances []handler.Instance
	chainRef  *chain.Chain
	store     *Store
	handle    *Handle
	status    supervision.Status
}

// Runtime is the actor runtime: the top-level orchestrator owning the
// actor table, the handler registry, and the spawn protocol that wires
// the bytecode engine, the handler framework, and the event chain
// together.
type Runtime struct {
	mu     sync.RWMutex
	actors map[actorid.ID]*entry

	registry      *handler.Registry
	knownHandlers map[string]struct{}

	eng          *engine.Engine
	contentStore store.Store
	router       *messagerouter.Router
	persister    chain.Persister
	logger       zerolog.Logger
}

// NewRuntime builds a Runtime and its process-wide handler registry. The
// registry is built here (not passed in) because several handlers
// (supervisor, runtime) need a RuntimeController/ShutdownRequester back
// into this very Runtime, and handler packages define their own narrow
// interfaces for that rather than importing this package, to avoid an
// import cycle.
func NewRuntime(cfg RuntimeConfig) *Runtime {
	rt := &Runtime{
		actors:       map[actorid.ID]*entry{},
		eng:          cfg.Engine,
		contentStore: cfg.ContentStore,
		router:       cfg.Router,
		persister:    cfg.Persister,
		logger:       cfg.Logger.With().Str("component", "runtime").Logger(),
	}

	templates := []handler.Handler{
		runtimeh.New(rt.logger, rt),
		randomh.New(cfg.RandomSeed),
		timingh.New(cfg.MinSleep, cfg.MaxSleep),
		environmenth.New(cfg.AllowedEnvVars, cfg.DeniedEnvVars),
		httpclienth.New(cfg.AllowedHosts, cfg.AllowedMethods),
		filesystemh.New(cfg.AllowedPaths),
		processh.New(cfg.MaxProcesses, cfg.ProcessTimeout),
		storeh.New(cfg.ContentStore),
		messageserverh.New(cfg.Router),
		supervisorh.New(rt),
		httpframeworkh.New(),
	}
	rt.registry = handler.NewRegistry(templates...)

	rt.knownHandlers = make(map[string]struct{}, len(templates))
	for _, t := range templates {
		rt.knownHandlers[t.Name()] = struct{}{}
	}

	return rt
}

// Spawn starts a new top-level (parentless) actor from man, running its
// init export with man's configured initial state.
func (rt *Runtime) Spawn(ctx context.Context, man manifest.Manifest) (actorid.ID, error) {
	return rt.spawnNew(ctx, actorid.Nil, man)
}

// SpawnChild satisfies supervisorh.RuntimeController: spawns man as a child
// of parent, so that status changes are reported back to parent's
// supervisor handler instance.
func (rt *Runtime) SpawnChild(ctx context.Context, parent actorid.ID, man manifest.Manifest) (actorid.ID, error) {
	return rt.spawnNew(ctx, parent, man)
}

// ResumeChild satisfies supervisorh.RuntimeController: (re)spawns man with
// savedState as the actor's starting state, skipping the init export
// entirely since the state is already fully formed.
func (rt *Runtime) ResumeChild(ctx context.Context, parent actorid.ID, man manifest.Manifest, savedState []byte) (actorid.ID, error) {
	if err := man.Validate(); err != nil {
		return actorid.Nil, err
	}
	if err := rt.checkHandlers(man); err != nil {
		return actorid.Nil, err
	}
	id := actorid.New()
	c, err := chain.New(ctx, id.String(), rt.persisterFor(man))
	if err != nil {
		return actorid.Nil, fmt.Errorf("actor: error initializing chain for %s: %w", id, err)
	}
	if _, err := rt.appendGenesis(ctx, c, man, savedState); err != nil {
		return actorid.Nil, err
	}
	return id, rt.instantiateActor(ctx, id, parent, man, c, savedState, false)
}

func (rt *Runtime) spawnNew(ctx context.Context, parent actorid.ID, man manifest.Manifest) (actorid.ID, error) {
	if err := man.Validate(); err != nil {
		return actorid.Nil, err
	}
	if err := rt.checkHandlers(man); err != nil {
		return actorid.Nil, err
	}

	initState, err := rt.resolveInitState(ctx, man)
	if err != nil {
		return actorid.Nil, err
	}

	id := actorid.New()
	c, err := chain.New(ctx, id.String(), rt.persisterFor(man))
	if err != nil {
		return actorid.Nil, fmt.Errorf("actor: error initializing chain for %s: %w", id, err)
	}
	if _, err := rt.appendGenesis(ctx, c, man, initState); err != nil {
		return actorid.Nil, err
	}

	return id, rt.instantiateActor(ctx, id, parent, man, c, initState, true)
}

// checkHandlers rejects a manifest naming a handler type the registry was
// not built with: unknown handler types are rejected at spawn.
func (rt *Runtime) checkHandlers(man manifest.Manifest) error {
	for _, he := range man.Handlers {
		if _, ok := rt.knownHandlers[he.Type]; !ok {
			return fmt.Errorf("actor: unknown handler type %q", he.Type)
		}
	}
	return nil
}

func (rt *Runtime) persisterFor(man manifest.Manifest) chain.Persister {
	if !man.SaveChain {
		return nil
	}
	return rt.persister
}

type genesisDescriptor struct {
	Manifest      manifest.Manifest `json:"manifest"`
	InitStateHash string            `json:"init_state_hash"`
}

func (rt *Runtime) appendGenesis(ctx context.Context, c *chain.Chain, man manifest.Manifest, initState []byte) (chain.EventHash, error) {
	desc := genesisDescriptor{Manifest: man, InitStateHash: chain.HashState(initState)}
	data, err := json.Marshal(desc)
	if err != nil {
		return chain.EventHash{}, fmt.Errorf("actor: error encoding genesis descriptor: %w", err)
	}
	h, err := c.Append(ctx, chain.EventTypeGenesis, data, "")
	if err != nil {
		return chain.EventHash{}, fmt.Errorf("actor: error appending genesis event: %w", err)
	}
	return h, nil
}

// resolveInitState resolves a manifest's configured initial state, either
// inline or via a content ref.
func (rt *Runtime) resolveInitState(ctx context.Context, man manifest.Manifest) ([]byte, error) {
	if man.InitStateRef == "" {
		return man.InitState, nil
	}
	ref, err := store.ParseRef(man.InitStateRef)
	if err != nil {
		return nil, fmt.Errorf("actor: error parsing init_state_ref: %w", err)
	}
	data, err := rt.contentStore.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("actor: error resolving init_state_ref: %w", err)
	}
	return data, nil
}

// resolveComponent resolves a manifest's component field to bytecode
// bytes, either from a filesystem path or from a content ref.
func (rt *Runtime) resolveComponent(ctx context.Context, man manifest.Manifest) ([]byte, error) {
	if ref, err := store.ParseRef(man.Component); err == nil {
		if data, getErr := rt.contentStore.Get(ctx, ref); getErr == nil {
			return data, nil
		}
	}
	data, err := os.ReadFile(man.Component)
	if err != nil {
		return nil, fmt.Errorf("%w: error reading component %s: %v", engine.ErrLoad, man.Component, err)
	}
	return data, nil
}

// instantiateActor runs the spawn sequence (minus genesis, already
// appended by the caller, which needs the init state hash before the
// component is even loaded): load, link, instantiate, wire exports, run
// init, commit starting state, start handlers. If runInit is true, the
// component's init
// export is called with initState as its configured init-params and its
// result becomes the actor's real starting state; otherwise initState is
// used directly as the starting state (resume / restart).
func (rt *Runtime) instantiateActor(ctx context.Context, id, parent actorid.ID, man manifest.Manifest, c *chain.Chain, initState []byte, runInit bool) error {
	moduleBytes, err := rt.resolveComponent(ctx, man)
	if err != nil {
		return err
	}

	component, err := rt.eng.LoadCached(ctx, man.Component, moduleBytes)
	if err != nil {
		return fmt.Errorf("actor: error loading component for %s: %w", id, err)
	}

	instances, err := rt.registry.Activate(component.Imports())
	if err != nil {
		return fmt.Errorf("actor: error activating handlers for %s: %w", id, err)
	}

	providers := make([]engine.HostFunctionProvider, len(instances))
	for i, inst := range instances {
		providers[i] = inst
	}
	linked, err := component.Link(ctx, providers)
	if err != nil {
		return fmt.Errorf("actor: error linking component for %s: %w", id, err)
	}

	engineInstance, err := linked.Instantiate(ctx, id.String())
	if err != nil {
		return fmt.Errorf("actor: error instantiating component for %s: %w", id, err)
	}

	exportNames := engineInstance.ExportedFunctionNames()
	for _, inst := range instances {
		if err := inst.AddExportFunctions(ctx, exportNames); err != nil {
			_ = engineInstance.Close(ctx)
			return fmt.Errorf("actor: error registering export functions for %s: %w", id, err)
		}
	}

	startState := initState
	if runInit {
		newState, _, err := engineInstance.Call(ctx, "init", nil, initState)
		if err != nil {
			_ = engineInstance.Close(ctx)
			return fmt.Errorf("actor: init call failed for %s: %w", id, err)
		}
		startState = newState
	}

	st := NewStore(nil, c)
	if _, err := st.Commit(ctx, startState); err != nil {
		_ = engineInstance.Close(ctx)
		return fmt.Errorf("actor: error recording initial state for %s: %w", id, err)
	}

	h := newHandle(id, c, st, engineInstance)
	h.onTrap = func(callErr error) { rt.reportFailure(id, callErr) }

	for _, inst := range instances {
		if err := inst.Start(ctx, h); err != nil {
			h.close()
			_ = engineInstance.Close(ctx)
			return fmt.Errorf("actor: error starting handler for %s: %w", id, err)
		}
	}

	e := &entry{
		id:        id,
		parent:    parent,
		manifest:  man,
		instances: instances,
		chainRef:  c,
		store:     st,
		handle:    h,
		status:    supervision.StatusRunning,
	}

	rt.mu.Lock()
	rt.actors[id] = e
	rt.mu.Unlock()

	rt.logger.Info().Str("actor_id", id.String()).Str("name", man.Name).Msg("actor started")
	return nil
}

func (rt *Runtime) get(id actorid.ID) (*entry, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.actors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActor, id)
	}
	return e, nil
}

// shutdownEntry runs the graceful half of actor teardown: stop the
// serial operation channel, shut down every handler instance, and drop
// the engine instance. It does not wait for a call already in progress
// on the operation channel to finish.
func (rt *Runtime) shutdownEntry(ctx context.Context, e *entry) error {
	e.handle.close()
	var firstErr error
	for _, inst := range e.instances {
		if err := inst.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.handle.instance.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Stop gracefully shuts an actor down in response to an operator command;
// its parent, if any, is notified via handle-child-external-stop, since
// the actor did not choose to exit.
func (rt *Runtime) Stop(ctx context.Context, id actorid.ID) error {
	return rt.stop(ctx, id, true)
}

func (rt *Runtime) stop(ctx context.Context, id actorid.ID, external bool) error {
	e, err := rt.get(id)
	if err != nil {
		return err
	}
	if err := rt.shutdownEntry(ctx, e); err != nil {
		rt.logger.Warn().Err(err).Str("actor_id", id.String()).Msg("error shutting down actor")
	}
	rt.mu.Lock()
	delete(rt.actors, id)
	rt.mu.Unlock()

	if !e.parent.IsNil() {
		if parentEntry, perr := rt.get(e.parent); perr == nil {
			for _, inst := range parentEntry.instances {
				if notifier, ok := inst.(supervisorh.Notifier); ok {
					var notifyErr error
					if external {
						notifyErr = notifier.NotifyExternalStop(context.Background(), id, nil)
					} else {
						notifyErr = notifier.NotifyExited(context.Background(), id, nil)
					}
					if notifyErr != nil {
						rt.logger.Error().Err(notifyErr).Str("actor_id", e.parent.String()).Msg("error notifying parent of child stop")
					}
					break
				}
			}
		}
	}
	return nil
}

// StopChild satisfies supervisorh.RuntimeController. It does not itself
// notify the parent: StopChild is only ever called from within the
// parent's own notify/applyDecision flow (the parent decided to stop this
// child in response to a status change it was already notified of), so a
// second notification here would double-fire and fail supervision's state
// machine (the child is no longer in StatusRunning).
func (rt *Runtime) StopChild(ctx context.Context, child actorid.ID) error {
	e, err := rt.get(child)
	if err != nil {
		return err
	}
	if err := rt.shutdownEntry(ctx, e); err != nil {
		rt.logger.Warn().Err(err).Str("actor_id", child.String()).Msg("error shutting down child actor")
	}
	rt.mu.Lock()
	delete(rt.actors, child)
	rt.mu.Unlock()
	return nil
}

// Terminate shuts an actor down with a deadline; if the deadline expires
// before the handler instances finish, the sandbox is dropped unilaterally
// and a force-terminated event is appended directly to its chain.
func (rt *Runtime) Terminate(ctx context.Context, id actorid.ID, deadline time.Duration) error {
	e, err := rt.get(id)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- rt.shutdownEntry(ctx, e) }()

	select {
	case err := <-done:
		rt.mu.Lock()
		delete(rt.actors, id)
		rt.mu.Unlock()
		return err
	case <-time.After(deadline):
		// The actor did not cooperate within the deadline: drop its sandbox
		// unilaterally (wazero's Close interrupts an in-flight call) rather
		// than waiting indefinitely for shutdownEntry's goroutine, and
		// record the force-termination directly on the chain, which this
		// Runtime still holds a reference to independent of the dropped
		// instance.
		_ = e.handle.instance.Close(ctx)
		diag, _ := json.Marshal(map[string]string{"reason": "termination deadline exceeded"})
		_, _ = e.chainRef.Append(ctx, chain.EventTypeForceTerminated, diag, "")
		rt.mu.Lock()
		delete(rt.actors, id)
		rt.mu.Unlock()
		rt.logger.Warn().Str("actor_id", id.String()).Msg("actor force-terminated after deadline")
		return nil
	}
}

// RestartChild satisfies supervisorh.RuntimeController: re-instantiates the
// child with fresh state on the same chain, re-running init with the
// manifest's configured initial state, and bumps no generation counter
// itself (that bookkeeping belongs to the parent's supervision.Registry,
// which the caller updates).
func (rt *Runtime) RestartChild(ctx context.Context, child actorid.ID) error {
	e, err := rt.get(child)
	if err != nil {
		return err
	}
	man := e.manifest
	parent := e.parent
	initState, err := rt.resolveInitState(ctx, man)
	if err != nil {
		return err
	}

	if err := rt.shutdownEntry(ctx, e); err != nil {
		rt.logger.Warn().Err(err).Str("actor_id", child.String()).Msg("error shutting down actor for restart")
	}
	rt.mu.Lock()
	delete(rt.actors, child)
	rt.mu.Unlock()

	return rt.instantiateActor(ctx, child, parent, man, e.chainRef, initState, true)
}

// Restart is the top-level (non-supervised) equivalent of RestartChild.
func (rt *Runtime) Restart(ctx context.Context, id actorid.ID) error {
	return rt.RestartChild(ctx, id)
}

// GetChildState satisfies supervisorh.RuntimeController.
func (rt *Runtime) GetChildState(ctx context.Context, child actorid.ID) ([]byte, error) {
	return rt.GetState(ctx, child)
}

// GetState returns an actor's current state snapshot.
func (rt *Runtime) GetState(ctx context.Context, id actorid.ID) ([]byte, error) {
	e, err := rt.get(id)
	if err != nil {
		return nil, err
	}
	return e.store.Current(), nil
}

// GetChildEvents satisfies supervisorh.RuntimeController.
func (rt *Runtime) GetChildEvents(ctx context.Context, child actorid.ID) ([]chain.Event, error) {
	return rt.GetEvents(ctx, child)
}

// GetEvents returns every chain event recorded for an actor.
func (rt *Runtime) GetEvents(ctx context.Context, id actorid.ID) ([]chain.Event, error) {
	e, err := rt.get(id)
	if err != nil {
		return nil, err
	}
	return e.chainRef.Events(), nil
}

// GetManifest returns an actor's spawning manifest.
func (rt *Runtime) GetManifest(ctx context.Context, id actorid.ID) (manifest.Manifest, error) {
	e, err := rt.get(id)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return e.manifest, nil
}

// ActorInfo is one row of List's response.
type ActorInfo struct {
	ID     actorid.ID        `json:"id"`
	Name   string            `json:"name"`
	Status supervision.Status `json:"status"`
}

// List returns every currently live actor.
func (rt *Runtime) List() []ActorInfo {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]ActorInfo, 0, len(rt.actors))
	for id, e := range rt.actors {
		out = append(out, ActorInfo{ID: id, Name: e.manifest.Name, Status: e.status})
	}
	return out
}

// GetStatus returns an actor's current lifecycle status.
func (rt *Runtime) GetStatus(ctx context.Context, id actorid.ID) (supervision.Status, error) {
	e, err := rt.get(id)
	if err != nil {
		return "", err
	}
	return e.status, nil
}

// Metrics is GetMetrics' response payload: a minimal per-actor snapshot.
type Metrics struct {
	EventCount int    `json:"event_count"`
	ChainValid bool   `json:"chain_valid"`
	Status     supervision.Status `json:"status"`
}

// GetMetrics returns a minimal metrics snapshot for an actor.
func (rt *Runtime) GetMetrics(ctx context.Context, id actorid.ID) (Metrics, error) {
	e, err := rt.get(id)
	if err != nil {
		return Metrics{}, err
	}
	valid, _ := e.chainRef.Verify()
	return Metrics{EventCount: e.chainRef.Len(), ChainValid: valid, Status: e.status}, nil
}

const subscribePollInterval = 50 * time.Millisecond

// Subscribe streams chain events appended to id after this call, onto the
// returned channel, until ctx is cancelled or the returned cancel func is
// called. Implemented as a poll loop over Chain.EventsSince rather than a
// push hook, since Chain has no subscriber hook of its own.
func (rt *Runtime) Subscribe(ctx context.Context, id actorid.ID) (<-chan chain.Event, context.CancelFunc, error) {
	e, err := rt.get(id)
	if err != nil {
		return nil, nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan chain.Event, 64)
	tail := e.chainRef.Tail()

	go func() {
		defer close(out)
		ticker := time.NewTicker(subscribePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
				events, err := e.chainRef.EventsSince(tail)
				if err != nil || len(events) == 0 {
					continue
				}
				for _, ev := range events {
					select {
					case out <- ev:
					case <-subCtx.Done():
						return
					}
				}
				tail = events[len(events)-1].Hash()
			}
		}
	}()

	return out, cancel, nil
}

// RequestShutdown satisfies runtimeh.ShutdownRequester: a guest's own
// shutdown() call asks the runtime to stop it gracefully.
func (rt *Runtime) RequestShutdown(actorID string) {
	id, err := actorid.Parse(actorID)
	if err != nil {
		return
	}
	go func() {
		if err := rt.stop(context.Background(), id, false); err != nil {
			rt.logger.Warn().Err(err).Str("actor_id", actorID).Msg("error handling self-requested shutdown")
		}
	}()
}

// reportFailure is invoked (via Handle.onTrap) when an actor's bytecode
// traps. It marks the actor failed and, if it has a parent, notifies the
// parent's supervisor handler instance.
func (rt *Runtime) reportFailure(id actorid.ID, callErr error) {
	e, err := rt.get(id)
	if err != nil {
		return
	}
	rt.mu.Lock()
	e.status = supervision.StatusFailed
	rt.mu.Unlock()

	if e.parent.IsNil() {
		rt.logger.Error().Err(callErr).Str("actor_id", id.String()).Msg("actor trapped with no parent to supervise it")
		return
	}

	parentEntry, err := rt.get(e.parent)
	if err != nil {
		return
	}
	diag, _ := json.Marshal(map[string]string{"error": callErr.Error()})
	for _, inst := range parentEntry.instances {
		if notifier, ok := inst.(supervisorh.Notifier); ok {
			if err := notifier.NotifyFailed(context.Background(), id, diag); err != nil {
				rt.logger.Error().Err(err).Str("actor_id", e.parent.String()).Msg("error notifying parent of child failure")
			}
			return
		}
	}
}

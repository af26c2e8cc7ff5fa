// Package engine is the bytecode engine: it loads a component artifact,
// compiles it once per manifest, and instantiates an isolated memory/table
// space per actor. It wraps wazero, the pure-Go WebAssembly runtime used
// for bytecode execution.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Error kinds returned by Load, Link, Instantiate, and Call.
var (
	ErrLoad           = errors.New("engine: load error")
	ErrUnlinkable     = errors.New("engine: unlinkable")
	ErrTrap           = errors.New("engine: trap")
	ErrExportMissing  = errors.New("engine: export missing")
	ErrTypeMismatch   = errors.New("engine: type mismatch")
	ErrOutOfResources = errors.New("engine: out of resources")
)

// allocExportName is the guest export the engine calls to reserve space in
// linear memory before writing call inputs, following the alloc-then-write
// convention common to wazero/TinyGo host ABIs.
const allocExportName = "theater_alloc"

// Engine owns the shared compilation cache so that a component compiled
// once can be instantiated cheaply for every actor that activates from it,
// even though each actor gets its own isolated memory/table space via its
// own wazero.Runtime. components caches already-Load'ed Components keyed
// by the ref string LoadCached is given.
type Engine struct {
	cache      wazero.CompilationCache
	components *ristretto.Cache
}

// New constructs an Engine with a fresh, shared compilation cache.
func New() *Engine {
	components, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4, // 10x the expected max distinct components, per ristretto's sizing guidance.
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		// ristretto.NewCache only fails on invalid Config constants above, never at runtime.
		panic(fmt.Sprintf("engine: error constructing component cache: %v", err))
	}
	return &Engine{cache: wazero.NewCompilationCache(), components: components}
}

// Close releases the compilation cache.
func (e *Engine) Close(ctx context.Context) error {
	e.components.Close()
	return e.cache.Close(ctx)
}

// LoadCached behaves like Load, except that a component previously loaded
// under the same ref is served from the in-memory component cache instead
// of being recompiled. The actor runtime passes the manifest's component
// field (a file path or a store.Ref string); the caller is responsible for
// ensuring it uniquely names moduleBytes.
func (e *Engine) LoadCached(ctx context.Context, ref string, moduleBytes []byte) (*Component, error) {
	if v, ok := e.components.Get(ref); ok {
		return v.(*Component), nil
	}
	c, err := e.Load(ctx, moduleBytes)
	if err != nil {
		return nil, err
	}
	e.components.Set(ref, c, int64(len(moduleBytes)))
	return c, nil
}

func (e *Engine) newRuntime(ctx context.Context) wazero.Runtime {
	cfg := wazero.NewRuntimeConfig().WithCompilationCache(e.cache)
	return wazero.NewRuntimeWithConfig(ctx, cfg)
}

// Component is a compiled, not-yet-linked bytecode artifact.
type Component struct {
	bytes   []byte
	imports map[string]struct{}
	eng     *Engine
}

// Load compiles component bytes and records its declared imports. It fails
// with ErrLoad on malformed bytecode; unresolved imports are only detected
// later, at Link time.
func (e *Engine) Load(ctx context.Context, moduleBytes []byte) (*Component, error) {
	rt := e.newRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	defer compiled.Close(ctx)

	imports := map[string]struct{}{}
	for _, def := range compiled.ImportedFunctions() {
		moduleName, _, _ := def.Import()
		imports[moduleName] = struct{}{}
	}

	return &Component{
		bytes:   moduleBytes,
		imports: imports,
		eng:     e,
	}, nil
}

// Imports returns the set of import identifiers (exact strings, including
// any version suffix) this component declares.
func (c *Component) Imports() map[string]struct{} {
	out := make(map[string]struct{}, len(c.imports))
	for k := range c.imports {
		out[k] = struct{}{}
	}
	return out
}

// HostFunctionProvider is implemented by anything that can register host
// functions for one or more import identifiers. The Handler Framework's
// HandlerInstance satisfies this.
type HostFunctionProvider interface {
	// ClaimedImports returns the exact import identifiers this provider
	// answers for.
	ClaimedImports() map[string]struct{}
	// SetupHostFunctions registers host functions for every import this
	// provider claims into linker. Must be synchronous and side-effect-free
	// beyond registration.
	SetupHostFunctions(ctx context.Context, linker *Linker) error
}

// Linker accumulates host module registrations for one Link call. Import
// matching is exact string comparison including version: a provider
// claiming `wasi:random/random@0.2.3` will not satisfy a component
// importing `wasi:random/random@0.2.0`.
type Linker struct {
	rt       wazero.Runtime
	builders map[string]wazero.HostModuleBuilder
}

func newLinker(rt wazero.Runtime) *Linker {
	return &Linker{rt: rt, builders: map[string]wazero.HostModuleBuilder{}}
}

// Module returns the HostModuleBuilder for the given import identifier,
// creating it on first use. Call NewFunctionBuilder()...Export(name) on the
// result to register individual host functions.
func (l *Linker) Module(importID string) wazero.HostModuleBuilder {
	b, ok := l.builders[importID]
	if !ok {
		b = l.rt.NewHostModuleBuilder(importID)
		l.builders[importID] = b
	}
	return b
}

func (l *Linker) finish(ctx context.Context) error {
	for name, b := range l.builders {
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("engine: error instantiating host module %q: %w", name, err)
		}
	}
	return nil
}

// Linked is a component whose imports have all been satisfied by a set of
// HostFunctionProviders, ready to be instantiated per actor.
type Linked struct {
	rt       wazero.Runtime
	compiled wazero.CompiledModule
}

// Link matches every import the component declares to exactly one provider
// claiming it, registers the providers' host functions, and recompiles the
// component against the resulting linker (a no-op cost, served from the
// shared compilation cache). It fails with ErrUnlinkable, naming every
// import with no provider, if any import cannot be satisfied.
func (c *Component) Link(ctx context.Context, providers []HostFunctionProvider) (*Linked, error) {
	claimedBy := map[string]HostFunctionProvider{}
	for _, p := range providers {
		for id := range p.ClaimedImports() {
			claimedBy[id] = p
		}
	}

	var missing []string
	for id := range c.imports {
		if _, ok := claimedBy[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing imports: %s", ErrUnlinkable, strings.Join(missing, ", "))
	}

	rt := c.eng.newRuntime(ctx)
	linker := newLinker(rt)

	seen := map[HostFunctionProvider]struct{}{}
	for _, p := range claimedBy {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		if err := p.SetupHostFunctions(ctx, linker); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("engine: error setting up host functions: %w", err)
		}
	}

	if err := linker.finish(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, c.bytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	return &Linked{rt: rt, compiled: compiled}, nil
}

// Instance is one actor's isolated sandbox: its own memory, table, and
// export namespace.
type Instance struct {
	mod api.Module
	rt  wazero.Runtime
}

// Instantiate creates the sandbox for actorID and runs any per-instance
// setup the guest declares (e.g. a WASM start section).
func (l *Linked) Instantiate(ctx context.Context, actorID string) (*Instance, error) {
	cfg := wazero.NewModuleConfig().WithName(actorID)
	mod, err := l.rt.InstantiateModule(ctx, l.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: error instantiating actor %s: %w", actorID, err)
	}
	return &Instance{mod: mod, rt: l.rt}, nil
}

// ExportedFunctionNames returns every function name the guest exports,
// handed to each active handler's AddExportFunctions so handlers that
// drive the actor externally know which of their expected
// callback exports (handle-send, handle-child-exit, ...) the component
// actually provides.
func (i *Instance) ExportedFunctionNames() map[string]struct{} {
	defs := i.mod.ExportedFunctionDefinitions()
	names := make(map[string]struct{}, len(defs))
	for name := range defs {
		names[name] = struct{}{}
	}
	return names
}

// Close tears down the instance's sandbox and its owning runtime. Each
// Instance owns its Linked's runtime exclusively (one actor per Link), so
// closing it is safe once the actor is done.
func (i *Instance) Close(ctx context.Context) error {
	if err := i.mod.Close(ctx); err != nil {
		return err
	}
	return i.rt.Close(ctx)
}

// Call invokes an exported function using the canonical calling convention:
// (state, params) -> (new-state, result). The guest must export
// theater_alloc(size uint32) uint32 and an op function with signature
// (statePtr, stateLen, paramPtr, paramLen uint32) uint64, where the result
// is a packed (outPtr<<32 | outLen) pointing to a buffer laid out as a
// 4-byte little-endian new-state length followed by the new state bytes and
// then the result bytes.
func (i *Instance) Call(ctx context.Context, exportName string, state, params []byte) (newState []byte, result []byte, err error) {
	fn := i.mod.ExportedFunction(exportName)
	if fn == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrExportMissing, exportName)
	}

	def := fn.Definition()
	if len(def.ParamTypes()) != 4 || len(def.ResultTypes()) != 1 || def.ResultTypes()[0] != api.ValueTypeI64 {
		return nil, nil, fmt.Errorf("%w: export %s has unexpected signature", ErrTypeMismatch, exportName)
	}

	allocFn := i.mod.ExportedFunction(allocExportName)
	if allocFn == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrExportMissing, allocExportName)
	}

	combined := make([]byte, 0, len(state)+len(params))
	combined = append(combined, state...)
	combined = append(combined, params...)

	allocResults, err := allocFn.Call(ctx, uint64(len(combined)))
	if err != nil {
		return nil, nil, wrapTrap(err)
	}
	ptr := uint32(allocResults[0])

	mem := i.mod.Memory()
	if !mem.Write(ptr, combined) {
		return nil, nil, fmt.Errorf("%w: writing call input", ErrOutOfResources)
	}

	callResults, err := fn.Call(ctx, uint64(ptr), uint64(len(state)), uint64(ptr)+uint64(len(state)), uint64(len(params)))
	if err != nil {
		return nil, nil, wrapTrap(err)
	}

	packed := callResults[0]
	outPtr := uint32(packed >> 32)
	outLen := uint32(packed)

	raw, ok := mem.Read(outPtr, outLen)
	if !ok {
		return nil, nil, fmt.Errorf("%w: reading call output", ErrOutOfResources)
	}
	if len(raw) < 4 {
		return nil, nil, fmt.Errorf("%w: malformed output from export %s", ErrTypeMismatch, exportName)
	}

	newStateLen := binary.LittleEndian.Uint32(raw[:4])
	if uint32(len(raw)) < 4+newStateLen {
		return nil, nil, fmt.Errorf("%w: malformed output from export %s", ErrTypeMismatch, exportName)
	}

	newState = append([]byte(nil), raw[4:4+newStateLen]...)
	result = append([]byte(nil), raw[4+newStateLen:]...)
	return newState, result, nil
}

func wrapTrap(err error) error {
	return fmt.Errorf("%w: %v", ErrTrap, err)
}

// Package randomh implements the random handler: a per-actor RNG exposed
// to the guest through wasi:random, with an optional fixed seed so that
// replay can reproduce the same byte stream.
package randomh

import (
	"context"
	"math/rand"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/tetratelabs/wazero/api"
)

const (
	randomImportID       = "wasi:random/random@0.2.3"
	insecureImportID     = "wasi:random/insecure@0.2.3"
	insecureSeedImportID = "wasi:random/insecure-seed@0.2.3"
)

// Handler is the random handler template. Seed, if non-nil, fixes every
// actor's RNG to the same sequence (used for deterministic replay); a nil
// Seed draws a fresh per-actor seed from math/rand's global source at
// CreateInstance time.
type Handler struct {
	Seed *int64
}

func New(seed *int64) *Handler { return &Handler{Seed: seed} }

func (h *Handler) Name() string { return "random" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{
		randomImportID:       {},
		insecureImportID:     {},
		insecureSeedImportID: {},
	}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	var seed int64
	if h.Seed != nil {
		seed = *h.Seed
	} else {
		seed = rand.Int63()
	}
	return &instance{rng: rand.New(rand.NewSource(seed)), seed: seed}, nil
}

type instance struct {
	rng     *rand.Rand
	seed    int64
	actorID string
	c       *chain.Chain
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{
		randomImportID:       {},
		insecureImportID:     {},
		insecureSeedImportID: {},
	}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	getBytes := func(ctx context.Context, mod api.Module, n uint32) (ptr, length uint32) {
		var out []byte
		_, _ = handler.RecordBoundaryCall(ctx, i.c, randomImportID+"/get-random-bytes", n, func() (any, error) {
			out = make([]byte, n)
			i.rng.Read(out)
			return out, nil
		})
		p, l, err := handler.WriteBytes(ctx, mod, out)
		if err != nil {
			return 0, 0
		}
		return p, l
	}

	getU64 := func(ctx context.Context) uint64 {
		var v uint64
		_, _ = handler.RecordBoundaryCall(ctx, i.c, randomImportID+"/get-random-u64", nil, func() (any, error) {
			v = i.rng.Uint64()
			return v, nil
		})
		return v
	}

	l.Module(randomImportID).NewFunctionBuilder().WithFunc(getBytes).Export("get-random-bytes")
	l.Module(randomImportID).NewFunctionBuilder().WithFunc(getU64).Export("get-random-u64")
	l.Module(insecureImportID).NewFunctionBuilder().WithFunc(getBytes).Export("get-insecure-random-bytes")
	l.Module(insecureImportID).NewFunctionBuilder().WithFunc(getU64).Export("get-insecure-random-u64")

	l.Module(insecureSeedImportID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context) (lo, hi uint64) {
			_, _ = handler.RecordBoundaryCall(ctx, i.c, insecureSeedImportID+"/insecure-seed", nil, func() (any, error) {
				lo = uint64(i.seed)
				return i.seed, nil
			})
			return lo, 0
		}).
		Export("insecure-seed")

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

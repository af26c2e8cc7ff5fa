// Package timingh implements the timing/clocks handler: wall-clock and
// monotonic-clock reads plus a poll-backed sleep, with configurable
// min/max sleep bounds so a misbehaving actor cannot hang the runtime or
// busy-loop it.
package timingh

import (
	"context"
	"fmt"
	"time"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
)

const (
	wallClockImportID      = "wasi:clocks/wall-clock@0.2.3"
	monotonicClockImportID = "wasi:clocks/monotonic-clock@0.2.3"
	pollImportID           = "wasi:io/poll@0.2.3"
)

// Handler is the timing handler template.
type Handler struct {
	MinSleep time.Duration
	MaxSleep time.Duration
	Now      func() time.Time
}

func New(minSleep, maxSleep time.Duration) *Handler {
	return &Handler{MinSleep: minSleep, MaxSleep: maxSleep, Now: time.Now}
}

func (h *Handler) Name() string { return "timing" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{
		wallClockImportID:      {},
		monotonicClockImportID: {},
		pollImportID:           {},
	}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	now := h.Now
	if now == nil {
		now = time.Now
	}
	return &instance{minSleep: h.MinSleep, maxSleep: h.MaxSleep, now: now, start: now()}, nil
}

type instance struct {
	minSleep, maxSleep time.Duration
	now                func() time.Time
	start              time.Time
	actorID            string
	c                  *chain.Chain
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{
		wallClockImportID:      {},
		monotonicClockImportID: {},
		pollImportID:           {},
	}
}

// clampSleep enforces the configured min/max sleep duration bound.
func (i *instance) clampSleep(d time.Duration) time.Duration {
	if i.minSleep > 0 && d < i.minSleep {
		d = i.minSleep
	}
	if i.maxSleep > 0 && d > i.maxSleep {
		d = i.maxSleep
	}
	return d
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	l.Module(wallClockImportID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context) (seconds uint64, nanos uint32) {
			var t time.Time
			_, _ = handler.RecordBoundaryCall(ctx, i.c, wallClockImportID+"/now", nil, func() (any, error) {
				t = i.now()
				return t, nil
			})
			unix := t.Unix()
			if unix < 0 {
				unix = 0
			}
			return uint64(unix), uint32(t.Nanosecond())
		}).
		Export("now")

	l.Module(monotonicClockImportID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint64 {
			var elapsed time.Duration
			_, _ = handler.RecordBoundaryCall(ctx, i.c, monotonicClockImportID+"/now", nil, func() (any, error) {
				elapsed = i.now().Sub(i.start)
				return elapsed, nil
			})
			return uint64(elapsed.Nanoseconds())
		}).
		Export("now")

	l.Module(pollImportID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, durationNanos uint64) {
			requested := time.Duration(durationNanos)
			_, _ = handler.RecordBoundaryCall(ctx, i.c, pollImportID+"/poll", requested.String(), func() (any, error) {
				actual := i.clampSleep(requested)
				select {
				case <-time.After(actual):
				case <-ctx.Done():
					return nil, fmt.Errorf("timing: poll cancelled: %w", ctx.Err())
				}
				return actual.String(), nil
			})
		}).
		Export("poll")

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

// Package processh implements the process handler: spawns OS processes
// with a configured output mode, enforces a max-process count and an
// optional execution timeout, and forwards stdout/stderr/exit back into
// the actor's own exports.
//
// The handler needs the actor handle only once stdout/stderr start
// arriving, which can happen before or after Start returns depending on
// how fast the spawned process writes, so the instance holds the handle
// behind a mutex-guarded optional slot populated on Start and read by the
// background readers. Output or an exit that arrives while the slot is
// still empty is neither recorded on the chain nor forwarded.
package processh

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/process"

// OutputMode controls how a spawned process's stdout/stderr is chunked
// before being forwarded to the actor.
type OutputMode string

const (
	OutputRaw     OutputMode = "raw"     // forwarded as it is read, unbuffered by line
	OutputLine    OutputMode = "line"    // forwarded once per newline
	OutputJSON    OutputMode = "json"    // forwarded once per top-level JSON value
	OutputChunked OutputMode = "chunked" // forwarded in fixed-size chunks
)

// SpawnRequest describes one process to start.
type SpawnRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Mode    OutputMode        `json:"mode,omitempty"`
}

// OutputEvent is the payload passed to the actor's handle-process-output
// export, and recorded on the chain.
type OutputEvent struct {
	PID    int    `json:"pid"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Data   []byte `json:"data"`
}

// ExitEvent is the payload passed to the actor's handle-process-exit
// export once a spawned process terminates.
type ExitEvent struct {
	PID      int `json:"pid"`
	ExitCode int `json:"exit_code"`
}

const chunkSize = 4096

// Handler is the process handler template.
type Handler struct {
	MaxProcesses int
	Timeout      time.Duration
}

func New(maxProcesses int, timeout time.Duration) *Handler {
	return &Handler{MaxProcesses: maxProcesses, Timeout: timeout}
}

func (h *Handler) Name() string { return "process" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{maxProcesses: h.MaxProcesses, timeout: h.Timeout}, nil
}

type instance struct {
	maxProcesses int
	timeout      time.Duration

	actorID string
	c       *chain.Chain

	mu      sync.Mutex
	handle  handler.ActorHandle // populated on Start, per the deferred-ownership note above
	running int
	cancels []context.CancelFunc
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (pid uint32) {
			raw, err := handler.ReadBytes(mod, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req SpawnRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			if req.Mode == "" {
				req.Mode = OutputLine
			}

			var spawnedPID int
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/spawn", req, func() (any, error) {
				p, err := i.spawn(req)
				if err != nil {
					return nil, err
				}
				spawnedPID = p
				return p, nil
			})
			return uint32(spawnedPID)
		}).
		Export("spawn")

	return nil
}

func (i *instance) spawn(req SpawnRequest) (int, error) {
	i.mu.Lock()
	if i.maxProcesses > 0 && i.running >= i.maxProcesses {
		i.mu.Unlock()
		return 0, fmt.Errorf("processh: max process count %d reached", i.maxProcesses)
	}
	i.running++
	i.mu.Unlock()

	ctx := context.Background()
	var cancel context.CancelFunc
	if i.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		i.decRunning()
		return 0, fmt.Errorf("processh: error attaching stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		i.decRunning()
		return 0, fmt.Errorf("processh: error attaching stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		i.decRunning()
		return 0, fmt.Errorf("processh: error starting %q: %w", req.Command, err)
	}

	i.mu.Lock()
	i.cancels = append(i.cancels, cancel)
	i.mu.Unlock()

	pid := cmd.Process.Pid
	go i.readStream(pid, "stdout", stdout, req.Mode)
	go i.readStream(pid, "stderr", stderr, req.Mode)
	go i.wait(cmd, pid, cancel)

	return pid, nil
}

func (i *instance) decRunning() {
	i.mu.Lock()
	i.running--
	i.mu.Unlock()
}

func (i *instance) readStream(pid int, stream string, r interface{ Read([]byte) (int, error) }, mode OutputMode) {
	switch mode {
	case OutputLine, OutputJSON:
		scanner := bufio.NewScanner(r)
		if mode == OutputJSON {
			scanner.Split(splitJSONValues)
		}
		for scanner.Scan() {
			i.forwardOutput(pid, stream, append([]byte(nil), scanner.Bytes()...))
		}
	case OutputChunked:
		buf := make([]byte, chunkSize)
		for {
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				i.forwardOutput(pid, stream, append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	default: // OutputRaw
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				i.forwardOutput(pid, stream, append([]byte(nil), buf[:n]...))
			}
			if err != nil {
				return
			}
		}
	}
}

// splitJSONValues is a bufio.SplitFunc that scans one top-level balanced
// brace-delimited JSON value at a time, for OutputJSON mode.
func splitJSONValues(data []byte, atEOF bool) (advance int, token []byte, err error) {
	depth := 0
	start := -1
	for idx, b := range data {
		switch b {
		case '{', '[':
			if depth == 0 {
				start = idx
			}
			depth++
		case '}', ']':
			depth--
			if depth == 0 && start >= 0 {
				return idx + 1, bytes.TrimSpace(data[start : idx+1]), nil
			}
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), nil, bufio.ErrFinalToken
	}
	return 0, nil, nil
}

func (i *instance) forwardOutput(pid int, stream string, data []byte) {
	ev := OutputEvent{PID: pid, Stream: stream, Data: data}
	h := i.currentHandle()
	ctx := context.Background()
	_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/output", ev, func() (any, error) {
		if h == nil {
			return nil, nil
		}
		params, _ := json.Marshal(ev)
		_, _, err := h.CallExport(ctx, "handle-process-output", i.snapshot(h), params)
		return nil, err
	})
}

func (i *instance) wait(cmd *exec.Cmd, pid int, cancel context.CancelFunc) {
	err := cmd.Wait()
	cancel()
	i.decRunning()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	ev := ExitEvent{PID: pid, ExitCode: exitCode}
	h := i.currentHandle()
	ctx := context.Background()
	_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/exit", ev, func() (any, error) {
		if h == nil {
			return nil, nil
		}
		params, _ := json.Marshal(ev)
		_, _, callErr := h.CallExport(ctx, "handle-process-exit", i.snapshot(h), params)
		return nil, callErr
	})
}

func (i *instance) currentHandle() handler.ActorHandle {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handle
}

// snapshot fetches the actor's current state bytes if the handle exposes
// the same optional extension runtimeh uses, without invoking an export;
// handles that don't expose it pass an empty state, leaving the export to
// rely solely on its params.
func (i *instance) snapshot(h handler.ActorHandle) []byte {
	if sr, ok := h.(interface{ StateSnapshot() []byte }); ok {
		return sr.StateSnapshot()
	}
	return nil
}

func (i *instance) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}

func (i *instance) Start(ctx context.Context, h handler.ActorHandle) error {
	i.actorID = h.ActorID()
	i.c = h.Chain()
	i.mu.Lock()
	i.handle = h
	i.mu.Unlock()
	return nil
}

func (i *instance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	cancels := i.cancels
	i.cancels = nil
	i.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Package filesystemh implements the filesystem handler: allow-listed
// path access, canonicalised to prevent traversal outside the configured
// roots, with every operation recorded on the chain.
package filesystemh

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/filesystem"

// ReadRequest names the path to read.
type ReadRequest struct {
	Path string `json:"path"`
}

// WriteRequest names the path to write and the bytes to write there.
type WriteRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// ListRequest names the directory to list.
type ListRequest struct {
	Path string `json:"path"`
}

// Handler is the filesystem handler template, configured once with an
// allow-list of path prefixes (typically workspace roots); the actor
// runtime passes RuntimeConfig.AllowedPaths, not a per-manifest policy.
type Handler struct {
	AllowedPaths []string
}

func New(allowedPaths []string) *Handler {
	return &Handler{AllowedPaths: allowedPaths}
}

func (h *Handler) Name() string { return "filesystem" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	roots := make([]string, len(h.AllowedPaths))
	for i, p := range h.AllowedPaths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("filesystemh: error resolving allowed path %q: %w", p, err)
		}
		roots[i] = abs
	}
	return &instance{roots: roots}, nil
}

type instance struct {
	roots   []string
	actorID string
	c       *chain.Chain
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

// resolve canonicalises path and verifies it falls under one of the
// configured roots, defeating `..` traversal outside the sandboxed
// workspace.
func (i *instance) resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("filesystemh: invalid path %q: %w", path, err)
	}
	clean := filepath.Clean(abs)

	if len(i.roots) == 0 {
		return "", &handler.PermissionDeniedError{Err: fmt.Errorf("filesystemh: access to %q denied: no allowed paths configured", path)}
	}
	for _, root := range i.roots {
		if clean == root || strings.HasPrefix(clean, root+string(os.PathSeparator)) {
			return clean, nil
		}
	}
	return "", &handler.PermissionDeniedError{Err: fmt.Errorf("filesystemh: access to %q denied by policy", path)}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(mod, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req ReadRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}

			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/read-file", req, func() (any, error) {
				resolved, err := i.resolve(req.Path)
				if err != nil {
					return nil, err
				}
				data, err := os.ReadFile(resolved)
				if err != nil {
					return nil, fmt.Errorf("filesystemh: error reading %q: %w", req.Path, err)
				}
				out = data
				return data, nil
			})

			p, l, werr := handler.WriteBytes(ctx, mod, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("read-file")

	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (ok uint32) {
			raw, err := handler.ReadBytes(mod, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req WriteRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}

			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/write-file", req, func() (any, error) {
				resolved, err := i.resolve(req.Path)
				if err != nil {
					return nil, err
				}
				if err := os.WriteFile(resolved, req.Data, 0o644); err != nil {
					return nil, fmt.Errorf("filesystemh: error writing %q: %w", req.Path, err)
				}
				return nil, nil
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("write-file")

	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(mod, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req ListRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}

			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/list-files", req, func() (any, error) {
				resolved, err := i.resolve(req.Path)
				if err != nil {
					return nil, err
				}
				entries, err := os.ReadDir(resolved)
				if err != nil {
					return nil, fmt.Errorf("filesystemh: error listing %q: %w", req.Path, err)
				}
				names := make([]string, 0, len(entries))
				for _, e := range entries {
					names = append(names, e.Name())
				}
				out, _ = json.Marshal(names)
				return names, nil
			})

			p, l, werr := handler.WriteBytes(ctx, mod, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("list-files")

	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (ok uint32) {
			raw, err := handler.ReadBytes(mod, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req ReadRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}

			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/delete-file", req, func() (any, error) {
				resolved, err := i.resolve(req.Path)
				if err != nil {
					return nil, err
				}
				if err := os.Remove(resolved); err != nil {
					return nil, fmt.Errorf("filesystemh: error deleting %q: %w", req.Path, err)
				}
				return nil, nil
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("delete-file")

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

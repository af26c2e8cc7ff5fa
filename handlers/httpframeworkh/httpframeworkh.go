// Package httpframeworkh implements the http-framework handler: unlike
// http-client, this handler operates its own bound listener(s) and
// dispatches inbound HTTP requests into the actor's own exports, rather
// than mediating outbound calls the guest initiates.
package httpframeworkh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/http-framework"

// RequestPayload is what the actor's handle-http-request export receives.
type RequestPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// ResponsePayload is what the actor's handle-http-request export must
// return.
type ResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

type bindRequest struct {
	Addr string `json:"addr"`
}

// Handler is the http-framework handler template.
type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) Name() string { return "http-framework" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{}, nil
}

type instance struct {
	actorID string
	c       *chain.Chain

	mu       sync.Mutex
	handle   handler.ActorHandle
	listener net.Listener
	server   *http.Server
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (port uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req bindRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}

			var bound int
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/bind-listener", req, func() (any, error) {
				p, err := i.bind(req.Addr)
				if err != nil {
					return nil, err
				}
				bound = p
				return p, nil
			})
			return uint32(bound)
		}).
		Export("bind-listener")

	return nil
}

// bind opens the listener immediately (so the guest learns its bound port
// synchronously) but defers serving on it until Start, once an ActorHandle
// exists to dispatch requests into.
func (i *instance) bind(addr string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener != nil {
		return 0, fmt.Errorf("httpframeworkh: already bound to %s", i.listener.Addr())
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("httpframeworkh: error binding %s: %w", addr, err)
	}
	i.listener = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (i *instance) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}

// Start begins serving HTTP on the listener bound during setup, if any,
// dispatching every request into the actor's handle-http-request export.
func (i *instance) Start(ctx context.Context, h handler.ActorHandle) error {
	i.actorID = h.ActorID()
	i.c = h.Chain()

	i.mu.Lock()
	i.handle = h
	ln := i.listener
	i.mu.Unlock()

	if ln == nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", i.serveHTTP)
	srv := &http.Server{Handler: mux}
	i.mu.Lock()
	i.server = srv
	i.mu.Unlock()

	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

func (i *instance) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, _ := io.ReadAll(r.Body)

	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	reqPayload := RequestPayload{Method: r.Method, Path: r.URL.Path, Headers: headers, Body: body}

	var respPayload ResponsePayload
	_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/dispatch", reqPayload, func() (any, error) {
		params, _ := json.Marshal(reqPayload)
		_, result, err := i.handle.CallExport(ctx, "handle-http-request", i.snapshot(), params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(result, &respPayload); err != nil {
			return nil, fmt.Errorf("httpframeworkh: malformed response from actor: %w", err)
		}
		return respPayload, nil
	})

	if callErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	for k, v := range respPayload.Headers {
		w.Header().Set(k, v)
	}
	status := respPayload.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(respPayload.Body)
}

func (i *instance) snapshot() []byte {
	i.mu.Lock()
	h := i.handle
	i.mu.Unlock()
	if sr, ok := h.(interface{ StateSnapshot() []byte }); ok {
		return sr.StateSnapshot()
	}
	return nil
}

// Shutdown stops serving and closes the listener.
func (i *instance) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	srv := i.server
	ln := i.listener
	i.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

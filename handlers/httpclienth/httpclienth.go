// Package httpclienth implements the http-client handler: outbound HTTP
// requests gated by an allow/deny host and method list, with the full
// request and response recorded on the chain.
package httpclienth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/http-client"

type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Handler is the http-client handler template.
type Handler struct {
	AllowedHosts   map[string]struct{}
	AllowedMethods map[string]struct{}
	Client         *http.Client
}

func New(allowedHosts, allowedMethods []string) *Handler {
	h := &Handler{
		AllowedHosts:   map[string]struct{}{},
		AllowedMethods: map[string]struct{}{},
		Client:         http.DefaultClient,
	}
	for _, host := range allowedHosts {
		h.AllowedHosts[host] = struct{}{}
	}
	for _, m := range allowedMethods {
		h.AllowedMethods[m] = struct{}{}
	}
	return h
}

func (h *Handler) Name() string { return "http-client" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{hosts: h.AllowedHosts, methods: h.AllowedMethods, client: h.Client}, nil
}

type instance struct {
	hosts, methods map[string]struct{}
	client         *http.Client
	actorID        string
	c              *chain.Chain
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) checkPolicy(req Request) error {
	if len(i.methods) > 0 {
		if _, ok := i.methods[req.Method]; !ok {
			return &handler.PermissionDeniedError{Err: fmt.Errorf("http-client: method %q not allowed", req.Method)}
		}
	}
	if len(i.hosts) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return fmt.Errorf("http-client: invalid url: %w", err)
		}
		if _, ok := i.hosts[u.Host]; !ok {
			return &handler.PermissionDeniedError{Err: fmt.Errorf("http-client: host %q not allowed", u.Host)}
		}
	}
	return nil
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	l.Module(importID).NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(mod, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req Request
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}

			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/send-request", req, func() (any, error) {
				if err := i.checkPolicy(req); err != nil {
					return nil, err
				}
				resp, err := i.doRequest(ctx, req)
				if err != nil {
					return nil, err
				}
				out, _ = json.Marshal(resp)
				return resp, nil
			})

			p, l, werr := handler.WriteBytes(ctx, mod, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("send-request")

	return nil
}

func (i *instance) doRequest(ctx context.Context, req Request) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Response{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}

	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return Response{Status: resp.StatusCode, Headers: headers, Body: body}, nil
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

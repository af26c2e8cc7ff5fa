// Package messageserverh implements the message-server handler: it
// registers the actor with the Message Router and starts consuming its
// mailbox in Start, once the actor is live (not during host-function
// setup), and unregisters on shutdown. It is the one handler that drives the actor from outside
// purely through the router, rather than through any import the guest
// calls directly for inbound delivery — the guest-facing imports here are
// exclusively for outbound operations (send, request, open-channel,
// send-on-channel, close-channel); inbound delivery instead calls back into
// the actor's handle-send / handle-request / handle-channel-* exports.
package messageserverh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/colinrozzi/theater/messagerouter"
	"github.com/tetratelabs/wazero/api"
)

const importID = "theater:simple/message-server"

const mailboxDepth = 256

// eventTypeMessageReceived tags an inbound router delivery (send, request,
// or channel data) distinctly from the generic invocation event every
// export call produces, regardless of what triggered it, so a receiver's
// chain can be queried for inbound delivery count independent of which
// export handled it.
const eventTypeMessageReceived = "theater:simple/message-server/message-received"

type messageReceivedData struct {
	From string `json:"from"`
}

type sendRequest struct {
	To      string `json:"to"`
	Payload []byte `json:"payload"`
}

type openChannelRequest struct {
	Target  string `json:"target"`
	Payload []byte `json:"payload"`
}

type channelOpRequest struct {
	ChannelID string `json:"channel_id"`
	Payload   []byte `json:"payload,omitempty"`
}

// Handler is the message-server handler template, sharing one Router
// across every actor that activates it: constructed once before the
// runtime starts, passed in by handle.
type Handler struct {
	Router *messagerouter.Router
}

func New(router *messagerouter.Router) *Handler { return &Handler{Router: router} }

func (h *Handler) Name() string { return "message-server" }

func (h *Handler) Imports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (h *Handler) CreateInstance() (handler.Instance, error) {
	return &instance{router: h.Router, mailbox: make(chan messagerouter.Envelope, mailboxDepth)}, nil
}

type instance struct {
	router  *messagerouter.Router
	mailbox chan messagerouter.Envelope

	id      actorid.ID
	actorID string
	c       *chain.Chain
	handle  handler.ActorHandle

	stop chan struct{}
	done chan struct{}
}

func (i *instance) ClaimedImports() map[string]struct{} {
	return map[string]struct{}{importID: {}}
}

func (i *instance) SetupHostFunctions(ctx context.Context, l *engine.Linker) error {
	mod := l.Module(importID)

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ok uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req sendRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/send", req, func() (any, error) {
				to, err := actorid.Parse(req.To)
				if err != nil {
					return nil, err
				}
				return nil, i.router.Send(ctx, i.id, to, req.Payload)
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("send")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req sendRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}
			var out []byte
			_, _ = handler.RecordBoundaryCall(ctx, i.c, importID+"/request", req, func() (any, error) {
				to, err := actorid.Parse(req.To)
				if err != nil {
					return nil, err
				}
				resp, err := i.router.Request(ctx, i.id, to, req.Payload)
				if err != nil {
					return nil, err
				}
				out = resp
				return resp, nil
			})
			p, l, werr := handler.WriteBytes(ctx, m, out)
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("request")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ptr, length uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0, 0
			}
			var req openChannelRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0, 0
			}
			var cidStr string
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/open-channel", req, func() (any, error) {
				target, err := actorid.Parse(req.Target)
				if err != nil {
					return nil, err
				}
				cid, err := i.router.OpenChannel(ctx, i.id, target, req.Payload)
				if err != nil {
					return nil, err
				}
				cidStr = cid.String()
				return cidStr, nil
			})
			if callErr != nil {
				return 0, 0
			}
			p, l, werr := handler.WriteBytes(ctx, m, []byte(cidStr))
			if werr != nil {
				return 0, 0
			}
			return p, l
		}).
		Export("open-channel")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ok uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req channelOpRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/send-on-channel", req, func() (any, error) {
				return nil, i.sendOnChannel(ctx, req)
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("send-on-channel")

	mod.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, reqPtr, reqLen uint32) (ok uint32) {
			raw, err := handler.ReadBytes(m, reqPtr, reqLen)
			if err != nil {
				return 0
			}
			var req channelOpRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return 0
			}
			_, callErr := handler.RecordBoundaryCall(ctx, i.c, importID+"/close-channel", req, func() (any, error) {
				return nil, i.closeChannel(ctx, req)
			})
			if callErr != nil {
				return 0
			}
			return 1
		}).
		Export("close-channel")

	return nil
}

func (i *instance) sendOnChannel(ctx context.Context, req channelOpRequest) error {
	cid, err := parseChannelID(req.ChannelID)
	if err != nil {
		return err
	}
	return i.router.SendOnChannel(ctx, i.id, cid, req.Payload)
}

func (i *instance) closeChannel(ctx context.Context, req channelOpRequest) error {
	cid, err := parseChannelID(req.ChannelID)
	if err != nil {
		return err
	}
	return i.router.CloseChannel(ctx, i.id, cid)
}

// parseChannelID recovers a messagerouter.ChannelID from its textual form.
// Channel ids are handed out by OpenChannel and cross the guest boundary
// in their String() form; this wraps messagerouter.ParseChannelID and
// names the rejected text in its error.
func parseChannelID(s string) (messagerouter.ChannelID, error) {
	cid, err := messagerouter.ParseChannelID(s)
	if err != nil {
		return messagerouter.ChannelID{}, fmt.Errorf("messageserverh: invalid channel id %q: %w", s, err)
	}
	return cid, nil
}

func (i *instance) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}

// Start registers the actor with the router and begins consuming its
// mailbox. The actor handle is needed to call back into
// handle-send/handle-request/handle-channel-* exports, so this is the
// earliest point it can be taken — the handler doesn't own one at
// CreateInstance time.
func (i *instance) Start(ctx context.Context, h handler.ActorHandle) error {
	i.actorID = h.ActorID()
	i.c = h.Chain()
	i.handle = h
	id, err := actorid.Parse(h.ActorID())
	if err != nil {
		return fmt.Errorf("messageserverh: actor id %q is not a valid actorid: %w", h.ActorID(), err)
	}
	i.id = id

	i.router.Register(i.id, i.mailbox)

	i.stop = make(chan struct{})
	i.done = make(chan struct{})
	go i.consume()
	return nil
}

func (i *instance) consume() {
	defer close(i.done)
	ctx := context.Background()
	for {
		select {
		case env := <-i.mailbox:
			i.deliver(ctx, env)
		case <-i.stop:
			return
		}
	}
}

func (i *instance) deliver(ctx context.Context, env messagerouter.Envelope) {
	state := i.snapshot()
	switch env.Kind {
	case messagerouter.KindSend:
		i.recordReceived(ctx, env.From)
		_, _, _ = i.handle.CallExport(ctx, "handle-send", state, env.Payload)
	case messagerouter.KindRequest:
		i.recordReceived(ctx, env.From)
		_, result, err := i.handle.CallExport(ctx, "handle-request", state, env.Payload)
		if err != nil {
			close(env.Reply)
			return
		}
		env.Reply <- result
	case messagerouter.KindChannelOpen:
		_, result, err := i.handle.CallExport(ctx, "handle-channel-open", state, env.Payload)
		accept := err == nil && len(result) > 0 && result[0] != 0
		env.Accept <- accept
	case messagerouter.KindChannelData:
		i.recordReceived(ctx, env.From)
		_, _, _ = i.handle.CallExport(ctx, "handle-channel-message", state, env.Payload)
	case messagerouter.KindChannelClose:
		_, _, _ = i.handle.CallExport(ctx, "handle-channel-close", state, nil)
	}
}

// recordReceived appends a dedicated message-received event ahead of the
// generic invocation event the subsequent CallExport produces, so a
// receiver's chain can be queried for inbound delivery count independent
// of what export was invoked.
func (i *instance) recordReceived(ctx context.Context, from actorid.ID) {
	data, _ := json.Marshal(messageReceivedData{From: from.String()})
	_, _ = i.c.Append(ctx, eventTypeMessageReceived, data, "")
}

func (i *instance) snapshot() []byte {
	if sr, ok := i.handle.(interface{ StateSnapshot() []byte }); ok {
		return sr.StateSnapshot()
	}
	return nil
}

// Shutdown unregisters the actor from the router and stops the mailbox
// consumer.
func (i *instance) Shutdown(ctx context.Context) error {
	i.router.Unregister(i.id)
	if i.stop != nil {
		close(i.stop)
		<-i.done
	}
	return nil
}

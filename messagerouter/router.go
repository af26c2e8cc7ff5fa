// Package messagerouter implements a process-wide, lock-partitioned
// service that delivers messages between actors independently of the
// Actor Runtime. It is constructed once before the runtime starts and
// handed to every message-server handler instance by reference: explicit
// lifecycle, constructed once, passed in by handle, with no shared
// backing store, since routing state here is purely in-memory and
// per-process.
package messagerouter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/colinrozzi/theater/actorid"
	"github.com/google/uuid"
)

// ErrNoSuchActor is returned by Send, Request, and OpenChannel when the
// target actor is not currently registered.
var ErrNoSuchActor = errors.New("messagerouter: no such actor")

// ErrChannelClosed is returned by SendOnChannel when the channel is not
// open.
var ErrChannelClosed = errors.New("messagerouter: channel closed")

// ErrReplyDropped is returned by Request when the receiver closes the
// reply channel without sending a response (the message-server handler
// does this when the actor's handle-request export fails).
var ErrReplyDropped = errors.New("messagerouter: reply channel dropped")

// Envelope is one inbound item delivered to an actor's mailbox. Exactly one
// of the typed fields is set, discriminated by Kind.
type Envelope struct {
	Kind Kind

	From    actorid.ID
	Payload []byte

	// Reply is set for Kind == KindRequest; the message-server handler
	// either sends one response on it or closes it without one.
	Reply chan<- []byte

	// ChannelID is set for Kind == KindChannelOpen, KindChannelData, and
	// KindChannelClose.
	ChannelID ChannelID
	// Accept is set for Kind == KindChannelOpen; the message-server
	// handler must send exactly one decision on it.
	Accept chan<- bool
}

// Kind discriminates Envelope's payload.
type Kind int

const (
	KindSend Kind = iota
	KindRequest
	KindChannelOpen
	KindChannelData
	KindChannelClose
)

// ChannelID uniquely identifies one bidirectional channel.
type ChannelID struct {
	value uuid.UUID
}

func newChannelID() ChannelID { return ChannelID{value: uuid.New()} }

func (c ChannelID) String() string { return c.value.String() }

// ParseChannelID recovers a ChannelID from the textual form produced by
// String(), for callers (e.g. the message-server handler) that must carry
// a channel id across the guest/host boundary as bytes.
func ParseChannelID(s string) (ChannelID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ChannelID{}, err
	}
	return ChannelID{value: u}, nil
}

// ChannelState is one of the three states a Channel occupies over its
// lifetime.
type ChannelState int

const (
	ChannelPending ChannelState = iota
	ChannelOpen
	ChannelClosed
)

type channelEntry struct {
	mu            sync.Mutex
	state         ChannelState
	initiator     actorid.ID
	target        actorid.ID
}

// Router is the process-wide registry mapping ActorId to an inbound
// mailbox. It is safe for concurrent use; registration, unregistration,
// send, and request are all independent per target actor, so one actor's
// mailbox being full or slow never blocks delivery to another.
type Router struct {
	mu        sync.RWMutex
	mailboxes map[actorid.ID]chan<- Envelope

	channelsMu sync.Mutex
	channels   map[ChannelID]*channelEntry
}

// New constructs an empty Router. One Router is shared by every actor in
// the process; its lifetime is independent of any single Actor Runtime
// instance.
func New() *Router {
	return &Router{
		mailboxes: make(map[actorid.ID]chan<- Envelope),
		channels:  make(map[ChannelID]*channelEntry),
	}
}

// Register installs mailbox as the inbound channel for id, called by the
// message-server handler when its instance starts.
func (r *Router) Register(id actorid.ID, mailbox chan<- Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mailboxes[id] = mailbox
}

// Unregister removes id's mailbox, called by the message-server handler on
// shutdown. Any channels id was a party to are force-closed.
func (r *Router) Unregister(id actorid.ID) {
	r.mu.Lock()
	delete(r.mailboxes, id)
	r.mu.Unlock()

	r.channelsMu.Lock()
	for cid, ce := range r.channels {
		ce.mu.Lock()
		if ce.initiator == id || ce.target == id {
			ce.state = ChannelClosed
			delete(r.channels, cid)
		}
		ce.mu.Unlock()
	}
	r.channelsMu.Unlock()
}

func (r *Router) mailboxFor(id actorid.ID) (chan<- Envelope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mailboxes[id]
	return m, ok
}

// Send delivers payload to to's mailbox one-way. It fails with
// ErrNoSuchActor if the target is not registered. Messages from one sender
// to one receiver are delivered in send order: callers achieve this
// simply by calling Send sequentially, since each target mailbox is a
// single ordered Go channel.
func (r *Router) Send(ctx context.Context, from, to actorid.ID, payload []byte) error {
	mailbox, ok := r.mailboxFor(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchActor, to)
	}
	env := Envelope{Kind: KindSend, From: from, Payload: payload}
	select {
	case mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request delivers payload to to's mailbox and blocks for a single response
// on a fresh one-shot reply channel. It fails with ErrNoSuchActor if the
// target is unregistered, or ErrReplyDropped if the receiver's reply
// channel closes without a send.
func (r *Router) Request(ctx context.Context, from, to actorid.ID, payload []byte) ([]byte, error) {
	mailbox, ok := r.mailboxFor(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchActor, to)
	}

	reply := make(chan []byte, 1)
	env := Envelope{Kind: KindRequest, From: from, Payload: payload, Reply: reply}

	select {
	case mailbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%w: actor %s", ErrReplyDropped, to)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OpenChannel delivers an open request to target's mailbox carrying
// initialPayload and blocks for target's accept/reject decision, which the
// message-server handler makes by calling the actor's handle-channel-open
// export. On acceptance both sides hold the same ChannelID and the channel
// transitions from pending to open.
func (r *Router) OpenChannel(ctx context.Context, initiator, target actorid.ID, initialPayload []byte) (ChannelID, error) {
	mailbox, ok := r.mailboxFor(target)
	if !ok {
		return ChannelID{}, fmt.Errorf("%w: %s", ErrNoSuchActor, target)
	}

	cid := newChannelID()
	ce := &channelEntry{state: ChannelPending, initiator: initiator, target: target}
	r.channelsMu.Lock()
	r.channels[cid] = ce
	r.channelsMu.Unlock()

	accept := make(chan bool, 1)
	env := Envelope{Kind: KindChannelOpen, From: initiator, Payload: initialPayload, ChannelID: cid, Accept: accept}

	select {
	case mailbox <- env:
	case <-ctx.Done():
		r.dropChannel(cid)
		return ChannelID{}, ctx.Err()
	}

	select {
	case ok := <-accept:
		ce.mu.Lock()
		defer ce.mu.Unlock()
		if !ok {
			delete(r.channels, cid)
			ce.state = ChannelClosed
			return ChannelID{}, fmt.Errorf("messagerouter: channel rejected by %s", target)
		}
		ce.state = ChannelOpen
		return cid, nil
	case <-ctx.Done():
		r.dropChannel(cid)
		return ChannelID{}, ctx.Err()
	}
}

func (r *Router) dropChannel(cid ChannelID) {
	r.channelsMu.Lock()
	delete(r.channels, cid)
	r.channelsMu.Unlock()
}

// SendOnChannel delivers payload on an open channel to the other party's
// mailbox (the caller identifies itself so the other party can be
// resolved). It fails with ErrChannelClosed if the
// channel is not open.
func (r *Router) SendOnChannel(ctx context.Context, from actorid.ID, cid ChannelID, payload []byte) error {
	r.channelsMu.Lock()
	ce, ok := r.channels[cid]
	r.channelsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelClosed, cid)
	}

	ce.mu.Lock()
	if ce.state != ChannelOpen {
		ce.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelClosed, cid)
	}
	to := ce.target
	if from == ce.target {
		to = ce.initiator
	}
	ce.mu.Unlock()

	mailbox, ok := r.mailboxFor(to)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchActor, to)
	}

	env := Envelope{Kind: KindChannelData, From: from, Payload: payload, ChannelID: cid}
	select {
	case mailbox <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseChannel transitions cid to closed and notifies the party other than
// from, best effort (a full or unregistered mailbox is skipped).
// Further sends on it fail with ErrChannelClosed.
func (r *Router) CloseChannel(ctx context.Context, from actorid.ID, cid ChannelID) error {
	r.channelsMu.Lock()
	ce, ok := r.channels[cid]
	if ok {
		delete(r.channels, cid)
	}
	r.channelsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelClosed, cid)
	}

	ce.mu.Lock()
	ce.state = ChannelClosed
	initiator, target := ce.initiator, ce.target
	ce.mu.Unlock()

	for _, peer := range []actorid.ID{initiator, target} {
		if peer == from {
			continue
		}
		if mailbox, ok := r.mailboxFor(peer); ok {
			env := Envelope{Kind: KindChannelClose, From: from, ChannelID: cid}
			select {
			case mailbox <- env:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// Best-effort notification: a full or gone mailbox must
				// not block the closer.
			}
		}
	}
	return nil
}

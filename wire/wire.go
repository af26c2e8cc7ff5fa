// Package wire defines the over-the-wire protocol consumed by the actor
// runtime's command inbox: a Go type for every command and response, and
// a length-prefixed JSON frame codec. The TCP/Unix-socket server that
// would speak this protocol to real clients is out of scope here; this
// package is the contract such a server implements against.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/manifest"
	"github.com/colinrozzi/theater/supervision"
)

// CommandType names one of the runtime command protocol's verbs.
type CommandType string

const (
	CommandSpawn           CommandType = "spawn"
	CommandResume          CommandType = "resume"
	CommandStop            CommandType = "stop"
	CommandTerminate       CommandType = "terminate"
	CommandRestart         CommandType = "restart"
	CommandList            CommandType = "list"
	CommandGetManifest     CommandType = "get_manifest"
	CommandGetStatus       CommandType = "get_status"
	CommandGetState        CommandType = "get_state"
	CommandGetEvents       CommandType = "get_events"
	CommandGetMetrics      CommandType = "get_metrics"
	CommandSubscribe       CommandType = "subscribe"
	CommandUnsubscribe     CommandType = "unsubscribe"
	CommandSend            CommandType = "send"
	CommandRequest         CommandType = "request"
	CommandOpenChannel     CommandType = "open_channel"
	CommandSendOnChannel   CommandType = "send_on_channel"
	CommandCloseChannel    CommandType = "close_channel"
)

// ResponseType names one of the runtime command protocol's response kinds.
type ResponseType string

const (
	ResponseActorStarted   ResponseType = "actor_started"
	ResponseActorStopped   ResponseType = "actor_stopped"
	ResponseTerminated     ResponseType = "terminated"
	ResponseRestarted      ResponseType = "restarted"
	ResponseList           ResponseType = "list"
	ResponseManifest       ResponseType = "manifest"
	ResponseStatus         ResponseType = "status"
	ResponseState          ResponseType = "state"
	ResponseEvents         ResponseType = "events"
	ResponseMetrics        ResponseType = "metrics"
	ResponseSubscribed     ResponseType = "subscribed"
	ResponseUnsubscribed   ResponseType = "unsubscribed"
	ResponseActorEvent     ResponseType = "actor_event"
	ResponseSent           ResponseType = "sent"
	ResponseResponse       ResponseType = "response"
	ResponseChannelOpened  ResponseType = "channel_opened"
	ResponseAck            ResponseType = "ack"
	ResponseError          ResponseType = "error"
)

// Command is one frame sent to the runtime's command inbox. Exactly one of
// the typed payload fields is populated, selected by Type.
type Command struct {
	Type CommandType `json:"type"`

	// Spawn / Resume
	Manifest     manifest.Manifest `json:"manifest,omitempty"`
	InitialState []byte            `json:"initial_state,omitempty"`
	Parent       actorid.ID        `json:"parent,omitempty"`
	Subscribe    bool              `json:"subscribe,omitempty"`

	// Stop / Terminate / Restart / GetManifest / GetStatus / GetState /
	// GetEvents / GetMetrics / Unsubscribe / Send / Request / OpenChannel
	ActorID actorid.ID `json:"actor_id,omitempty"`

	// Unsubscribe
	SubscriptionID string `json:"subscription_id,omitempty"`

	// Send / Request / OpenChannel / SendOnChannel
	Payload []byte `json:"payload,omitempty"`

	// OpenChannel
	Target actorid.ID `json:"target,omitempty"`

	// SendOnChannel / CloseChannel
	ChannelID string `json:"channel_id,omitempty"`
}

// Response is one frame returned from the runtime's command inbox.
type Response struct {
	Type ResponseType `json:"type"`

	ActorID actorid.ID `json:"actor_id,omitempty"`

	Actors []ActorListEntry `json:"actors,omitempty"`

	Manifest manifest.Manifest  `json:"manifest,omitempty"`
	Status   supervision.Status `json:"status,omitempty"`
	State    []byte             `json:"state,omitempty"`
	Events   []chain.Event      `json:"events,omitempty"`
	Metrics  *ResponseMetricsBody `json:"metrics,omitempty"`

	SubscriptionID string      `json:"subscription_id,omitempty"`
	Event          *chain.Event `json:"event,omitempty"`

	Payload   []byte `json:"payload,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`

	// Error is populated when Type == ResponseError.
	Error *ErrorBody `json:"error,omitempty"`
}

// ActorListEntry is one row of a List response.
type ActorListEntry struct {
	ID   actorid.ID `json:"id"`
	Name string     `json:"name"`
}

// ResponseMetricsBody is GetMetrics' response payload.
type ResponseMetricsBody struct {
	EventCount int                `json:"event_count"`
	ChainValid bool               `json:"chain_valid"`
	Status     supervision.Status `json:"status"`
}

// ErrorCode classifies an ErrorBody by error taxonomy.
type ErrorCode string

const (
	ErrorCodeLoad        ErrorCode = "load_error"
	ErrorCodePermission  ErrorCode = "permission_denied"
	ErrorCodeTrap        ErrorCode = "trapped"
	ErrorCodeHandler     ErrorCode = "handler_error"
	ErrorCodeRouting     ErrorCode = "routing_error"
	ErrorCodeProtocol    ErrorCode = "protocol_error"
	ErrorCodeSupervision ErrorCode = "supervision_failure"
	ErrorCodeUnknown     ErrorCode = "unknown"
)

// ErrorBody is an error response's payload: a code and a message.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// NewErrorResponse builds a Response carrying an error frame.
func NewErrorResponse(code ErrorCode, err error) Response {
	return Response{
		Type:  ResponseError,
		Error: &ErrorBody{Code: code, Message: err.Error()},
	}
}

// MarshalCommand encodes a Command to its wire JSON form.
func MarshalCommand(c Command) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding command: %w", err)
	}
	return b, nil
}

// UnmarshalCommand decodes a Command from its wire JSON form.
func UnmarshalCommand(data []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return Command{}, fmt.Errorf("wire: error decoding command: %w", err)
	}
	return c, nil
}

// MarshalResponse encodes a Response to its wire JSON form.
func MarshalResponse(r Response) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("wire: error encoding response: %w", err)
	}
	return b, nil
}

// UnmarshalResponse decodes a Response from its wire JSON form.
func UnmarshalResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("wire: error decoding response: %w", err)
	}
	return r, nil
}

package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/colinrozzi/theater/chain"
)

// PermissionDeniedError marks a handler's policy check failure (an
// allow/deny list rejecting a requested path, host, env var, and so on),
// distinguishing it from any other handler error so RecordBoundaryCall can
// record it as a dedicated permission-denied chain event rather than a
// generic one. Handlers wrap their policy-check errors with this type
// before returning them from the fn passed to RecordBoundaryCall.
type PermissionDeniedError struct {
	Err error
}

func (e *PermissionDeniedError) Error() string { return e.Err.Error() }
func (e *PermissionDeniedError) Unwrap() error { return e.Err }

// RecordBoundaryCall appends the before/after chain events required of
// every boundary-mediating handler: a request event, then fn, then a
// response, permission-denied, or generic error event. op is the
// slash-separated event-type prefix, e.g. "theater:simple/runtime/log".
func RecordBoundaryCall(ctx context.Context, c *chain.Chain, op string, reqData any, fn func() (any, error)) (any, error) {
	reqBytes, _ := json.Marshal(reqData)
	if _, err := c.Append(ctx, op+"/call", reqBytes, ""); err != nil {
		return nil, err
	}

	resp, callErr := fn()

	if callErr != nil {
		eventType := op + "/error"
		var denied *PermissionDeniedError
		if errors.As(callErr, &denied) {
			eventType = chain.EventTypePermissionDenied
		}
		errBytes, _ := json.Marshal(map[string]string{"error": callErr.Error()})
		if _, appendErr := c.Append(ctx, eventType, errBytes, ""); appendErr != nil {
			return nil, appendErr
		}
		return nil, callErr
	}

	respBytes, _ := json.Marshal(resp)
	if _, err := c.Append(ctx, op+"/result", respBytes, ""); err != nil {
		return nil, err
	}
	return resp, nil
}

package handler_test

import (
	"context"
	"errors"
	"testing"

	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/handler"
	"github.com/stretchr/testify/require"
)

func TestRecordBoundaryCallSuccessRecordsCallAndResult(t *testing.T) {
	ctx := context.Background()
	c, err := chain.New(ctx, "actor-1", nil)
	require.NoError(t, err)

	resp, err := handler.RecordBoundaryCall(ctx, c, "theater:simple/test/op", "req", func() (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)

	events := c.Events()
	require.Len(t, events, 2)
	require.Equal(t, "theater:simple/test/op/call", events[0].EventType)
	require.Equal(t, "theater:simple/test/op/result", events[1].EventType)
}

func TestRecordBoundaryCallGenericErrorRecordsErrorEvent(t *testing.T) {
	ctx := context.Background()
	c, err := chain.New(ctx, "actor-1", nil)
	require.NoError(t, err)

	_, err = handler.RecordBoundaryCall(ctx, c, "theater:simple/test/op", "req", func() (any, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	events := c.Events()
	require.Len(t, events, 2)
	require.Equal(t, "theater:simple/test/op/error", events[1].EventType)
}

func TestRecordBoundaryCallPermissionDeniedRecordsDedicatedEvent(t *testing.T) {
	ctx := context.Background()
	c, err := chain.New(ctx, "actor-1", nil)
	require.NoError(t, err)

	_, err = handler.RecordBoundaryCall(ctx, c, "theater:simple/test/op", "req", func() (any, error) {
		return nil, &handler.PermissionDeniedError{Err: errors.New("denied")}
	})
	require.Error(t, err)

	events := c.Events()
	require.Len(t, events, 2)
	require.Equal(t, chain.EventTypePermissionDenied, events[1].EventType)
}

package actor

import (
	"context"
	"testing"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/stretchr/testify/require"
)

// emptyModule is the minimal valid WASM module: magic + version, no
// sections, no exports. It is enough to produce a real *engine.Instance to
// exercise Handle's bookkeeping (ActorID, Chain, StateSnapshot, shutdown)
// without needing a hand-assembled export implementing the canonical
// calling convention.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestHandle(t *testing.T) (*Handle, *chain.Chain) {
	t.Helper()
	ctx := context.Background()
	id := actorid.New()

	eng := engine.New()
	t.Cleanup(func() { _ = eng.Close(ctx) })

	c, err := eng.Load(ctx, emptyModule)
	require.NoError(t, err)
	linked, err := c.Link(ctx, nil)
	require.NoError(t, err)
	inst, err := linked.Instantiate(ctx, id.String())
	require.NoError(t, err)

	ch, err := chain.New(ctx, id.String(), nil)
	require.NoError(t, err)
	st := NewStore([]byte("initial"), ch)

	return newHandle(id, ch, st, inst), ch
}

func TestHandleIdentityAndSnapshot(t *testing.T) {
	h, ch := newTestHandle(t)
	defer h.close()

	require.NotEmpty(t, h.ActorID())
	require.Same(t, ch, h.Chain())
	require.Equal(t, []byte("initial"), h.StateSnapshot())
}

func TestHandleCallMissingExportDoesNotCommitState(t *testing.T) {
	h, ch := newTestHandle(t)
	defer h.close()

	before := h.StateSnapshot()
	beforeLen := ch.Len()

	_, _, err := h.CallExport(context.Background(), "nonexistent", nil, []byte("params"))
	require.Error(t, err)

	require.Equal(t, before, h.StateSnapshot())

	events := ch.Events()
	require.Greater(t, len(events), beforeLen)
	last := events[len(events)-1]
	require.Equal(t, chain.EventTypeTrapped, last.EventType)
}

func TestHandleCloseRejectsFurtherCalls(t *testing.T) {
	h, _ := newTestHandle(t)
	h.close()

	_, _, err := h.CallExport(context.Background(), "anything", nil, nil)
	require.Error(t, err)
}

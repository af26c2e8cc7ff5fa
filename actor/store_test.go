package actor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/colinrozzi/theater/chain"
	"github.com/stretchr/testify/require"
)

func TestStoreCommitAppendsStateChangeAndSwapsState(t *testing.T) {
	ctx := context.Background()
	c, err := chain.New(ctx, "actor-1", nil)
	require.NoError(t, err)

	st := NewStore([]byte("initial"), c)
	require.Equal(t, []byte("initial"), st.Current())

	_, err = st.Commit(ctx, []byte("next"))
	require.NoError(t, err)
	require.Equal(t, []byte("next"), st.Current())

	events := c.Events()
	require.Len(t, events, 1)
	require.Equal(t, chain.EventTypeStateChange, events[0].EventType)

	var scd chain.StateChangeData
	require.NoError(t, json.Unmarshal(events[0].Data, &scd))
	require.Equal(t, chain.HashState([]byte("initial")), scd.PreStateHash)
	require.Equal(t, chain.HashState([]byte("next")), scd.PostStateHash)
}

func TestStoreCurrentReturnsDefensiveCopy(t *testing.T) {
	ctx := context.Background()
	c, err := chain.New(ctx, "actor-1", nil)
	require.NoError(t, err)

	st := NewStore([]byte("abc"), c)
	got := st.Current()
	got[0] = 'z'
	require.Equal(t, []byte("abc"), st.Current())
}

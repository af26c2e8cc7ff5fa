package storeh_test

import (
	"context"
	"testing"

	"github.com/colinrozzi/theater/handlers/storeh"
	"github.com/colinrozzi/theater/store"
	"github.com/stretchr/testify/require"
)

func TestStoreGetRoundTrip(t *testing.T) {
	s, err := store.NewDiskStore(t.TempDir(), "test-store")
	require.NoError(t, err)

	h := storeh.New(s)
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	require.NotNil(t, inst)

	ctx := context.Background()
	ref, err := s.Store(ctx, []byte("hello"))
	require.NoError(t, err)

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestLabelAndGetByLabel(t *testing.T) {
	s, err := store.NewDiskStore(t.TempDir(), "test-store")
	require.NoError(t, err)

	ctx := context.Background()
	ref, err := s.Store(ctx, []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Label(ctx, "greeting", ref))

	got, ok, err := s.GetByLabel(ctx, "greeting")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref, got)
}

func TestGetByLabelUnboundReturnsNotFound(t *testing.T) {
	s, err := store.NewDiskStore(t.TempDir(), "test-store")
	require.NoError(t, err)

	_, ok, err := s.GetByLabel(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandlerClaimsStoreImport(t *testing.T) {
	s, err := store.NewDiskStore(t.TempDir(), "test-store")
	require.NoError(t, err)

	h := storeh.New(s)
	require.Contains(t, h.Imports(), "theater:simple/store")
}

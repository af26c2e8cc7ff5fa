package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/colinrozzi/theater/store"
	"github.com/stretchr/testify/require"
)

// testAllCommon exercises the Store contract against any implementation,
// running the same behavioral suite against every backend.
func testAllCommon(t *testing.T, ctor func() store.Store) {
	t.Run("round trip", func(t *testing.T) { testRoundTrip(t, ctor()) })
	t.Run("dedup", func(t *testing.T) { testDedup(t, ctor()) })
	t.Run("labels", func(t *testing.T) { testLabels(t, ctor()) })
	t.Run("label idempotence", func(t *testing.T) { testLabelIdempotence(t, ctor()) })
}

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	data := []byte("hello world")

	ref, err := s.Store(ctx, data)
	require.NoError(t, err)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, data, got)

	ref2, err := s.Store(ctx, got)
	require.NoError(t, err)
	require.Equal(t, ref, ref2)

	exists, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	require.True(t, exists)

	_, err = s.Get(ctx, store.RefOf([]byte("never stored")))
	require.ErrorIs(t, err, store.ErrNotFound)
}

// testDedup verifies storing identical content twice dedupes on disk.
func testDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	ref1, err := s.Store(ctx, payload)
	require.NoError(t, err)
	ref2, err := s.Store(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	all, err := s.ListAllContent(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	size, err := s.CalculateTotalSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1024), size)
}

func testLabels(t *testing.T, s store.Store) {
	ctx := context.Background()

	ref, err := s.StoreAtLabel(ctx, "latest", []byte("v1"))
	require.NoError(t, err)

	got, ok, err := s.GetByLabel(ctx, "latest")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref, got)

	// Setting a label overwrites any previous binding, no implicit history.
	newRef, err := s.ReplaceContentAtLabel(ctx, "latest", []byte("v2"))
	require.NoError(t, err)
	require.NotEqual(t, ref, newRef)

	got, ok, err = s.GetByLabel(ctx, "latest")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newRef, got)

	labels, err := s.ListLabels(ctx)
	require.NoError(t, err)
	require.Contains(t, labels, "latest")

	_, err = s.ReplaceContentAtLabel(ctx, "never-bound", []byte("x"))
	require.Error(t, err)
}

// testLabelIdempotence checks that remove-label; remove-label is
// equivalent to remove-label.
func testLabelIdempotence(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.StoreAtLabel(ctx, "tmp", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveLabel(ctx, "tmp"))
	require.NoError(t, s.RemoveLabel(ctx, "tmp"))

	_, ok, err := s.GetByLabel(ctx, "tmp")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDiskStore(t *testing.T) {
	testAllCommon(t, func() store.Store {
		s, err := store.NewDiskStore(filepath.Join(t.TempDir(), "disk"), "actors")
		require.NoError(t, err)
		return s
	})
}

func TestDiskStoreNamespacedByStoreID(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := store.NewDiskStore(dir, "store-a")
	require.NoError(t, err)
	s2, err := store.NewDiskStore(dir, "store-b")
	require.NoError(t, err)

	ref, err := s1.Store(ctx, []byte("only in a"))
	require.NoError(t, err)

	exists, err := s2.Exists(ctx, ref)
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDiskStoreSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := store.NewDiskStore(dir, "actors")
	require.NoError(t, err)
	ref, err := s1.StoreAtLabel(ctx, "init", []byte("persisted"))
	require.NoError(t, err)

	s2, err := store.NewDiskStore(dir, "actors")
	require.NoError(t, err)

	got, err := s2.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)

	labelRef, ok, err := s2.GetByLabel(ctx, "init")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ref, labelRef)
}

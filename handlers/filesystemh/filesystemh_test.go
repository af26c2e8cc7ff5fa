package filesystemh

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/colinrozzi/theater/handler"
	"github.com/stretchr/testify/require"
)

func TestResolveAllowsPathUnderRoot(t *testing.T) {
	root := t.TempDir()
	h := New([]string{root})
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	resolved, err := i.resolve(filepath.Join(root, "file.txt"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "file.txt"), resolved)
}

func TestResolveDeniesPathOutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	h := New([]string{root})
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	_, err = i.resolve(filepath.Join(outside, "file.txt"))
	require.Error(t, err)
	var denied *handler.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
}

func TestResolveDeniesTraversalOutsideRoot(t *testing.T) {
	root := t.TempDir()
	h := New([]string{root})
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	_, err = i.resolve(filepath.Join(root, "..", "escaped.txt"))
	require.Error(t, err)
}

func TestResolveDeniesEverythingWithNoAllowedPaths(t *testing.T) {
	h := New(nil)
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	_, err = i.resolve("/tmp/whatever")
	require.Error(t, err)
	var denied *handler.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
}

func TestReadWriteListRoundTrip(t *testing.T) {
	root := t.TempDir()
	h := New([]string{root})
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	path := filepath.Join(root, "hello.txt")
	resolved, err := i.resolve(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(resolved, []byte("hi"), 0o644))

	data, err := os.ReadFile(resolved)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), data)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

package httpclienth

import (
	"errors"
	"testing"

	"github.com/colinrozzi/theater/handler"
	"github.com/stretchr/testify/require"
)

func TestCheckPolicyAllowsEverythingWithNoLists(t *testing.T) {
	h := New(nil, nil)
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	require.NoError(t, i.checkPolicy(Request{Method: "GET", URL: "https://example.com/"}))
}

func TestCheckPolicyDeniesDisallowedMethod(t *testing.T) {
	h := New(nil, []string{"GET"})
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	err = i.checkPolicy(Request{Method: "POST", URL: "https://example.com/"})
	var denied *handler.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
}

func TestCheckPolicyDeniesDisallowedHost(t *testing.T) {
	h := New([]string{"example.com"}, nil)
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	err = i.checkPolicy(Request{Method: "GET", URL: "https://evil.example/"})
	var denied *handler.PermissionDeniedError
	require.True(t, errors.As(err, &denied))
}

func TestCheckPolicyAllowsAllowedHostAndMethod(t *testing.T) {
	h := New([]string{"example.com"}, []string{"GET"})
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	require.NoError(t, i.checkPolicy(Request{Method: "GET", URL: "https://example.com/path"}))
}

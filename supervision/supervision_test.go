package supervision_test

import (
	"testing"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/supervision"
	"github.com/stretchr/testify/require"
)

func TestRestartCycleBumpsGeneration(t *testing.T) {
	r := supervision.NewRegistry()
	child := actorid.New()
	r.Spawn(child, "manifests/child.yaml")

	require.NoError(t, r.Transition(child, supervision.StatusFailed))
	require.NoError(t, r.Transition(child, supervision.StatusRestarting))
	require.NoError(t, r.Transition(child, supervision.StatusRunning))

	rec, err := r.Get(child)
	require.NoError(t, err)
	require.Equal(t, supervision.StatusRunning, rec.Status)
	require.Equal(t, 1, rec.Generation)
}

func TestInvalidTransitionRejected(t *testing.T) {
	r := supervision.NewRegistry()
	child := actorid.New()
	r.Spawn(child, "manifests/child.yaml")

	err := r.Transition(child, supervision.StatusRunning)
	require.ErrorIs(t, err, supervision.ErrInvalidTransition)
}

func TestTerminatedIsReachableFromAnyState(t *testing.T) {
	r := supervision.NewRegistry()
	child := actorid.New()
	r.Spawn(child, "manifests/child.yaml")

	require.NoError(t, r.Transition(child, supervision.StatusTerminated))
	rec, err := r.Get(child)
	require.NoError(t, err)
	require.Equal(t, supervision.StatusTerminated, rec.Status)
}

func TestUnknownChild(t *testing.T) {
	r := supervision.NewRegistry()
	_, err := r.Get(actorid.New())
	require.ErrorIs(t, err, supervision.ErrUnknownChild)
}

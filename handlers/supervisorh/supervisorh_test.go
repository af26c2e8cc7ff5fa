package supervisorh

import (
	"context"
	"testing"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/manifest"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	restarted, stopped []actorid.ID
}

func (f *fakeController) SpawnChild(ctx context.Context, parent actorid.ID, man manifest.Manifest) (actorid.ID, error) {
	return actorid.New(), nil
}
func (f *fakeController) ResumeChild(ctx context.Context, parent actorid.ID, man manifest.Manifest, savedState []byte) (actorid.ID, error) {
	return actorid.New(), nil
}
func (f *fakeController) RestartChild(ctx context.Context, child actorid.ID) error {
	f.restarted = append(f.restarted, child)
	return nil
}
func (f *fakeController) StopChild(ctx context.Context, child actorid.ID) error {
	f.stopped = append(f.stopped, child)
	return nil
}
func (f *fakeController) GetChildState(ctx context.Context, child actorid.ID) ([]byte, error) {
	return nil, nil
}
func (f *fakeController) GetChildEvents(ctx context.Context, child actorid.ID) ([]chain.Event, error) {
	return nil, nil
}

type fakeHandle struct {
	id string
	c  *chain.Chain
}

func (f *fakeHandle) ActorID() string     { return f.id }
func (f *fakeHandle) Chain() *chain.Chain { return f.c }
func (f *fakeHandle) CallExport(ctx context.Context, name string, _ []byte, _ []byte) ([]byte, []byte, error) {
	return nil, []byte("restart"), nil
}

func newTestInstance(t *testing.T) (*instance, *fakeController, actorid.ID) {
	t.Helper()
	ctrl := &fakeController{}
	h := New(ctrl)
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	c, err := chain.New(context.Background(), "parent-1", nil)
	require.NoError(t, err)
	fh := &fakeHandle{id: "parent-1", c: c}
	require.NoError(t, i.Start(context.Background(), fh))

	child := actorid.New()
	i.children.Spawn(child, "component.wasm")
	return i, ctrl, child
}

func TestDecodeDecisionRecognisesEachValue(t *testing.T) {
	require.Equal(t, DecisionRestart, decodeDecision([]byte("restart")))
	require.Equal(t, DecisionResume, decodeDecision([]byte("resume")))
	require.Equal(t, DecisionStop, decodeDecision([]byte("stop")))
	require.Equal(t, DecisionStop, decodeDecision([]byte("garbage")))
}

func TestNotifyFailedAppliesRestartDecision(t *testing.T) {
	i, ctrl, child := newTestInstance(t)

	err := i.NotifyFailed(context.Background(), child, []byte("trap"))
	require.NoError(t, err)
	require.Contains(t, ctrl.restarted, child)

	rec, err := i.children.Get(child)
	require.NoError(t, err)
	require.Equal(t, 1, rec.Generation)
}

func TestApplyDecisionStopRemovesChild(t *testing.T) {
	i, ctrl, child := newTestInstance(t)

	decision, err := i.applyDecision(context.Background(), child, []byte("stop"))
	require.NoError(t, err)
	require.Equal(t, DecisionStop, decision)
	require.Contains(t, ctrl.stopped, child)

	_, err = i.children.Get(child)
	require.Error(t, err)
}

package actor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/engine"
	"github.com/colinrozzi/theater/handler"
	"github.com/colinrozzi/theater/manifest"
	"github.com/colinrozzi/theater/messagerouter"
	"github.com/colinrozzi/theater/store"
	"github.com/colinrozzi/theater/supervision"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	s, err := store.NewDiskStore(t.TempDir(), "test")
	require.NoError(t, err)

	eng := engine.New()
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	return NewRuntime(RuntimeConfig{
		Logger:       zerolog.Nop(),
		Engine:       eng,
		ContentStore: s,
		Router:       messagerouter.New(),
	})
}

func TestCheckHandlersRejectsUnknownType(t *testing.T) {
	rt := newTestRuntime(t)
	man := manifest.Manifest{
		Name:      "test",
		Component: "unused",
		Handlers:  []manifest.HandlerEntry{{Type: "not-a-real-handler"}},
	}
	err := rt.checkHandlers(man)
	require.Error(t, err)
}

func TestCheckHandlersAcceptsKnownTypes(t *testing.T) {
	rt := newTestRuntime(t)
	man := manifest.Manifest{
		Name:      "test",
		Component: "unused",
		Handlers:  []manifest.HandlerEntry{{Type: "runtime"}, {Type: "store"}},
	}
	require.NoError(t, rt.checkHandlers(man))
}

func TestPersisterForRespectsSaveChain(t *testing.T) {
	rt := newTestRuntime(t)
	rt.persister = &chain.BoltPersister{}

	require.Nil(t, rt.persisterFor(manifest.Manifest{SaveChain: false}))
	require.NotNil(t, rt.persisterFor(manifest.Manifest{SaveChain: true}))
}

func TestAppendGenesisRecordsManifestAndStateHash(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)
	c, err := chain.New(ctx, "actor-x", nil)
	require.NoError(t, err)

	man := manifest.Manifest{Name: "test", Component: "unused"}
	_, err = rt.appendGenesis(ctx, c, man, []byte("seed"))
	require.NoError(t, err)

	events := c.Events()
	require.Len(t, events, 1)
	require.Equal(t, chain.EventTypeGenesis, events[0].EventType)

	var desc genesisDescriptor
	require.NoError(t, json.Unmarshal(events[0].Data, &desc))
	require.Equal(t, "test", desc.Manifest.Name)
	require.Equal(t, chain.HashState([]byte("seed")), desc.InitStateHash)
}

// fakeNotifier is a minimal handler.Instance that also implements
// supervisorh.Notifier, recording every notification it receives so tests
// can assert on the Runtime's parent-notification wiring without a real
// supervisor handler instance.
type fakeNotifier struct {
	mu      sync.Mutex
	failed  []actorid.ID
	exited  []actorid.ID
	extStop []actorid.ID
}

func (f *fakeNotifier) ClaimedImports() map[string]struct{} { return nil }
func (f *fakeNotifier) SetupHostFunctions(ctx context.Context, l *engine.Linker) error { return nil }
func (f *fakeNotifier) AddExportFunctions(ctx context.Context, exports map[string]struct{}) error {
	return nil
}
func (f *fakeNotifier) Start(ctx context.Context, h handler.ActorHandle) error { return nil }
func (f *fakeNotifier) Shutdown(ctx context.Context) error                    { return nil }

func (f *fakeNotifier) NotifyFailed(ctx context.Context, child actorid.ID, diagnostic []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, child)
	return nil
}

func (f *fakeNotifier) NotifyExited(ctx context.Context, child actorid.ID, diagnostic []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = append(f.exited, child)
	return nil
}

func (f *fakeNotifier) NotifyExternalStop(ctx context.Context, child actorid.ID, diagnostic []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extStop = append(f.extStop, child)
	return nil
}

var _ handler.Instance = (*fakeNotifier)(nil)

func TestStopNotifiesParentExternalStop(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	parentID := actorid.New()
	notifier := &fakeNotifier{}
	rt.mu.Lock()
	rt.actors[parentID] = &entry{id: parentID, instances: []handler.Instance{notifier}, status: supervision.StatusRunning}
	rt.mu.Unlock()

	childHandle, childChain := newTestHandle(t)
	childID, err := actorid.Parse(childHandle.ActorID())
	require.NoError(t, err)

	rt.mu.Lock()
	rt.actors[childID] = &entry{
		id:       childID,
		parent:   parentID,
		handle:   childHandle,
		chainRef: childChain,
		status:   supervision.StatusRunning,
	}
	rt.mu.Unlock()

	require.NoError(t, rt.Stop(ctx, childID))

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Equal(t, []actorid.ID{childID}, notifier.extStop)
	require.Empty(t, notifier.exited)
	require.Empty(t, notifier.failed)
}

func TestReportFailureNotifiesParent(t *testing.T) {
	rt := newTestRuntime(t)

	parentID := actorid.New()
	notifier := &fakeNotifier{}
	rt.mu.Lock()
	rt.actors[parentID] = &entry{id: parentID, instances: []handler.Instance{notifier}, status: supervision.StatusRunning}
	rt.mu.Unlock()

	childHandle, childChain := newTestHandle(t)
	defer childHandle.close()
	childID, err := actorid.Parse(childHandle.ActorID())
	require.NoError(t, err)

	rt.mu.Lock()
	rt.actors[childID] = &entry{
		id:       childID,
		parent:   parentID,
		handle:   childHandle,
		chainRef: childChain,
		status:   supervision.StatusRunning,
	}
	rt.mu.Unlock()

	rt.reportFailure(childID, context.DeadlineExceeded)

	status, err := rt.GetStatus(context.Background(), childID)
	require.NoError(t, err)
	require.Equal(t, supervision.StatusFailed, status)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Equal(t, []actorid.ID{childID}, notifier.failed)
}

func TestListAndGetMetrics(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	h, c := newTestHandle(t)
	defer h.close()
	id, err := actorid.Parse(h.ActorID())
	require.NoError(t, err)
	_, err = c.Append(ctx, chain.EventTypeGenesis, []byte("{}"), "")
	require.NoError(t, err)

	rt.mu.Lock()
	rt.actors[id] = &entry{
		id:       id,
		manifest: manifest.Manifest{Name: "widget"},
		chainRef: c,
		handle:   h,
		status:   supervision.StatusRunning,
	}
	rt.mu.Unlock()

	list := rt.List()
	require.Len(t, list, 1)
	require.Equal(t, "widget", list[0].Name)

	metrics, err := rt.GetMetrics(ctx, id)
	require.NoError(t, err)
	require.True(t, metrics.ChainValid)
	require.Equal(t, 1, metrics.EventCount)
}

func TestSubscribeStreamsNewEvents(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	h, c := newTestHandle(t)
	defer h.close()
	id, err := actorid.Parse(h.ActorID())
	require.NoError(t, err)

	rt.mu.Lock()
	rt.actors[id] = &entry{id: id, chainRef: c, handle: h, status: supervision.StatusRunning}
	rt.mu.Unlock()

	events, cancel, err := rt.Subscribe(ctx, id)
	require.NoError(t, err)
	defer cancel()

	_, err = c.Append(ctx, chain.EventTypeGenesis, []byte("{}"), "subscribed event")
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, "subscribed event", ev.Description)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestRequestShutdownStopsActor(t *testing.T) {
	rt := newTestRuntime(t)

	h, c := newTestHandle(t)
	id, err := actorid.Parse(h.ActorID())
	require.NoError(t, err)

	rt.mu.Lock()
	rt.actors[id] = &entry{id: id, chainRef: c, handle: h, status: supervision.StatusRunning}
	rt.mu.Unlock()

	rt.RequestShutdown(id.String())

	require.Eventually(t, func() bool {
		_, err := rt.get(id)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

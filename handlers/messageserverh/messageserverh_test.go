package messageserverh_test

import (
	"context"
	"testing"
	"time"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/chain"
	"github.com/colinrozzi/theater/handlers/messageserverh"
	"github.com/colinrozzi/theater/messagerouter"
	"github.com/stretchr/testify/require"
)

// fakeHandle is a minimal handler.ActorHandle that counts CallExport
// invocations instead of driving a real engine instance.
type fakeHandle struct {
	id    string
	c     *chain.Chain
	calls chan string
}

func (f *fakeHandle) ActorID() string      { return f.id }
func (f *fakeHandle) Chain() *chain.Chain  { return f.c }
func (f *fakeHandle) CallExport(ctx context.Context, name string, _ []byte, _ []byte) ([]byte, []byte, error) {
	if f.calls != nil {
		f.calls <- name
	}
	return nil, []byte("ok"), nil
}

func newInstance(t *testing.T, router *messagerouter.Router) (handleID actorid.ID, c *chain.Chain) {
	t.Helper()
	h := messageserverh.New(router)
	inst, err := h.CreateInstance()
	require.NoError(t, err)

	id := actorid.New()
	c, err = chain.New(context.Background(), id.String(), nil)
	require.NoError(t, err)

	fh := &fakeHandle{id: id.String(), c: c}
	require.NoError(t, inst.Start(context.Background(), fh))
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	return id, c
}

func countEventType(events []chain.Event, eventType string) int {
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func TestSendRecordsMessageReceivedEvent(t *testing.T) {
	router := messagerouter.New()
	receiver, c := newInstance(t, router)
	sender := actorid.New()

	require.NoError(t, router.Send(context.Background(), sender, receiver, []byte("hi")))

	require.Eventually(t, func() bool {
		return countEventType(c.Events(), "theater:simple/message-server/message-received") == 1
	}, time.Second, time.Millisecond)
}

func TestRequestRecordsMessageReceivedEvent(t *testing.T) {
	router := messagerouter.New()
	receiver, c := newInstance(t, router)
	sender := actorid.New()

	resp, err := router.Request(context.Background(), sender, receiver, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), resp)

	require.Equal(t, 1, countEventType(c.Events(), "theater:simple/message-server/message-received"))
}

// TestTenThousandMessagesRecordTenThousandReceivedEvents drives 10,000
// one-way sends at an instance and asserts its chain carries exactly one
// message-received event per delivery, independent of mailbox depth or
// delivery goroutine scheduling.
func TestTenThousandMessagesRecordTenThousandReceivedEvents(t *testing.T) {
	const n = 10000

	router := messagerouter.New()
	receiver, c := newInstance(t, router)
	sender := actorid.New()

	ctx := context.Background()
	for i := 0; i < n; i++ {
		require.NoError(t, router.Send(ctx, sender, receiver, []byte{byte(i)}))
	}

	require.Eventually(t, func() bool {
		return countEventType(c.Events(), "theater:simple/message-server/message-received") == n
	}, 10*time.Second, time.Millisecond)

	ok, _ := c.Verify()
	require.True(t, ok)
}

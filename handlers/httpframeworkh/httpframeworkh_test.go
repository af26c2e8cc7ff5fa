package httpframeworkh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/colinrozzi/theater/chain"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id    string
	c     *chain.Chain
	reply ResponsePayload
}

func (f *fakeHandle) ActorID() string     { return f.id }
func (f *fakeHandle) Chain() *chain.Chain { return f.c }
func (f *fakeHandle) CallExport(ctx context.Context, name string, _ []byte, params []byte) ([]byte, []byte, error) {
	result, _ := json.Marshal(f.reply)
	return nil, result, nil
}

func TestBindRejectsSecondBind(t *testing.T) {
	h := New()
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	_, err = i.bind("127.0.0.1:0")
	require.NoError(t, err)

	_, err = i.bind("127.0.0.1:0")
	require.Error(t, err)
	require.NoError(t, i.Shutdown(context.Background()))
}

func TestServeHTTPDispatchesToHandleHTTPRequestExport(t *testing.T) {
	h := New()
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	c, err := chain.New(context.Background(), "actor-1", nil)
	require.NoError(t, err)
	fh := &fakeHandle{id: "actor-1", c: c, reply: ResponsePayload{Status: http.StatusTeapot, Body: []byte("hi")}}
	i.handle = fh
	i.c = c

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	i.serveHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "hi", rec.Body.String())
}

func TestServeHTTPReturnsServerErrorOnMalformedExportResponse(t *testing.T) {
	h := New()
	inst, err := h.CreateInstance()
	require.NoError(t, err)
	i := inst.(*instance)

	c, err := chain.New(context.Background(), "actor-1", nil)
	require.NoError(t, err)
	i.handle = &brokenExportHandle{id: "actor-1", c: c}
	i.c = c

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	i.serveHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type brokenExportHandle struct {
	id string
	c  *chain.Chain
}

func (b *brokenExportHandle) ActorID() string     { return b.id }
func (b *brokenExportHandle) Chain() *chain.Chain { return b.c }
func (b *brokenExportHandle) CallExport(ctx context.Context, name string, _ []byte, params []byte) ([]byte, []byte, error) {
	return nil, []byte("not json"), nil
}

package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/colinrozzi/theater/actorid"
	"github.com/colinrozzi/theater/manifest"
	"github.com/colinrozzi/theater/wire"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, []byte("hello")))
	require.NoError(t, wire.WriteFrame(&buf, []byte("world")))

	first, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), first)

	second, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), second)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := wire.ReadFrame(&buf)
	require.Error(t, err)
}

func TestWriteReadCommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := wire.Command{
		Type: wire.CommandSpawn,
		Manifest: manifest.Manifest{
			Name:      "counter",
			Component: "./actor.wasm",
		},
		Subscribe: true,
	}
	require.NoError(t, wire.WriteCommand(&buf, cmd))

	got, err := wire.ReadCommand(&buf)
	require.NoError(t, err)
	require.Equal(t, cmd.Type, got.Type)
	require.Equal(t, cmd.Manifest.Name, got.Manifest.Name)
	require.True(t, got.Subscribe)
}

func TestWriteReadResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := actorid.New()
	resp := wire.Response{Type: wire.ResponseActorStarted, ActorID: id}
	require.NoError(t, wire.WriteResponse(&buf, resp))

	got, err := wire.ReadResponse(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.ResponseActorStarted, got.Type)
	require.Equal(t, id.String(), got.ActorID.String())
}

func TestNewErrorResponseCarriesCodeAndMessage(t *testing.T) {
	resp := wire.NewErrorResponse(wire.ErrorCodeRouting, errors.New("boom"))
	require.Equal(t, wire.ResponseError, resp.Type)
	require.Equal(t, wire.ErrorCodeRouting, resp.Error.Code)
	require.Equal(t, "boom", resp.Error.Message)
}

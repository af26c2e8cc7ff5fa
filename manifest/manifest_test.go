package manifest_test

import (
	"testing"

	"github.com/colinrozzi/theater/manifest"
	"github.com/stretchr/testify/require"
)

const sample = `
name: counter
component: ./actor.wasm
save_chain: true
handlers:
  - type: runtime
  - type: filesystem
    config:
      allowed_paths:
        - /ws
`

func TestParseValid(t *testing.T) {
	m, err := manifest.Parse([]byte(sample))
	require.NoError(t, err)
	require.Equal(t, "counter", m.Name)
	require.True(t, m.SaveChain)
	require.Len(t, m.Handlers, 2)
	require.Equal(t, "filesystem", m.Handlers[1].Type)
	require.Equal(t, []any{"/ws"}, m.Handlers[1].Config["allowed_paths"])
}

func TestParseMissingName(t *testing.T) {
	_, err := manifest.Parse([]byte(`component: ./x.wasm`))
	require.Error(t, err)
}

func TestParseMissingComponent(t *testing.T) {
	_, err := manifest.Parse([]byte(`name: foo`))
	require.Error(t, err)
}

func TestParseMutuallyExclusiveInitState(t *testing.T) {
	_, err := manifest.Parse([]byte(`
name: foo
component: ./x.wasm
init_state: "aGVsbG8="
init_state_ref: "deadbeef"
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := manifest.Load("/nonexistent/path/manifest.yaml")
	require.Error(t, err)
}

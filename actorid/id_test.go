package actorid_test

import (
	"encoding/json"
	"testing"

	"github.com/colinrozzi/theater/actorid"
	"github.com/stretchr/testify/require"
)

func TestNewIDsAreUnique(t *testing.T) {
	a := actorid.New()
	b := actorid.New()
	require.NotEqual(t, a.String(), b.String())
	require.False(t, a.IsNil())
}

func TestParseRoundTrip(t *testing.T) {
	a := actorid.New()
	parsed, err := actorid.Parse(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)
}

func TestParseInvalid(t *testing.T) {
	_, err := actorid.Parse("not-a-uuid")
	require.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	a := actorid.New()
	b, err := json.Marshal(a)
	require.NoError(t, err)

	var out actorid.ID
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, a, out)
}

func TestNilID(t *testing.T) {
	var id actorid.ID
	require.True(t, id.IsNil())
	require.False(t, actorid.New().IsNil())
}

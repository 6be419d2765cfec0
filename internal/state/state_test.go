package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	_, ok := s.Get("s-t")
	assert.False(t, ok)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Load(path)
	require.NoError(t, err)

	s.Set("s-t", Bookmark{ReplicationKey: "ts", Value: "2024-01-01T00:00:00Z"})
	require.NoError(t, s.Save())

	reloaded, err := Load(path)
	require.NoError(t, err)
	b, ok := reloaded.Get("s-t")
	require.True(t, ok)
	assert.Equal(t, "ts", b.ReplicationKey)
	assert.Equal(t, "2024-01-01T00:00:00Z", b.Value)
}

func TestAdvanceMax_OnlyMovesForward(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	s.AdvanceMax("s-t", "_sdc_lsn", 20)
	s.AdvanceMax("s-t", "_sdc_lsn", 10)
	b, ok := s.Get("s-t")
	require.True(t, ok)
	assert.EqualValues(t, 20, b.Value)

	s.AdvanceMax("s-t", "_sdc_lsn", 30)
	b, _ = s.Get("s-t")
	assert.EqualValues(t, 30, b.Value)
}

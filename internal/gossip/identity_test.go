package gossip

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentity_StableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	privA, idA, err := LoadOrCreateIdentity(path, testLogger())
	require.NoError(t, err)
	require.NotNil(t, privA)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	privB, idB, err := LoadOrCreateIdentity(path, testLogger())
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
	assert.True(t, privA.Equals(privB))
}

func TestLoadOrCreateIdentity_FreshKeysDiffer(t *testing.T) {
	dir := t.TempDir()

	_, idA, err := LoadOrCreateIdentity(filepath.Join(dir, "a.json"), testLogger())
	require.NoError(t, err)
	_, idB, err := LoadOrCreateIdentity(filepath.Join(dir, "b.json"), testLogger())
	require.NoError(t, err)

	assert.NotEqual(t, idA, idB)
}

func TestLoadOrCreateIdentity_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, _, err := LoadOrCreateIdentity(path, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

package p2p

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateKeyPersists(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "identity.key")

	priv1, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	require.True(t, created)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// Same file, same identity.
	priv2, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, priv1.Equals(priv2))
}

func TestLoadOrCreateKeyCreatesParentDir(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "nested", "dir", "identity.key")
	_, created, err := loadOrCreateKey(keyFile)
	require.NoError(t, err)
	require.True(t, created)
}

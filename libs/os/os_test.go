package os_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	tmos "github.com/tendermint/chainsync/libs/os"
)

func TestEnsureDir(t *testing.T) {
	tmp := t.TempDir()

	dir := filepath.Join(tmp, "a", "b")
	require.False(t, tmos.FileExists(dir))
	require.NoError(t, tmos.EnsureDir(dir, 0700))
	require.True(t, tmos.FileExists(dir))

	// existing directories are fine
	require.NoError(t, tmos.EnsureDir(dir, 0700))

	file := filepath.Join(tmp, "file")
	require.NoError(t, os.WriteFile(file, []byte{}, 0600))
	require.Error(t, tmos.EnsureDir(file, 0700))
}

package types

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole("Full")
	require.NoError(t, err)
	require.Equal(t, RoleFull, r)

	r, err = ParseRole("light")
	require.NoError(t, err)
	require.True(t, r.IsLight())

	_, err = ParseRole("archive")
	require.Error(t, err)
}

func TestNodeIDValidate(t *testing.T) {
	require.NoError(t, NodeID("peer-1").Validate())
	require.Error(t, NodeID("").Validate())
	require.Error(t, NodeID("bad id").Validate())
}

func TestImportResult(t *testing.T) {
	require.True(t, ImportResultImported.IsSuccess())
	require.True(t, ImportResultAlreadyKnown.IsSuccess())
	require.False(t, ImportResultUnknownParent.IsSuccess())
	require.Equal(t, "KnownBad", ImportResultKnownBad.String())
}

package file

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock(t *testing.T) {
	pending := filepath.Join(t.TempDir(), "state", "pending.json")

	unlock, err := Lock(pending)
	require.NoError(t, err)
	assert.FileExists(t, LockPath(pending))

	_, err = Lock(pending)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, unlock())

	unlock, err = Lock(pending)
	require.NoError(t, err)
	require.NoError(t, unlock())
}

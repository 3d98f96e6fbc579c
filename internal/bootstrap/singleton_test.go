package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireSingleton_SecondAcquireFails(t *testing.T) {
	home := t.TempDir()

	first, err := AcquireSingleton(home)
	require.NoError(t, err)
	defer first.Release()

	_, err = AcquireSingleton(home)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquireSingleton_StaleFilesAreReclaimed(t *testing.T) {
	home := t.TempDir()

	first, err := AcquireSingleton(home)
	require.NoError(t, err)

	// Simulate a crash: the listener goes away without Release, so the PID
	// file stays on disk and a stale entry is left at the socket path with
	// nothing listening behind it.
	_ = first.listener.Close()
	require.NoError(t, os.WriteFile(filepath.Join(home, "guildhalld.sock"), nil, 0o644))
	require.FileExists(t, filepath.Join(home, "guildhalld.pid"))

	second, err := AcquireSingleton(home)
	require.NoError(t, err)
	defer second.Release()
}

// SPDX-License-Identifier: MIT

package audio

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testController points procRoot at a temp tree so the scan sees only what
// the test fabricates.
func testController(t *testing.T) *PlayerController {
	t.Helper()
	dir := t.TempDir()
	p := NewPlayerController("/usr/local/bin/shades-player", nil, dir)
	p.procRoot = filepath.Join(dir, "proc")
	require.NoError(t, os.MkdirAll(p.procRoot, 0o755))
	return p
}

func fabricateProc(t *testing.T, p *PlayerController, pid int, cmdline string) {
	t.Helper()
	dir := filepath.Join(p.procRoot, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
}

func TestIsRunningViaLockFile(t *testing.T) {
	p := testController(t)
	fabricateProc(t, p, 4242, "/usr/local/bin/shades-player\x00--loop")
	require.NoError(t, os.WriteFile(p.lockPath, []byte("4242"), 0o644))

	assert.True(t, p.IsRunning())
}

func TestIsRunningStaleLockRemoved(t *testing.T) {
	p := testController(t)
	// Lock points at a pid whose cmdline belongs to something else.
	fabricateProc(t, p, 4242, "/usr/bin/sshd")
	require.NoError(t, os.WriteFile(p.lockPath, []byte("4242"), 0o644))

	assert.False(t, p.IsRunning())
	_, err := os.Stat(p.lockPath)
	assert.True(t, os.IsNotExist(err), "stale lock must be cleaned up")
}

func TestIsRunningViaProcScanWithoutLock(t *testing.T) {
	p := testController(t)
	fabricateProc(t, p, 999, "/usr/local/bin/shades-player")

	assert.True(t, p.IsRunning(), "a player that lost its lock is still detected")
}

func TestStopWithoutPlayer(t *testing.T) {
	p := testController(t)
	assert.ErrorIs(t, p.Stop(), ErrPlayerNotRunning)
}

func TestStatusMissingFile(t *testing.T) {
	p := testController(t)
	_, err := p.Status()
	assert.ErrorIs(t, err, ErrPlayerNotRunning)
}

func TestStatusReadsDocument(t *testing.T) {
	p := testController(t)
	doc := `{"state": "playing", "track": "Morning Mix", "started_at": "2026-08-24T13:30:00Z"}`
	require.NoError(t, os.WriteFile(p.statusPath, []byte(doc), 0o644))

	st, err := p.Status()
	require.NoError(t, err)
	assert.Equal(t, "playing", st.State)
	assert.Equal(t, "Morning Mix", st.Track)
}

func TestStatusRejectsMalformedDocument(t *testing.T) {
	p := testController(t)
	require.NoError(t, os.WriteFile(p.statusPath, []byte(`{"state": "pla`), 0o644))

	_, err := p.Status()
	assert.Error(t, err)
}

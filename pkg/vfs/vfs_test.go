package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestTable(t *testing.T, budget int) *Table {
	t.Helper()
	return NewTable(Config{OpenMax: budget, VFDAllocation: 1.0, ShareMax: 8, InitialBlock: 4})
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	table := newTestTable(t, 8)
	h, err := table.Open(path, OpenOptions{Flags: os.O_RDWR})
	require.NoError(t, err)
	require.NotEqual(t, InvalidHandle, h)

	n, err := table.WriteAt(h, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = table.ReadAt(h, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	require.NoError(t, table.Sync(h, false))
	require.NoError(t, table.Close(h))
}

func TestSharingReturnsSameEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	table := newTestTable(t, 8)
	h1, err := table.Open(path, OpenOptions{Flags: os.O_RDWR})
	require.NoError(t, err)
	h2, err := table.Open(path, OpenOptions{Flags: os.O_RDWR})
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	require.NoError(t, table.Close(h1))
	require.NoError(t, table.Close(h2))
}

func TestPrivateHandlesDoNotShare(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	table := newTestTable(t, 8)
	h1, err := table.Open(path, OpenOptions{Flags: os.O_RDWR, Private: true})
	require.NoError(t, err)
	h2, err := table.Open(path, OpenOptions{Flags: os.O_RDWR, Private: true})
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)

	require.NoError(t, table.Close(h1))
	require.NoError(t, table.Close(h2))
}

func TestEvictionUnderBudget(t *testing.T) {
	dir := t.TempDir()
	var handles []Handle
	table := newTestTable(t, 2)

	for i := 0; i < 4; i++ {
		path := filepath.Join(dir, "rel"+string(rune('a'+i)))
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		h, err := table.Open(path, OpenOptions{Flags: os.O_RDWR, Private: true})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.LessOrEqual(t, table.openFds, 2)

	// Reopening an evicted handle must still work transparently.
	buf := make([]byte, 0)
	_, err := table.ReadAt(handles[0], buf, 0)
	require.NoError(t, err)

	for _, h := range handles {
		require.NoError(t, table.Close(h))
	}
}

func TestOpenTempUnlinksOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmp1")

	table := newTestTable(t, 8)
	h, err := table.OpenTemp(path)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, table.Close(h))

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestBaseSyncClampsOtherHandles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rel")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	table := newTestTable(t, 8)
	h1, err := table.Open(path, OpenOptions{Flags: os.O_RDWR})
	require.NoError(t, err)

	_, err = table.ReadAt(h1, make([]byte, 100), 0)
	require.NoError(t, err)

	table.BaseSync(path, 10)

	table.mu.Lock()
	pos := table.entries[h1].pos
	table.mu.Unlock()
	require.LessOrEqual(t, pos, int64(10))

	require.NoError(t, table.Close(h1))
}

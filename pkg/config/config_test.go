package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	opts := Default()
	require.Equal(t, "./data", opts.DataDir)
	require.True(t, opts.TransCareful)
	require.Equal(t, 8*datasize.KB, opts.BlobSegments)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weaverdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /var/lib/weaverdb\nsweeps: 8\nblobsegments: 16KB\n"), 0o644))

	opts, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/weaverdb", opts.DataDir)
	require.Equal(t, 8, opts.Sweeps)
	require.Equal(t, 16*datasize.KB, opts.BlobSegments)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	opts, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().BufferCount, opts.BufferCount)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("WEAVERDB_SWEEPS", "12")
	t.Setenv("WEAVERDB_NOFSYNC", "true")

	opts := Default()
	opts.applyEnv()

	require.Equal(t, 12, opts.Sweeps)
	require.True(t, opts.NoFsync)
}

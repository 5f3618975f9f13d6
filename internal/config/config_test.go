package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 2113, cfg.Server.Port)
	assert.Equal(t, uint64(256*1024*1024), cfg.Chunk.MaxChunkSize)
	assert.Equal(t, 100_000, cfg.Index.MemTableCap)
	assert.Equal(t, 4, cfg.Index.L0CompactThreshold)
	assert.Equal(t, 8, cfg.Index.L0HardCap)
	assert.Equal(t, 256, cfg.Subscriptions.Buffer)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.NotEmpty(t, cfg.Server.NodeID)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  node_id: node-1
  port: 3113
storage:
  data_dir: /tmp/strand-test
chunk:
  max_chunk_size: 1048576
index:
  memtable_cap: 5000
  l0_compact_threshold: 3
metrics:
  enabled: true
  port: 9100
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, 3113, cfg.Server.Port)
	assert.Equal(t, "/tmp/strand-test", cfg.Storage.DataDir)
	assert.Equal(t, uint64(1048576), cfg.Chunk.MaxChunkSize)
	assert.Equal(t, 5000, cfg.Index.MemTableCap)
	assert.Equal(t, 3, cfg.Index.L0CompactThreshold)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 3113\n"), 0644))

	t.Setenv("STRAND_PORT", "4113")
	t.Setenv("STRAND_DATA_DIR", "/tmp/from-env")
	t.Setenv("STRAND_MEMTABLE_CAP", "777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4113, cfg.Server.Port)
	assert.Equal(t, "/tmp/from-env", cfg.Storage.DataDir)
	assert.Equal(t, 777, cfg.Index.MemTableCap)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("chunk:\n  max_chunk_size: 16\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("index:\n  l0_compact_threshold: 6\n  l0_hard_cap: 2\n"), 0644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storeID: 5
data:
  dir: /var/lib/rangekv
grpc:
  address: 127.0.0.1:21000
`))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cfg.StoreID)
	assert.Equal(t, "/var/lib/rangekv", cfg.Data.Dir)
	assert.Equal(t, "127.0.0.1:21000", cfg.GRPC.Address)
	assert.Equal(t, 100, cfg.Raft.TickIntervalMs)
	assert.Equal(t, 10, cfg.Raft.ElectionTick)
	assert.Equal(t, uint64(96<<20), cfg.Region.MaxSizeBytes)
	assert.Equal(t, 3, cfg.Cluster.Replicas)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
raft:
  electionTick: 20
  heartbeatTick: 4
region:
  maxSizeBytes: 1048576
  maxKeys: 1000
backup:
  enabled: true
  dir: /var/lib/rangekv/backup
`))
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Raft.ElectionTick)
	assert.Equal(t, uint64(1<<20), cfg.Region.MaxSizeBytes)
	assert.True(t, cfg.Backup.Enabled)

	pc := cfg.PeerConfig()
	assert.Equal(t, 20, pc.ElectionTick)
	assert.Equal(t, 4, pc.HeartbeatTick)
}

func TestLoadRejectsBadTicks(t *testing.T) {
	_, err := Load(writeConfig(t, `
raft:
  electionTick: 2
  heartbeatTick: 5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "electionTick")
}

func TestBackupEnabledNeedsDir(t *testing.T) {
	_, err := Load(writeConfig(t, `
backup:
  enabled: true
`))
	require.Error(t, err)
}

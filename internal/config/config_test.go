package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/crdt-storage/internal/partition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
server:
  node_id: p1
  port: 50061
storage:
  mode: memory
  data_dir: /tmp/crdt
  consolidation_margin: 10m
cluster:
  replication_count: 2
  scheme: consistent_hash
  partitions:
    p1: "10.0.0.1:50061"
    p2: "10.0.0.2:50061"
    p3: "10.0.0.3:50061"
repartition:
  enabled: true
  rate_limit: 500
gossip:
  enabled: true
  seed_nodes: ["10.0.0.2:7946"]
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "p1", cfg.Server.NodeID)
	assert.Equal(t, 50061, cfg.Server.Port)
	assert.Equal(t, StorageModeMemory, cfg.Storage.Mode)
	assert.Equal(t, 10*time.Minute, cfg.Storage.ConsolidationMargin)
	assert.Equal(t, 2, cfg.Cluster.ReplicationCount)
	assert.Equal(t, partition.SchemeConsistentHash, cfg.Cluster.Scheme)
	assert.Equal(t, float64(500), cfg.Repartition.RateLimit)
	assert.Equal(t, []string{"10.0.0.2:7946"}, cfg.Gossip.SeedNodes)

	// defaults
	assert.Equal(t, 10000, cfg.Storage.SegmentMaxRecords)
	assert.Equal(t, partition.DefaultVirtualNodes, cfg.Cluster.VirtualNodes)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.Equal(t, map[string]string{"p2": "10.0.0.2:50061", "p3": "10.0.0.3:50061"}, cfg.PeerAddresses())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CRDT_NODE_ID", "p9")
	t.Setenv("CRDT_PORT", "6000")
	t.Setenv("CRDT_DATA_DIR", "/data")
	t.Setenv("CRDT_PEERS", "p2=host2:6000, p3=host3:6000")
	t.Setenv("CRDT_REPLICATION_COUNT", "3")

	cfg, err := Parse([]byte("server:\n  node_id: p1\n"))
	require.NoError(t, err)

	assert.Equal(t, "p9", cfg.Server.NodeID)
	assert.Equal(t, 6000, cfg.Server.Port)
	assert.Equal(t, "/data", cfg.Storage.DataDir)
	assert.Equal(t, 3, cfg.Cluster.ReplicationCount)
	assert.Equal(t, map[string]string{
		"p9": "localhost:6000",
		"p2": "host2:6000",
		"p3": "host3:6000",
	}, cfg.Cluster.Partitions)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing node id", "server:\n  port: 1\n"},
		{"bad mode", "server:\n  node_id: p1\nstorage:\n  mode: rocks\n"},
		{"replication above partitions", "server:\n  node_id: p1\ncluster:\n  replication_count: 2\n"},
		{"unknown scheme", "server:\n  node_id: p1\ncluster:\n  scheme: modulo\n"},
		{"folder escapes data dir", "server:\n  node_id: p1\nstorage:\n  tombstones_dir: ../tomb\n"},
		{"thresholds out of order", "server:\n  node_id: p1\nstorage:\n  disk_warning_threshold: 99\n"},
		{"not yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParsePeers(t *testing.T) {
	peers, err := ParsePeers("a=h1:1,,b=h2:2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "h1:1", "b": "h2:2"}, peers)

	_, err = ParsePeers("a=h1:1,broken")
	assert.Error(t, err)
}

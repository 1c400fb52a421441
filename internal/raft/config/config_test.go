package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 10, cfg.MaxBatchSize)
	assert.Equal(t, [2]int{150, 300}, cfg.ElectionTimeoutRangeMS)
	assert.True(t, cfg.QueueOrdered(), "queueOrdered is true unless both sliding-window and weak-acceptance are on")
}

func TestQueueOrdered(t *testing.T) {
	cases := []struct {
		sliding, weak, want bool
	}{
		{false, false, true},
		{true, false, true},
		{false, true, true},
		{true, true, false},
	}
	for _, c := range cases {
		cfg := RaftConfig{UseFollowerSlidingWindow: c.sliding, EnableWeakAcceptance: c.weak}
		assert.Equal(t, c.want, cfg.QueueOrdered())
	}
}

func TestLoad_MergesDefaultsWithOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "raft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
groupId: group-1
self: node-a
maxBatchSize: 25
peers:
  - id: node-b
    host: 127.0.0.1
    port: 9001
  - id: node-c
    host: 127.0.0.1
    port: 9002
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "group-1", cfg.GroupID)
	assert.Equal(t, 25, cfg.MaxBatchSize)
	assert.Equal(t, 1<<20, cfg.ThriftMaxFrameSize, "unset tunables keep the default value")
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "node-b", cfg.Peers[0].ID)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/raft.yaml")
	assert.Error(t, err)
}

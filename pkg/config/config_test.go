package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow(t *testing.T) {
	orig := now
	t.Cleanup(func() { now = orig })
	now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }
}

func env(m map[string]string) lookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	fixedNow(t)
	c := Default()

	assert.Equal(t, 1, c.WorkersPerNode)
	assert.Equal(t, "runs/20260304-050607", c.OutputDir)
	assert.Equal(t, 6379, c.Port)
	assert.True(t, c.StreamCoordinator)
	assert.False(t, c.StreamWorkers)
	assert.NoError(t, c.Validate())
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	err := c.applyEnv(env(map[string]string{
		"PBS_NODEFILE":           "/var/spool/pbs/aux/123",
		"OKRUN_WORKERS_PER_NODE": "2",
		"OKRUN_PORT":             "6375",
		"OKRUN_STREAM_WORKERS":   "true",
		"OKRUN_ETCD_ENDPOINTS":   "http://e1:2379, http://e2:2379,",
		"OKRUN_RUN_TIMEOUT":      "90m",
		"OKRUN_ACTIVATE":         "  ",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/var/spool/pbs/aux/123", c.NodeFile)
	assert.Equal(t, 2, c.WorkersPerNode)
	assert.Equal(t, 6375, c.Port)
	assert.True(t, c.StreamWorkers)
	assert.Equal(t, []string{"http://e1:2379", "http://e2:2379"}, c.EtcdEndpoints)
	assert.Equal(t, 90*time.Minute, c.RunTimeout)
	assert.Empty(t, c.Activate)
}

func TestNodeFilePrecedence(t *testing.T) {
	c := Default()
	require.NoError(t, c.applyEnv(env(map[string]string{
		"PBS_NODEFILE":   "/pbs",
		"OKRUN_NODEFILE": "/mine",
	})))
	assert.Equal(t, "/mine", c.NodeFile)
}

func TestApplyEnvInvalid(t *testing.T) {
	c := Default()
	err := c.applyEnv(env(map[string]string{"OKRUN_WORKERS_PER_NODE": "many"}))
	assert.ErrorContains(t, err, "OKRUN_WORKERS_PER_NODE")
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Port = 70000
	assert.Error(t, c.Validate())

	c = Default()
	c.WorkersPerNode = -1
	assert.Error(t, c.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "okrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workers_per_node: 4
image: registry.local/train:1
stream_coordinator: false
run_timeout: 2h
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	if _, set := os.LookupEnv("OKRUN_WORKERS_PER_NODE"); !set {
		assert.Equal(t, 4, c.WorkersPerNode)
	}
	if _, set := os.LookupEnv("OKRUN_IMAGE"); !set {
		assert.Equal(t, "registry.local/train:1", c.Image)
	}
	if _, set := os.LookupEnv("OKRUN_RUN_TIMEOUT"); !set {
		assert.Equal(t, 2*time.Hour, c.RunTimeout)
	}
	if _, set := os.LookupEnv("OKRUN_STREAM_COORDINATOR"); !set {
		assert.False(t, c.StreamCoordinator)
	}
}

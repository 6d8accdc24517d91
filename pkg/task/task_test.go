package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditip149209/okrun/pkg/node"
)

func TestNew(t *testing.T) {
	tk := New("gpu-01", "okrun-worker-gpu-01-0", node.Worker, "okrun/workload:latest")
	assert.Equal(t, Pending, tk.State)
	assert.NotEmpty(t, tk.ID)
	assert.NotNil(t, tk.Env)
	assert.Equal(t, "gpu-01/okrun-worker-gpu-01-0", tk.Key())
}

func TestStateJSON(t *testing.T) {
	tk := New("n1", "c", node.Coordinator, "img")
	tk.State = Failed

	data, err := json.Marshal(tk)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"failed"`)
	assert.Contains(t, string(data), `"role":"coordinator"`)
	assert.Equal(t, "unknown", State(42).String())
}

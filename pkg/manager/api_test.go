package manager

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport/transporttest"
)

func newTestApi(t *testing.T) (*Api, *Manager) {
	m, _ := newTestManager(t, transporttest.New(), "head", "w1")
	a := &Api{Manager: m}
	a.initRouter()
	return a, m
}

func get(t *testing.T, a *Api, path string, v any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec.Code
}

func TestGetRun(t *testing.T) {
	a, m := newTestApi(t)

	var st RunStatus
	assert.Equal(t, http.StatusOK, get(t, a, "/run", &st))
	assert.Equal(t, m.Ledger.RunID.String(), st.RunID)
	assert.Equal(t, PhaseResolved, st.Phase)
	assert.Equal(t, 2, st.Nodes)
	assert.Empty(t, st.Address)
}

func TestGetNodes(t *testing.T) {
	a, _ := newTestApi(t)

	var nodes []node.Node
	assert.Equal(t, http.StatusOK, get(t, a, "/nodes", &nodes))
	require.Len(t, nodes, 2)
	assert.Equal(t, node.Coordinator, nodes[0].Role)
	assert.Equal(t, "w1", nodes[1].Name)
}

func TestGetProcesses(t *testing.T) {
	a, m := newTestApi(t)
	tk := task.New("w1", "okrun-worker-w1-0", node.Worker, "img")
	m.Ledger.RecordTask(tk)
	m.Ledger.Launched(tk, "abc")

	var all []map[string]any
	assert.Equal(t, http.StatusOK, get(t, a, "/processes", &all))
	require.Len(t, all, 1)
	assert.Equal(t, "running", all[0]["state"])

	var one map[string]any
	assert.Equal(t, http.StatusOK, get(t, a, "/processes/okrun-worker-w1-0", &one))
	assert.Equal(t, "w1", one["host"])

	var e ErrResponse
	assert.Equal(t, http.StatusNotFound, get(t, a, "/processes/missing", &e))
	assert.Equal(t, http.StatusNotFound, e.HTTPStatusCode)
}

func TestGetWarnings(t *testing.T) {
	a, m := newTestApi(t)
	m.Ledger.Warn(fault.Warning{Kind: fault.StreamWarning, Node: "w1", Op: "follow x", Err: errors.New("broken pipe")})

	var warns []map[string]string
	assert.Equal(t, http.StatusOK, get(t, a, "/warnings", &warns))
	require.Len(t, warns, 1)
	assert.Equal(t, "stream", warns[0]["kind"])
	assert.Equal(t, "broken pipe", warns[0]["message"])
}

package worker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/logstream"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport/transporttest"
)

func newLauncher(fake *transporttest.Fake, l *ledger.Ledger, perNode int) *Launcher {
	return &Launcher{
		Transport: fake,
		Runtime:   container.Runtime{},
		Ledger:    l,
		Log:       zap.NewNop(),
		Image:     "okrun/workload:latest",
		Prefix:    "okrun",
		Command:   "ray start --address=$OKRUN_PEER_ADDRESS --block",
		PerNode:   perNode,
	}
}

func TestLaunchAllNamesAndAddress(t *testing.T) {
	fake := transporttest.New().Reply("", "docker run", "c0ffee\n")
	l := ledger.New(nil)
	launcher := newLauncher(fake, l, 2)

	a := node.FromHosts([]string{"head", "w1", "w2"}, false, "")
	started := launcher.LaunchAll(context.Background(), a.Workers(), "10.0.0.1:6379")

	runs := fake.Matching("docker run --detach")
	require.Len(t, runs, 4)

	names := map[string]bool{}
	for _, tk := range started {
		names[tk.Name] = true
		assert.Equal(t, "10.0.0.1:6379", tk.Env["OKRUN_PEER_ADDRESS"])
		assert.Equal(t, task.Running, tk.State)
		assert.Equal(t, "c0ffee", tk.ContainerID)
	}
	assert.Len(t, names, 4)
	assert.True(t, names["okrun-worker-w1-0"])
	assert.True(t, names["okrun-worker-w2-1"])

	for _, c := range runs {
		assert.Contains(t, c.Command, "--env OKRUN_PEER_ADDRESS=10.0.0.1:6379")
		assert.Contains(t, c.Command, "--network host")
	}
	assert.Len(t, fake.Matching("docker rm --force okrun-worker-"), 4)
	assert.Len(t, l.Tasks(), 4)
}

func TestLaunchAllToleratesFailure(t *testing.T) {
	fake := transporttest.New().
		Fail("w1", "docker run", 125, "docker: Error response from daemon: conflict").
		Fail("", "docker rm --force", 1, "Error: No such container")
	l := ledger.New(nil)
	launcher := newLauncher(fake, l, 1)

	a := node.FromHosts([]string{"head", "w1", "w2"}, false, "")
	started := launcher.LaunchAll(context.Background(), a.Workers(), "10.0.0.1:6379")

	require.Len(t, started, 1)
	assert.Equal(t, "w2", started[0].Host)

	warns := l.WarningsOf(fault.WorkerLaunchWarning)
	require.Len(t, warns, 1)
	assert.Equal(t, "w1", warns[0].Node)

	// the failed worker stays recorded so teardown still removes it
	assert.Len(t, l.Tasks(), 2)
}

func TestLaunchAllNoWorkers(t *testing.T) {
	fake := transporttest.New()
	launcher := newLauncher(fake, ledger.New(nil), 1)

	a := node.FromHosts([]string{"head"}, false, "")
	assert.Empty(t, launcher.LaunchAll(context.Background(), a.Workers(), "10.0.0.1:6379"))
	assert.Empty(t, fake.Calls())
}

func TestLaunchAllStreamsWhenEnabled(t *testing.T) {
	fake := transporttest.New()
	l := ledger.New(nil)
	launcher := newLauncher(fake, l, 1)
	launcher.StreamLogs = true
	launcher.Streams = &logstream.Manager{
		Transport: fake,
		Runtime:   container.Runtime{},
		Ledger:    l,
		Log:       zap.NewNop(),
		Dir:       filepath.Join(t.TempDir(), "streams"),
	}

	a := node.FromHosts([]string{"head", "w1"}, false, "")
	launcher.LaunchAll(context.Background(), a.Workers(), "10.0.0.1:6379")

	assert.Equal(t, []string{"w1/okrun-worker-w1-0"}, l.StreamKeys())
}

func TestName(t *testing.T) {
	assert.Equal(t, "okrun-worker-gpu-07.cluster-3", Name("okrun", "gpu-07.cluster", 3))
	assert.Equal(t, "x-worker-a_b-0", Name("x", "a_b", 0))
	assert.NotEqual(t, Name("x", "a_b", 0), Name("x", "a:b", 0))
}

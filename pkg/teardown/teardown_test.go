package teardown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/registry"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport/transporttest"
)

type stream struct {
	key     string
	stopped int
	err     error
}

func (s *stream) Key() string { return s.key }

func (s *stream) Stop(context.Context) error {
	s.stopped++
	return s.err
}

type countingRegistry struct {
	registry.Nop
	withdrawn int
}

func (r *countingRegistry) Withdraw(context.Context) error {
	r.withdrawn++
	return nil
}

func populated(t *testing.T) (*ledger.Ledger, *stream, *task.Task) {
	t.Helper()
	l := ledger.New(nil)
	s := &stream{key: "head/okrun-coordinator"}
	l.RecordStream(s)

	coord := task.New("head", "okrun-coordinator", node.Coordinator, "img")
	l.RecordTask(coord)
	l.Launched(coord, "abc")
	l.RecordTask(task.New("w1", "okrun-worker-w1-0", node.Worker, "img"))
	l.RecordDir("head", "/tmp/okrun-1234")
	l.RecordDir("w1", "/tmp/okrun-1234")
	return l, s, coord
}

func newController(fake *transporttest.Fake, l *ledger.Ledger, reg registry.Registry) *Controller {
	return &Controller{Transport: fake, Runtime: container.Runtime{}, Ledger: l, Registry: reg, Log: zap.NewNop()}
}

func TestRunReleasesEverything(t *testing.T) {
	l, s, coord := populated(t)
	fake := transporttest.New()
	reg := &countingRegistry{}
	c := newController(fake, l, reg)

	rep := c.Run(context.Background())

	assert.Equal(t, Report{Streams: 1, Processes: 2, Dirs: 2}, rep)
	assert.Equal(t, 1, s.stopped)
	assert.Len(t, fake.Matching("docker stop --time 10"), 2)
	assert.Len(t, fake.Matching("docker rm --force"), 2)
	assert.Len(t, fake.Matching("rm -rf /tmp/okrun-1234"), 2)
	assert.Equal(t, 1, reg.withdrawn)
	assert.Equal(t, task.Stopped, coord.State)

	tasks, streams, dirs := l.Pending()
	assert.Zero(t, tasks+streams+dirs)
	assert.Empty(t, l.WarningsOf(fault.TeardownWarning))
}

func TestRunIsIdempotent(t *testing.T) {
	l, s, _ := populated(t)
	fake := transporttest.New()
	c := newController(fake, l, nil)

	c.Run(context.Background())
	calls := len(fake.Calls())

	rep := c.Run(context.Background())
	assert.Equal(t, Report{}, rep)
	assert.Len(t, fake.Calls(), calls, "second pass issues no remote commands")
	assert.Equal(t, 1, s.stopped)
}

func TestRunToleratesMissingContainers(t *testing.T) {
	l, _, _ := populated(t)
	fake := transporttest.New().
		Fail("", "docker stop", 1, "Error response from daemon: No such container: okrun-worker-w1-0").
		Fail("", "docker rm", 1, "Error: No such container: okrun-worker-w1-0")
	c := newController(fake, l, nil)

	rep := c.Run(context.Background())
	assert.Zero(t, rep.Warnings)
	assert.Empty(t, l.WarningsOf(fault.TeardownWarning))
}

func TestRunRecordsFailuresAndContinues(t *testing.T) {
	l, s, _ := populated(t)
	s.err = errors.New("stuck")
	fake := transporttest.New().
		Fail("head", "docker rm", 1, "Error response from daemon: removal in progress").
		Fail("w1", "rm -rf", 255, "ssh: connect to host w1: Connection refused")
	c := newController(fake, l, nil)

	rep := c.Run(context.Background())

	assert.Equal(t, 3, rep.Warnings)
	warns := l.WarningsOf(fault.TeardownWarning)
	require.Len(t, warns, 3)
	assert.Len(t, fake.Matching("rm -rf"), 2, "every dir is attempted")
}

func TestRunAfterCancel(t *testing.T) {
	l, _, _ := populated(t)
	fake := transporttest.New()
	c := newController(fake, l, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := c.Run(ctx)
	assert.Equal(t, 2, rep.Processes)
	assert.Len(t, fake.Matching("docker rm --force"), 2)
	assert.Zero(t, rep.Warnings)
}

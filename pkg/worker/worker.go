package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/logstream"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport"
)

// Launcher starts worker containers connected to the coordinator.
type Launcher struct {
	Transport transport.Transport
	Runtime   container.Runtime
	Ledger    *ledger.Ledger
	Log       *zap.Logger

	// Streams, when set together with StreamLogs, follows every started worker.
	Streams    *logstream.Manager
	StreamLogs bool

	Image   string
	Prefix  string
	Command string
	PerNode int
}

// Name is the container name of worker index on host. It is the same in every
// run so a leftover container from an earlier run is replaced.
func Name(prefix, host string, index int) string {
	return fmt.Sprintf("%s-worker-%s-%d", prefix, node.SafeName(host), index)
}

// LaunchAll starts PerNode workers on every node concurrently and returns the
// ones that started. Failures are recorded as warnings.
func (l *Launcher) LaunchAll(ctx context.Context, nodes []node.Node, addr string) []*task.Task {
	var tasks []*task.Task
	for _, n := range nodes {
		for i := 0; i < l.PerNode; i++ {
			tasks = append(tasks, l.newTask(n.Name, i, addr))
		}
	}

	started := make([]bool, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			started[i] = l.start(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	var out []*task.Task
	for i, t := range tasks {
		if started[i] {
			out = append(out, t)
		}
	}
	l.Log.Info("workers launched",
		zap.Int("attempted", len(tasks)),
		zap.Int("started", len(out)),
		zap.String("peer", addr))
	return out
}

func (l *Launcher) newTask(host string, index int, addr string) *task.Task {
	t := task.New(host, Name(l.Prefix, host, index), node.Worker, l.Image)
	t.Env["OKRUN_ROLE"] = string(node.Worker)
	t.Env["OKRUN_PEER_ADDRESS"] = addr
	t.Env["RAY_ADDRESS"] = addr
	t.Env["OKRUN_WORKER_INDEX"] = fmt.Sprint(index)
	t.Cmd = []string{"bash", "-lc", l.Command}
	return t
}

func (l *Launcher) start(ctx context.Context, t *task.Task) bool {
	l.Ledger.RecordTask(t)

	if err := l.Transport.Exec(ctx, transport.Cmd{Host: t.Host, Command: l.Runtime.Remove(t.Name)}); err != nil && !container.IsNotFound(err) {
		l.Log.Debug("reset worker", zap.String("node", t.Host), zap.String("name", t.Name), zap.Error(err))
	}

	cfg, host := container.Spec(t, l.Ledger.RunID.String(), l.Prefix)
	res, err := transport.Run(ctx, l.Transport, t.Host, l.Runtime.Run(t.Name, cfg, host))
	if err != nil {
		l.Ledger.Mark(t, task.Failed)
		l.Ledger.Warn(fault.Warning{Kind: fault.WorkerLaunchWarning, Node: t.Host, Op: "start " + t.Name, Err: err})
		return false
	}
	l.Ledger.Launched(t, res.Last())
	l.Log.Debug("worker started", zap.String("node", t.Host), zap.String("name", t.Name))

	if l.StreamLogs && l.Streams != nil {
		_, _ = l.Streams.Attach(ctx, t, false)
	}
	return true
}

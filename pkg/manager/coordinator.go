package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport"
)

// RunAddress is host:port of the coordinator. It is resolved once per run and
// handed unchanged to every worker.
type RunAddress string

// Mount targets inside the coordinator container.
const (
	OutputTarget = "/app/output"
	LogsTarget   = "/tmp/ray"
)

// Coordinator launches the single coordinating container of a run.
type Coordinator struct {
	Transport transport.Transport
	Runtime   container.Runtime
	Ledger    *ledger.Ledger
	Log       *zap.Logger

	Image   string
	Prefix  string
	Command string
	// RunDir is the node-local directory of the run; output and logs live below it.
	RunDir string
	Port   nat.Port

	// WaitRetries and RetryDelay govern re-attaching to the coordinator after
	// the connection running the wait is lost.
	WaitRetries int
	RetryDelay  time.Duration
}

const (
	defaultWaitRetries = 5
	defaultRetryDelay  = 5 * time.Second
)

func (c *Coordinator) Name() string { return c.Prefix + "-coordinator" }

func (c *Coordinator) OutputDir() string { return path.Join(c.RunDir, "output") }

func (c *Coordinator) LogsDir() string { return path.Join(c.RunDir, "logs") }

// Launch starts the coordinator on n and resolves the run address. Any failure is
// a *fault.LaunchError.
func (c *Coordinator) Launch(ctx context.Context, n *node.Node) (*task.Task, RunAddress, error) {
	name := c.Name()
	fail := func(err error) (*task.Task, RunAddress, error) {
		return nil, "", &fault.LaunchError{Node: n.Name, Err: err}
	}

	if err := c.Transport.Exec(ctx, transport.Cmd{Host: n.Name, Command: c.Runtime.Remove(name)}); err != nil && !container.IsNotFound(err) {
		c.Log.Debug("reset coordinator", zap.String("node", n.Name), zap.Error(err))
	}

	c.Ledger.RecordDir(n.Name, c.RunDir)
	out, logs := shellquote.Join(c.OutputDir()), shellquote.Join(c.LogsDir())
	mkdir := fmt.Sprintf("rm -rf %s %s && mkdir -p %s %s", out, logs, out, logs)
	if _, err := transport.Run(ctx, c.Transport, n.Name, mkdir); err != nil {
		return fail(fmt.Errorf("create run directories: %w", err))
	}

	t := task.New(n.Name, name, node.Coordinator, c.Image)
	t.Env["OKRUN_ROLE"] = string(node.Coordinator)
	t.Env["OKRUN_PORT"] = c.Port.Port()
	t.Env["SAVE_DIR"] = OutputTarget
	t.Mounts = append(t.Mounts,
		container.BindMount(c.OutputDir(), OutputTarget),
		container.BindMount(c.LogsDir(), LogsTarget))
	t.Cmd = []string{"bash", "-lc", c.Command}

	c.Ledger.RecordTask(t)
	cfg, host := container.Spec(t, c.Ledger.RunID.String(), c.Prefix, c.Port)
	res, err := transport.Run(ctx, c.Transport, n.Name, c.Runtime.Run(name, cfg, host))
	if err != nil {
		c.Ledger.Mark(t, task.Failed)
		return fail(err)
	}
	c.Ledger.Launched(t, res.Last())

	addr := c.address(ctx, n)
	c.Log.Info("coordinator started",
		zap.String("node", n.Name),
		zap.String("container", shortID(t.ContainerID)),
		zap.String("address", string(addr)))
	return t, addr, nil
}

// address uses the node's primary IP, falling back to its name.
func (c *Coordinator) address(ctx context.Context, n *node.Node) RunAddress {
	res, err := transport.Run(ctx, c.Transport, n.Name, "hostname -I 2>/dev/null | awk '{print $1}'")
	ip := res.Last()
	if err != nil || net.ParseIP(ip) == nil {
		c.Log.Warn("could not resolve coordinator ip, using node name",
			zap.String("node", n.Name), zap.String("got", ip), zap.Error(err))
		ip = n.Name
	} else {
		n.Ip = ip
	}
	return RunAddress(net.JoinHostPort(ip, c.Port.Port()))
}

// Wait blocks until the coordinator container exits and returns its exit code.
// A positive timeout bounds the wait. A wait lost to a dropped connection is
// resumed while the container still exists.
func (c *Coordinator) Wait(ctx context.Context, t *task.Task, timeout time.Duration) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	retries, delay := c.WaitRetries, c.RetryDelay
	if retries <= 0 {
		retries = defaultWaitRetries
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	for attempt := 1; ; attempt++ {
		res, err := transport.Run(ctx, c.Transport, t.Host, c.Runtime.Wait(t.Name))
		if err == nil {
			code, perr := strconv.Atoi(res.Last())
			if perr != nil {
				return -1, fmt.Errorf("unexpected wait output %q", res.Last())
			}
			return code, nil
		}
		if ctx.Err() != nil || !connectionLost(err) || attempt > retries {
			return -1, err
		}

		c.Log.Warn("lost wait on coordinator, reattaching",
			zap.String("node", t.Host), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(delay):
		}
		if !c.exists(ctx, t) {
			return -1, err
		}
	}
}

// connectionLost reports errors raised by the transport rather than by the
// container runtime. 255 is what remote shells exit with when the link fails.
func connectionLost(err error) bool {
	var ee *transport.ExitError
	if errors.As(err, &ee) {
		return ee.Code == 255
	}
	return true
}

// exists is false only when the runtime says the container is gone.
func (c *Coordinator) exists(ctx context.Context, t *task.Task) bool {
	res, err := transport.Run(ctx, c.Transport, t.Host, c.Runtime.Running(t.Name))
	if container.IsNotFound(err) {
		return false
	}
	c.Log.Debug("coordinator state", zap.String("running", res.Last()), zap.Error(err))
	return true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

package teardown

import (
	"context"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/registry"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport"
)

const DefaultTimeout = 2 * time.Minute

// Controller releases everything recorded in the ledger. It may be run any
// number of times; each run consumes what it finds.
type Controller struct {
	Transport transport.Transport
	Runtime   container.Runtime
	Ledger    *ledger.Ledger
	Registry  registry.Registry
	Log       *zap.Logger
	Timeout   time.Duration

	mu sync.Mutex
}

// Report counts what one teardown pass released.
type Report struct {
	Streams   int
	Processes int
	Dirs      int
	Warnings  int
}

// Run never fails: problems become teardown warnings. It ignores cancellation of
// ctx so that cleanup still happens after an interrupt.
func (c *Controller) Run(ctx context.Context) Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	var rep Report
	var errs error

	for _, s := range c.Ledger.DrainStreams() {
		rep.Streams++
		if err := s.Stop(ctx); err != nil {
			errs = multierr.Append(errs, c.warn("", "stop stream "+s.Key(), err))
		}
	}

	for _, t := range c.Ledger.DrainTasks() {
		rep.Processes++
		if err := c.removeTask(ctx, t); err != nil {
			errs = multierr.Append(errs, c.warn(t.Host, "remove "+t.Name, err))
		}
	}

	for _, d := range c.Ledger.DrainDirs() {
		rep.Dirs++
		if err := c.Transport.Exec(ctx, transport.Cmd{Host: d.Host, Command: "rm -rf " + shellquote.Join(d.Path)}); err != nil {
			errs = multierr.Append(errs, c.warn(d.Host, "remove "+d.Path, err))
		}
	}

	if c.Registry != nil {
		if err := c.Registry.Withdraw(ctx); err != nil {
			errs = multierr.Append(errs, c.warn("", "withdraw run record", err))
		}
	}

	rep.Warnings = len(multierr.Errors(errs))
	if errs != nil {
		c.Log.Warn("teardown incomplete",
			zap.Int("processes", rep.Processes),
			zap.Int("dirs", rep.Dirs),
			zap.Error(errs))
	} else if rep != (Report{}) {
		c.Log.Info("teardown complete",
			zap.Int("streams", rep.Streams),
			zap.Int("processes", rep.Processes),
			zap.Int("dirs", rep.Dirs))
	}
	return rep
}

// removeTask stops and removes a container. A container that never started or
// is already gone is not an error.
func (c *Controller) removeTask(ctx context.Context, t *task.Task) error {
	var errs error
	if err := c.Transport.Exec(ctx, transport.Cmd{Host: t.Host, Command: c.Runtime.Stop(t.Name)}); err != nil && !container.IsNotFound(err) {
		errs = multierr.Append(errs, err)
	}
	if err := c.Transport.Exec(ctx, transport.Cmd{Host: t.Host, Command: c.Runtime.Remove(t.Name)}); err != nil && !container.IsNotFound(err) {
		errs = multierr.Append(errs, err)
	}
	if errs == nil {
		c.Ledger.Mark(t, task.Stopped)
	}
	return errs
}

func (c *Controller) warn(host, op string, err error) error {
	w := fault.Warning{Kind: fault.TeardownWarning, Node: host, Op: op, Err: err}
	c.Ledger.Warn(w)
	return w
}

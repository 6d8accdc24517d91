package provision

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aditip149209/okrun/pkg/archive"
	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/transport"
)

// BuildJob is the outcome of preparing one node.
type BuildJob struct {
	Node     string
	LogPath  string
	Err      error
	Duration time.Duration
}

func (j BuildJob) Ok() bool { return j.Err == nil }

type Provisioner struct {
	Transport transport.Transport
	Runtime   container.Runtime
	Ledger    *ledger.Ledger
	Log       *zap.Logger

	Image string
	// SourceDir is the local build context. With Sync it is shipped to every node;
	// without it the same path must already exist on the nodes.
	SourceDir string
	Sync      bool
	SkipPaths []string
	// RunDir is the node-local directory of this run.
	RunDir string
	// LogDir receives one <host>.log per node plus inventory files.
	LogDir      string
	Parallelism int
	Probe       bool
}

// Run prepares every node of the allocation concurrently and waits for all of
// them. Failures are recorded as warnings; the returned jobs are in allocation
// order.
func (p *Provisioner) Run(ctx context.Context, a *node.Allocation) []BuildJob {
	jobs := make([]BuildJob, len(a.Nodes))

	if err := os.MkdirAll(p.LogDir, 0o755); err != nil {
		p.Log.Warn("create provision log dir", zap.String("dir", p.LogDir), zap.Error(err))
	}

	// a plain group: one node failing must not cancel its siblings
	var g errgroup.Group
	if p.Parallelism > 0 {
		g.SetLimit(p.Parallelism)
	}
	for i := range a.Nodes {
		i := i
		g.Go(func() error {
			jobs[i] = p.provision(ctx, &a.Nodes[i])
			return nil
		})
	}
	_ = g.Wait()

	ok := 0
	for _, j := range jobs {
		if j.Ok() {
			ok++
		}
	}
	p.Log.Info("provisioning finished", zap.Int("nodes", len(jobs)), zap.Int("ok", ok))
	return jobs
}

func (p *Provisioner) provision(ctx context.Context, n *node.Node) BuildJob {
	start := time.Now()
	job := BuildJob{Node: n.Name, LogPath: filepath.Join(p.LogDir, node.SafeName(n.Name)+".log")}

	var out io.Writer = io.Discard
	if f, err := os.Create(job.LogPath); err == nil {
		defer f.Close()
		out = f
	} else {
		p.Log.Warn("create build log", zap.String("node", n.Name), zap.Error(err))
	}

	op, err := p.build(ctx, n.Name, out)
	job.Duration = time.Since(start)
	if err != nil {
		job.Err = err
		fmt.Fprintf(out, "== %s failed after %s: %v\n", op, job.Duration.Round(time.Millisecond), err)
		p.Ledger.Warn(fault.Warning{Kind: fault.ProvisionWarning, Node: n.Name, Op: op, Err: err})
		return job
	}
	fmt.Fprintf(out, "== image %s ready in %s\n", p.Image, job.Duration.Round(time.Millisecond))
	p.Log.Info("node provisioned", zap.String("node", n.Name), zap.Duration("took", job.Duration))

	if p.Probe {
		if err := node.Probe(ctx, p.Transport, n, filepath.Join(p.LogDir, node.SafeName(n.Name))); err != nil {
			p.Log.Debug("inventory probe incomplete", zap.String("node", n.Name), zap.Error(err))
		}
	}
	return job
}

// build returns the name of the failing step with its error.
func (p *Provisioner) build(ctx context.Context, host string, out io.Writer) (string, error) {
	p.Ledger.RecordDir(host, p.RunDir)

	src := p.SourceDir
	if p.Sync {
		src = path.Join(p.RunDir, "src")
		fmt.Fprintf(out, "== sync %s -> %s:%s\n", p.SourceDir, host, src)
		if err := p.sync(ctx, host, src, out); err != nil {
			return "sync", err
		}
	} else {
		fmt.Fprintf(out, "== prepare %s:%s\n", host, p.RunDir)
		cmd := "mkdir -p " + shellquote.Join(p.RunDir)
		if err := p.Transport.Exec(ctx, transport.Cmd{Host: host, Command: cmd, Stdout: out, Stderr: out}); err != nil {
			return "prepare", err
		}
	}

	fmt.Fprintf(out, "== build %s\n", p.Image)
	cmd := p.Runtime.Build(p.Image, src)
	if err := p.Transport.Exec(ctx, transport.Cmd{Host: host, Command: cmd, Stdout: out, Stderr: out}); err != nil {
		return "build", err
	}
	return "", nil
}

func (p *Provisioner) sync(ctx context.Context, host, dest string, out io.Writer) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Pack(pw, p.SourceDir, p.SkipPaths...))
	}()
	defer pr.Close()

	q := shellquote.Join(dest)
	cmd := fmt.Sprintf("rm -rf %s && mkdir -p %s && tar -xzf - -C %s", q, q, q)
	return p.Transport.Exec(ctx, transport.Cmd{Host: host, Command: cmd, Stdin: pr, Stdout: out, Stderr: out})
}

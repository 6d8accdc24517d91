package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/artifact"
	"github.com/aditip149209/okrun/pkg/config"
	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/logstream"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/provision"
	"github.com/aditip149209/okrun/pkg/registry"
	"github.com/aditip149209/okrun/pkg/teardown"
	"github.com/aditip149209/okrun/pkg/transport"
	"github.com/aditip149209/okrun/pkg/worker"
)

// Phases reported by the status API.
const (
	PhaseResolved     = "resolved"
	PhaseProvisioning = "provisioning"
	PhaseCoordinator  = "launching-coordinator"
	PhaseWorkers      = "launching-workers"
	PhaseRunning      = "running"
	PhaseRetrieving   = "retrieving"
	PhaseTeardown     = "teardown"
	PhaseDone         = "done"
)

// Options replaces parts of the default wiring. Zero values select the defaults.
type Options struct {
	Console   io.Writer
	Transport transport.Transport
	Registry  registry.Registry
}

// Manager drives one run from allocation to teardown.
type Manager struct {
	Config     *config.Config
	Allocation node.Allocation
	Ledger     *ledger.Ledger
	Transport  transport.Transport
	Registry   registry.Registry
	Log        *zap.Logger
	Console    io.Writer
	OutputDir  string

	Provisioner *provision.Provisioner
	Coordinator *Coordinator
	Workers     *worker.Launcher
	Streams     *logstream.Manager
	Artifacts   *artifact.Retriever
	Teardown    *teardown.Controller

	mu       sync.Mutex
	phase    string
	address  RunAddress
	nodes    []node.Node
	jobs     []provision.BuildJob
	summary  *Summary
	finished bool
}

// New resolves the allocation and wires every component. It fails with a
// *fault.ConfigurationError before anything runs remotely.
func New(cfg *config.Config, log *zap.Logger, opts Options) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	alloc, err := node.Resolve(cfg.NodeFile, cfg.StrictAllocation)
	if err != nil {
		return nil, err
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(cfg.Port))
	if err != nil {
		return nil, &fault.ConfigurationError{Msg: "coordination port", Err: err}
	}
	out, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, &fault.ConfigurationError{Msg: "output directory", Err: err}
	}

	t := opts.Transport
	if t == nil {
		so := transport.Options{
			Kind:         cfg.Transport,
			ClusterShell: cfg.ClusterShell,
			Activate:     cfg.Activate,
			SSH:          transport.SSHConfig{User: cfg.SSHUser, Port: cfg.SSHPort},
		}
		if cfg.SSHKey != "" {
			so.SSH.KeyFiles = []string{cfg.SSHKey}
		}
		if t, err = transport.Select(so, alloc.Local); err != nil {
			return nil, &fault.ConfigurationError{Msg: "transport", Err: err}
		}
	}

	l := ledger.New(log)
	reg := opts.Registry
	if reg == nil {
		reg = registry.Nop{}
		if len(cfg.EtcdEndpoints) > 0 {
			if etcd, err := registry.NewEtcd(cfg.EtcdEndpoints, log); err != nil {
				l.Warn(fault.Warning{Kind: fault.RegistryWarning, Op: "connect", Err: err})
			} else {
				reg = etcd
			}
		}
	}

	rt := container.Runtime{Bin: cfg.ContainerBin}
	runDir := path.Join(cfg.RemoteTmp, "okrun-"+l.ShortID())

	m := &Manager{
		Config:     cfg,
		Allocation: alloc,
		Ledger:     l,
		Transport:  t,
		Registry:   reg,
		Log:        log,
		Console:    opts.Console,
		OutputDir:  out,
		phase:      PhaseResolved,
		nodes:      append([]node.Node(nil), alloc.Nodes...),
	}
	if m.Console == nil {
		m.Console = os.Stdout
	}

	m.Provisioner = &provision.Provisioner{
		Transport:   t,
		Runtime:     rt,
		Ledger:      l,
		Log:         log.Named("provision"),
		Image:       cfg.Image,
		SourceDir:   cfg.SourceDir,
		Sync:        cfg.SyncSource,
		SkipPaths:   skipPaths(cfg, out),
		RunDir:      runDir,
		LogDir:      filepath.Join(out, "provision"),
		Parallelism: cfg.Parallelism,
		Probe:       true,
	}
	m.Coordinator = &Coordinator{
		Transport: t,
		Runtime:   rt,
		Ledger:    l,
		Log:       log.Named("coordinator"),
		Image:     cfg.Image,
		Prefix:    cfg.NamePrefix,
		Command:   cfg.CoordinatorCmd,
		RunDir:    runDir,
		Port:      port,
	}
	m.Streams = &logstream.Manager{
		Transport: t,
		Runtime:   rt,
		Ledger:    l,
		Log:       log.Named("stream"),
		Dir:       filepath.Join(out, "streams"),
		Console:   m.Console,
	}
	m.Workers = &worker.Launcher{
		Transport:  t,
		Runtime:    rt,
		Ledger:     l,
		Log:        log.Named("worker"),
		Streams:    m.Streams,
		StreamLogs: cfg.StreamWorkers,
		Image:      cfg.Image,
		Prefix:     cfg.NamePrefix,
		Command:    cfg.WorkerCmd,
		PerNode:    cfg.WorkersPerNode,
	}
	m.Artifacts = &artifact.Retriever{Transport: t, Ledger: l, Log: log.Named("artifact")}
	m.Teardown = &teardown.Controller{
		Transport: t,
		Runtime:   rt,
		Ledger:    l,
		Registry:  reg,
		Log:       log.Named("teardown"),
	}
	return m, nil
}

// skipPaths keeps the local output directory out of the shipped source when it
// sits inside it.
func skipPaths(cfg *config.Config, out string) []string {
	src, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil
	}
	rel, err := filepath.Rel(src, out)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return []string{".git"}
	}
	return []string{".git", filepath.ToSlash(rel)}
}

// Run executes the whole lifecycle. Teardown runs on every return path and the
// summary is always written to the console, including after a fatal error or an
// interrupt.
func (m *Manager) Run(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		m.finish(err, time.Since(start))
	}()
	defer func() {
		m.setPhase(PhaseTeardown)
		rep := m.Teardown.Run(ctx)
		m.mu.Lock()
		m.summaryDraft().Teardown = rep
		m.mu.Unlock()
		if err := m.Registry.Close(); err != nil {
			m.Log.Debug("close registry", zap.Error(err))
		}
	}()

	if err := os.MkdirAll(m.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	m.Log.Info("run started",
		zap.String("run", m.Ledger.RunID.String()),
		zap.Strings("nodes", m.Allocation.Names()),
		zap.Bool("local", m.Allocation.Local),
		zap.String("transport", m.Transport.Name()),
		zap.String("output", m.OutputDir))

	if m.Config.StatusAddr != "" {
		actx, stop := context.WithCancel(ctx)
		defer stop()
		api := &Api{Address: m.Config.StatusAddr, Manager: m}
		go func() {
			if err := api.Serve(actx); err != nil {
				m.Log.Warn("status api stopped", zap.Error(err))
			}
		}()
	}

	m.setPhase(PhaseProvisioning)
	jobs := m.Provisioner.Run(ctx, &m.Allocation)
	m.mu.Lock()
	m.jobs = jobs
	m.nodes = append([]node.Node(nil), m.Allocation.Nodes...)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.setPhase(PhaseCoordinator)
	coord, addr, err := m.Coordinator.Launch(ctx, &m.Allocation.Nodes[0])
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.address = addr
	m.nodes[0].Ip = m.Allocation.Nodes[0].Ip
	m.mu.Unlock()

	if m.Config.StreamCoordinator {
		_, _ = m.Streams.Attach(ctx, coord, true)
	}
	m.publish(ctx, addr)

	m.setPhase(PhaseWorkers)
	ready := m.readyWorkers(jobs)
	started := m.Workers.LaunchAll(ctx, ready, string(addr))
	m.mu.Lock()
	m.summaryDraft().Workers = len(started)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.setPhase(PhaseRunning)
	code, werr := m.Coordinator.Wait(ctx, coord, m.Config.RunTimeout)
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if werr != nil {
		m.summaryDraft().WaitErr = werr
	} else {
		m.summaryDraft().ExitCode = &code
	}
	m.mu.Unlock()
	switch {
	case errors.Is(werr, context.DeadlineExceeded):
		m.Log.Warn("run timeout reached, stopping", zap.Duration("timeout", m.Config.RunTimeout))
	case werr != nil:
		m.Log.Warn("could not wait for coordinator", zap.Error(werr))
	case code != 0:
		m.Log.Error("workload exited with non-zero status", zap.Int("code", code))
	default:
		m.Log.Info("workload finished")
	}

	m.setPhase(PhaseRetrieving)
	bundles := m.Artifacts.Fetch(ctx, m.bundles())
	m.mu.Lock()
	m.summaryDraft().Bundles = bundles
	m.mu.Unlock()
	return nil
}

// readyWorkers returns the worker nodes whose provisioning succeeded. Each skipped
// node is recorded as a worker launch warning.
func (m *Manager) readyWorkers(jobs []provision.BuildJob) []node.Node {
	failed := make(map[string]error)
	for _, j := range jobs {
		if !j.Ok() {
			failed[j.Node] = j.Err
		}
	}
	var ready []node.Node
	for _, n := range m.Allocation.Workers() {
		if err, ok := failed[n.Name]; ok {
			m.Ledger.Warn(fault.Warning{
				Kind: fault.WorkerLaunchWarning,
				Node: n.Name,
				Op:   "skip workers",
				Err:  fmt.Errorf("provisioning failed: %w", err),
			})
			continue
		}
		ready = append(ready, n)
	}
	return ready
}

func (m *Manager) publish(ctx context.Context, addr RunAddress) {
	rec := registry.Record{
		RunID:       m.Ledger.RunID.String(),
		Coordinator: m.Allocation.Coordinator().Name,
		Address:     string(addr),
		Nodes:       m.Allocation.Names(),
		OutputDir:   m.OutputDir,
		Started:     m.Ledger.Started,
	}
	if err := m.Registry.Publish(ctx, rec); err != nil {
		m.Ledger.Warn(fault.Warning{Kind: fault.RegistryWarning, Op: "publish", Err: err})
	}
}

func (m *Manager) bundles() []artifact.Bundle {
	host := m.Allocation.Coordinator().Name
	return []artifact.Bundle{
		{Name: "outputs", Host: host, RemotePath: m.Coordinator.OutputDir(), LocalPath: filepath.Join(m.OutputDir, "outputs")},
		{Name: "logs", Host: host, RemotePath: m.Coordinator.LogsDir(), LocalPath: filepath.Join(m.OutputDir, "logs")},
	}
}

func (m *Manager) setPhase(p string) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
	m.Log.Debug("phase", zap.String("phase", p))
}

// summaryDraft returns the summary being assembled. Callers hold mu.
func (m *Manager) summaryDraft() *Summary {
	if m.summary == nil {
		m.summary = &Summary{}
	}
	return m.summary
}

func (m *Manager) finish(err error, took time.Duration) {
	m.mu.Lock()
	s := m.summaryDraft()
	s.RunID = m.Ledger.RunID.String()
	s.Address = string(m.address)
	s.Nodes = m.Allocation.Names()
	s.OutputDir = m.OutputDir
	s.Err = err
	s.Duration = took
	s.Warnings = m.Ledger.Warnings()
	for _, j := range m.jobs {
		if j.Ok() {
			s.Provisioned++
		}
	}
	m.phase = PhaseDone
	m.finished = true
	m.mu.Unlock()

	for _, b := range s.Bundles {
		if b.Name == "outputs" && b.Retrieved() {
			if md, err := artifact.ReadMetadata(b.LocalPath); err == nil {
				s.Metadata = md
			}
		}
	}
	for _, b := range []string{"streams", "provision"} {
		if _, err := os.Stat(filepath.Join(m.OutputDir, b)); err == nil {
			s.Dirs = append(s.Dirs, filepath.Join(m.OutputDir, b))
		}
	}
	s.Print(m.Console)
	m.closeTransport()
}

func (m *Manager) closeTransport() {
	if c, ok := m.Transport.(io.Closer); ok {
		_ = c.Close()
	}
}

// Close releases connections held by a manager whose Run was never called.
func (m *Manager) Close() error {
	m.closeTransport()
	return m.Registry.Close()
}

// Summary returns the final summary once Run has returned.
func (m *Manager) Summary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finished {
		return nil
	}
	return m.summary
}

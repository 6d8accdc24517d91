package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/archive"
	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/transport"
	"github.com/aditip149209/okrun/pkg/transport/transporttest"
)

func newProvisioner(t *testing.T, tr transport.Transport, l *ledger.Ledger) *Provisioner {
	t.Helper()
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.py"), []byte("print(1)\n"), 0o644))

	return &Provisioner{
		Transport: tr,
		Runtime:   container.Runtime{},
		Ledger:    l,
		Log:       zap.NewNop(),
		Image:     "okrun/workload:latest",
		SourceDir: src,
		Sync:      true,
		RunDir:    "/tmp/okrun-abc",
		LogDir:    filepath.Join(t.TempDir(), "provision"),
	}
}

func TestRunToleratesNodeFailure(t *testing.T) {
	fake := transporttest.New().Fail("n2", "docker build", 1, "network unreachable")
	l := ledger.New(nil)
	p := newProvisioner(t, fake, l)

	a := node.FromHosts([]string{"n1", "n2", "n3"}, false, "")
	jobs := p.Run(context.Background(), &a)

	require.Len(t, jobs, 3)
	assert.True(t, jobs[0].Ok())
	assert.False(t, jobs[1].Ok())
	assert.True(t, jobs[2].Ok())
	assert.Equal(t, "n2", jobs[1].Node)

	warns := l.WarningsOf(fault.ProvisionWarning)
	require.Len(t, warns, 1)
	assert.Equal(t, "n2", warns[0].Node)
	assert.Equal(t, "build", warns[0].Op)

	assert.Len(t, fake.Matching("docker build --tag okrun/workload:latest /tmp/okrun-abc/src"), 3)

	data, err := os.ReadFile(jobs[1].LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "network unreachable")
	assert.Contains(t, string(data), "build failed")

	assert.Len(t, l.Dirs(), 3)
}

func TestRunShipsSource(t *testing.T) {
	var mu sync.Mutex
	received := map[string]int{}
	fake := transporttest.New().On("", "tar -xzf -", func(_ context.Context, c transport.Cmd) error {
		n, err := archive.Unpack(c.Stdin, t.TempDir())
		mu.Lock()
		received[c.Host] = n
		mu.Unlock()
		return err
	})

	p := newProvisioner(t, fake, ledger.New(nil))
	a := node.FromHosts([]string{"n1", "n2"}, false, "")
	jobs := p.Run(context.Background(), &a)

	for _, j := range jobs {
		assert.NoError(t, j.Err)
	}
	assert.Equal(t, map[string]int{"n1": 2, "n2": 2}, received)
}

func TestRunIsParallel(t *testing.T) {
	const nodes = 4
	arrived := make(chan struct{}, nodes)
	release := make(chan struct{})

	fake := transporttest.New().On("", "docker build", func(ctx context.Context, _ transport.Cmd) error {
		arrived <- struct{}{}
		select {
		case <-release:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("builds were not concurrent")
		}
	})

	p := newProvisioner(t, fake, ledger.New(nil))
	a := node.FromHosts([]string{"n1", "n2", "n3", "n4"}, false, "")

	go func() {
		for i := 0; i < nodes; i++ {
			<-arrived
		}
		close(release)
	}()

	for _, j := range p.Run(context.Background(), &a) {
		assert.NoError(t, j.Err)
	}
}

func TestRunWithoutSync(t *testing.T) {
	fake := transporttest.New()
	p := newProvisioner(t, fake, ledger.New(nil))
	p.Sync = false
	p.SourceDir = "/shared/project"

	a := node.FromHosts([]string{"n1"}, false, "")
	jobs := p.Run(context.Background(), &a)

	require.True(t, jobs[0].Ok())
	assert.Len(t, fake.Matching("mkdir -p /tmp/okrun-abc"), 1)
	assert.Len(t, fake.Matching("docker build --tag okrun/workload:latest /shared/project"), 1)
	assert.Empty(t, fake.Matching("tar -xzf"))
}

func TestRunLogsPerHost(t *testing.T) {
	fake := transporttest.New().Fail("a_b", "docker build", 1, "build failed on a_b")
	p := newProvisioner(t, fake, ledger.New(nil))

	a := node.FromHosts([]string{"a:b", "a_b"}, false, "")
	jobs := p.Run(context.Background(), &a)

	require.Len(t, jobs, 2)
	assert.NotEqual(t, jobs[0].LogPath, jobs[1].LogPath)
	clean, err := os.ReadFile(jobs[0].LogPath)
	require.NoError(t, err)
	assert.NotContains(t, string(clean), "build failed on a_b")
}

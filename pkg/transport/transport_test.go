package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellWrap(t *testing.T) {
	s := Shell{Activate: "source /opt/env/bin/activate"}

	assert.Equal(t, "source /opt/env/bin/activate && docker ps", s.Script("docker ps"))
	assert.Equal(t, []string{"bash", "-lc", "source /opt/env/bin/activate && docker ps"}, s.Argv("docker ps"))
	assert.Equal(t, `bash -lc 'source /opt/env/bin/activate && docker ps'`, s.Wrap("docker ps"))

	assert.Equal(t, "hostname", Shell{}.Script("hostname"))
}

func TestLocalRun(t *testing.T) {
	tr := NewLocal(Shell{})

	res, err := Run(context.Background(), tr, "ignored", "echo hello; echo oops >&2")
	require.NoError(t, err)
	// login profiles may print before the command runs
	assert.True(t, strings.HasSuffix(res.Stdout, "hello\n"), res.Stdout)
	assert.True(t, strings.HasSuffix(res.Stderr, "oops\n"), res.Stderr)
	assert.Equal(t, "hello", res.Last())
	assert.Equal(t, 0, res.ExitCode)
}

func TestResultLast(t *testing.T) {
	assert.Equal(t, "42", Result{Stdout: "conda: warning, base env not found\n  42  \n\n"}.Last())
	assert.Equal(t, "0", Result{Stdout: "0"}.Last())
	assert.Equal(t, "", Result{}.Last())
}

func TestLocalExitError(t *testing.T) {
	tr := NewLocal(Shell{})

	res, err := Run(context.Background(), tr, "n1", "echo no such container >&2; exit 3")
	require.Error(t, err)

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "n1", ee.Host)
	assert.Contains(t, ee.Error(), "no such container")
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalActivate(t *testing.T) {
	tr := NewLocal(Shell{Activate: "export OKRUN_TEST_ENV=active"})

	res, err := Run(context.Background(), tr, "", "echo $OKRUN_TEST_ENV")
	require.NoError(t, err)
	assert.Equal(t, "active", res.Last())
}

func TestLocalStdin(t *testing.T) {
	tr := NewLocal(Shell{})

	var out bytes.Buffer
	err := tr.Exec(context.Background(), Cmd{Command: "tr a-z A-Z", Stdin: strings.NewReader("okrun"), Stdout: &out})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out.String(), "OKRUN"), out.String())
}

func TestLocalCancel(t *testing.T) {
	tr := NewLocal(Shell{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Exec(ctx, Cmd{Command: "sleep 30"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestTailKeepsEnd(t *testing.T) {
	tl := &tail{}
	_, _ = tl.Write(bytes.Repeat([]byte("a"), tailLimit))
	_, _ = tl.Write([]byte("end"))

	assert.Len(t, tl.String(), tailLimit)
	assert.True(t, strings.HasSuffix(tl.String(), "end"))
}

func TestSelect(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })

	lookPath = func(string) (string, error) { return "/usr/bin/pbs_tmrsh", nil }

	tr, err := Select(Options{Kind: KindAuto}, true)
	require.NoError(t, err)
	assert.Equal(t, "local", tr.Name())

	tr, err = Select(Options{Kind: KindAuto}, false)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/pbs_tmrsh", tr.Name())

	tr, err = Select(Options{Kind: KindTmrsh, ClusterShell: "clush"}, false)
	require.NoError(t, err)
	assert.Equal(t, "clush", tr.Name())

	_, err = Select(Options{Kind: "telnet"}, false)
	assert.Error(t, err)
}

func TestClusterShellArgv(t *testing.T) {
	p := NewClusterShell("pbs_tmrsh", Shell{})
	assert.Equal(t,
		[]string{"pbs_tmrsh", "node-7", "bash", "-lc", "docker ps"},
		p.argv("node-7", p.shell.Argv("docker ps")))
}

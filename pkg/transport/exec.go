package transport

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// DefaultClusterShell is the scheduler's privileged remote shell.
const DefaultClusterShell = "pbs_tmrsh"

// Process runs commands through a local program: the cluster shell for remote
// hosts, or bash itself for the control host.
type Process struct {
	name  string
	argv  func(host string, shell []string) []string
	shell Shell
}

// NewClusterShell returns a transport invoking `bin <host> bash -lc <script>`.
func NewClusterShell(bin string, shell Shell) *Process {
	if bin == "" {
		bin = DefaultClusterShell
	}
	return &Process{
		name:  bin,
		shell: shell,
		argv: func(host string, sh []string) []string {
			return append([]string{bin, host}, sh...)
		},
	}
}

// NewLocal returns a transport that ignores the host and runs on this machine.
func NewLocal(shell Shell) *Process {
	return &Process{
		name:  "local",
		shell: shell,
		argv: func(_ string, sh []string) []string {
			return sh
		},
	}
}

func (p *Process) Name() string { return p.name }

func (p *Process) Exec(ctx context.Context, c Cmd) error {
	argv := p.argv(c.Host, p.shell.Argv(c.Command))
	stdout, stderr, errTail := sinks(c)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = c.Stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Host: c.Host, Code: ee.ExitCode(), Stderr: errTail.String()}
	}
	return err
}

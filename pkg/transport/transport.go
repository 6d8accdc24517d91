package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Transport runs a shell command on a named host. Every remote operation of a run
// goes through a Transport.
type Transport interface {
	Name() string
	Exec(ctx context.Context, c Cmd) error
}

// Cmd is one remote invocation. Nil streams are discarded (stdout, stderr) or
// empty (stdin).
type Cmd struct {
	Host    string
	Command string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Last is the final non-blank line of stdout, trimmed. Commands whose output is
// parsed print their answer last, so anything a login profile writes first is
// skipped.
func (r Result) Last() string {
	lines := strings.Split(strings.TrimSpace(r.Stdout), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Host   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Host, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Host, e.Code, msg)
}

// Run executes command on host and captures its output.
func Run(ctx context.Context, t Transport, host, command string) (Result, error) {
	var stdout, stderr bytes.Buffer
	err := t.Exec(ctx, Cmd{Host: host, Command: command, Stdout: &stdout, Stderr: &stderr})

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var ee *ExitError
	if errors.As(err, &ee) {
		res.ExitCode = ee.Code
	}
	return res, err
}

// Shell puts commands inside a login shell with the execution environment activated.
type Shell struct {
	Activate string
}

// Script is the text handed to bash -lc.
func (s Shell) Script(command string) string {
	if strings.TrimSpace(s.Activate) == "" {
		return command
	}
	return s.Activate + " && " + command
}

// Argv is the wrapped command as an argument vector.
func (s Shell) Argv(command string) []string {
	return []string{"bash", "-lc", s.Script(command)}
}

// Wrap is the wrapped command as a single line for transports that hand it to a
// remote shell.
func (s Shell) Wrap(command string) string {
	return shellquote.Join(s.Argv(command)...)
}

const tailLimit = 4096

// tail keeps the last tailLimit bytes written to it.
type tail struct {
	buf []byte
}

func (t *tail) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - tailLimit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tail) String() string { return string(t.buf) }

func sinks(c Cmd) (io.Writer, io.Writer, *tail) {
	stdout := c.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	errTail := &tail{}
	stderr := io.Writer(errTail)
	if c.Stderr != nil {
		stderr = io.MultiWriter(c.Stderr, errTail)
	}
	return stdout, stderr, errTail
}

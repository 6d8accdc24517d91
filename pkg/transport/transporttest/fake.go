// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aditip149209/okrun/pkg/transport"
)

// Call is one recorded Exec.
type Call struct {
	Host    string
	Command string
}

// Handler answers a command. It may write to c.Stdout and read c.Stdin.
type Handler func(ctx context.Context, c transport.Cmd) error

type rule struct {
	host   string
	substr string
	h      Handler
}

// Fake records every command and answers with the first matching rule; unmatched
// commands succeed with no output.
type Fake struct {
	mu    sync.Mutex
	calls []Call
	rules []rule
}

func New() *Fake { return &Fake{} }

func (f *Fake) Name() string { return "fake" }

// On registers h for commands on host (any host when empty) containing substr.
func (f *Fake) On(host, substr string, h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{host: host, substr: substr, h: h})
	return f
}

// Reply answers matching commands with out on stdout.
func (f *Fake) Reply(host, substr, out string) *Fake {
	return f.On(host, substr, func(_ context.Context, c transport.Cmd) error {
		if c.Stdout != nil {
			_, err := io.WriteString(c.Stdout, out)
			return err
		}
		return nil
	})
}

// Fail answers matching commands with a non-zero exit.
func (f *Fake) Fail(host, substr string, code int, stderr string) *Fake {
	return f.On(host, substr, func(_ context.Context, c transport.Cmd) error {
		if c.Stderr != nil {
			_, _ = io.WriteString(c.Stderr, stderr)
		}
		return &transport.ExitError{Host: c.Host, Code: code, Stderr: stderr}
	})
}

func (f *Fake) Exec(ctx context.Context, c transport.Cmd) error {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Host: c.Host, Command: c.Command})
	var h Handler
	for _, r := range f.rules {
		if (r.host == "" || r.host == c.Host) && strings.Contains(c.Command, r.substr) {
			h = r.h
			break
		}
	}
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if h == nil {
		if c.Stdin != nil {
			_, _ = io.Copy(io.Discard, c.Stdin)
		}
		return nil
	}
	return h(ctx, c)
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Matching returns the recorded calls whose command contains substr.
func (f *Fake) Matching(substr string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.Contains(c.Command, substr) {
			out = append(out, c)
		}
	}
	return out
}

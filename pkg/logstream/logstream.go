package logstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/ledger"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport"
)

// Handle controls one background log follower.
type Handle struct {
	Task *task.Task
	Path string

	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Key() string { return h.Task.Key() }

// Done is closed once the follower has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop cancels the follower and waits for it to exit. A follower that already
// exited stops successfully.
func (h *Handle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream %s did not exit: %w", h.Key(), ctx.Err())
	}
}

// Manager attaches log followers to launched containers and records their
// handles in the run ledger.
type Manager struct {
	Transport transport.Transport
	Runtime   container.Runtime
	Ledger    *ledger.Ledger
	Log       *zap.Logger
	Dir       string
	Console   io.Writer

	consoleMu sync.Mutex
}

// Attach starts following t's output into Dir/<host>_<name>.log, and onto the
// console when console is set. Failure to attach is recorded as a warning.
func (m *Manager) Attach(ctx context.Context, t *task.Task, console bool) (*Handle, error) {
	path := filepath.Join(m.Dir, node.SafeName(t.Host)+"_"+t.Name+".log")
	f, err := m.open(path)
	if err != nil {
		m.Ledger.Warn(fault.Warning{Kind: fault.StreamWarning, Node: t.Host, Op: "attach " + t.Name, Err: err})
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	h := &Handle{Task: t, Path: path, cancel: cancel, done: make(chan struct{})}
	m.Ledger.RecordStream(h)

	outs := []io.Writer{f}
	if console && m.Console != nil {
		outs = append(outs, &lockedWriter{mu: &m.consoleMu, w: m.Console})
	}
	lw := &lineWriter{prefix: "[" + t.Host + "/" + t.Name + "] ", out: io.MultiWriter(outs...)}

	go func() {
		defer close(h.done)
		defer f.Close()

		err := m.Transport.Exec(sctx, transport.Cmd{
			Host:    t.Host,
			Command: m.Runtime.Logs(t.Name),
			Stdout:  lw,
			Stderr:  lw,
		})
		lw.Flush()
		if err != nil && sctx.Err() == nil {
			m.Ledger.Warn(fault.Warning{Kind: fault.StreamWarning, Node: t.Host, Op: "follow " + t.Name, Err: err})
		}
	}()

	m.Log.Debug("log stream attached", zap.String("node", t.Host), zap.String("name", t.Name), zap.String("path", path))
	return h, nil
}

func (m *Manager) open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// lineWriter prefixes every complete line. Partial lines are held until the next
// newline or Flush.
type lineWriter struct {
	prefix string
	out    io.Writer

	mu  sync.Mutex
	buf []byte
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buf = append(lw.buf, p...)
	for {
		i := bytes.IndexByte(lw.buf, '\n')
		if i < 0 {
			break
		}
		line := make([]byte, 0, len(lw.prefix)+i+1)
		line = append(line, lw.prefix...)
		line = append(line, lw.buf[:i+1]...)
		lw.buf = lw.buf[i+1:]
		if _, err := lw.out.Write(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (lw *lineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if len(lw.buf) == 0 {
		return
	}
	_, _ = io.WriteString(lw.out, lw.prefix+string(lw.buf)+"\n")
	lw.buf = nil
}

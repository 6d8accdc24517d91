package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/golang-collections/collections/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/task"
)

// Stream is a background log follower that teardown must stop.
type Stream interface {
	Key() string
	Stop(ctx context.Context) error
}

// Dir is a node-local temporary directory created for the run.
type Dir struct {
	Host string `json:"host"`
	Path string `json:"path"`
}

// Ledger records everything a run creates: containers, log streams, remote
// directories and warnings. Launchers append to it; only teardown drains it.
type Ledger struct {
	RunID   uuid.UUID
	Started time.Time

	log *zap.Logger

	mu       sync.Mutex
	tasks    *queue.Queue
	streams  *queue.Queue
	dirs     *queue.Queue
	dirSeen  map[Dir]struct{}
	warnings []fault.Warning
}

func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		RunID:   uuid.New(),
		Started: time.Now(),
		log:     log,
		tasks:   queue.New(),
		streams: queue.New(),
		dirs:    queue.New(),
		dirSeen: make(map[Dir]struct{}),
	}
}

// ShortID is the first block of the run id, used in remote paths.
func (l *Ledger) ShortID() string {
	return l.RunID.String()[:8]
}

// RecordTask must be called before the container is started so that a failed or
// interrupted start is still cleaned up.
func (l *Ledger) RecordTask(t *task.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks.Enqueue(t)
}

func (l *Ledger) RecordStream(s Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams.Enqueue(s)
}

func (l *Ledger) RecordDir(host, path string) {
	d := Dir{Host: host, Path: path}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.dirSeen[d]; ok {
		return
	}
	l.dirSeen[d] = struct{}{}
	l.dirs.Enqueue(d)
}

// Mark updates a task's state.
func (l *Ledger) Mark(t *task.Task, s task.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.State = s
	switch s {
	case task.Running:
		t.StartTime = time.Now()
	case task.Failed, task.Stopped:
		t.FinishTime = time.Now()
	}
}

// Launched marks a task running in the given container.
func (l *Ledger) Launched(t *task.Task, containerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t.ContainerID = containerID
	t.State = task.Running
	t.StartTime = time.Now()
}

// Warn records and logs a non-fatal failure.
func (l *Ledger) Warn(w fault.Warning) {
	l.mu.Lock()
	l.warnings = append(l.warnings, w)
	l.mu.Unlock()

	l.log.Warn(string(w.Kind)+" warning",
		zap.String("node", w.Node),
		zap.String("op", w.Op),
		zap.Error(w.Err))
}

func (l *Ledger) Warnings() []fault.Warning {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fault.Warning(nil), l.warnings...)
}

// WarningsOf returns the recorded warnings of one kind.
func (l *Ledger) WarningsOf(k fault.Kind) []fault.Warning {
	var out []fault.Warning
	for _, w := range l.Warnings() {
		if w.Kind == k {
			out = append(out, w)
		}
	}
	return out
}

func (l *Ledger) DrainTasks() []*task.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*task.Task, 0, l.tasks.Len())
	for l.tasks.Len() > 0 {
		out = append(out, l.tasks.Dequeue().(*task.Task))
	}
	return out
}

func (l *Ledger) DrainStreams() []Stream {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Stream, 0, l.streams.Len())
	for l.streams.Len() > 0 {
		out = append(out, l.streams.Dequeue().(Stream))
	}
	return out
}

func (l *Ledger) DrainDirs() []Dir {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Dir, 0, l.dirs.Len())
	for l.dirs.Len() > 0 {
		out = append(out, l.dirs.Dequeue().(Dir))
	}
	l.dirSeen = make(map[Dir]struct{})
	return out
}

// Pending counts what teardown still has to consume.
func (l *Ledger) Pending() (tasks, streams, dirs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Len(), l.streams.Len(), l.dirs.Len()
}

// each visits every element of q in order, leaving q unchanged. Callers hold mu.
func each(q *queue.Queue, fn func(v interface{})) {
	for i, n := 0, q.Len(); i < n; i++ {
		v := q.Dequeue()
		fn(v)
		q.Enqueue(v)
	}
}

// Tasks returns copies of the recorded tasks.
func (l *Ledger) Tasks() []task.Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []task.Task
	each(l.tasks, func(v interface{}) {
		out = append(out, *v.(*task.Task))
	})
	return out
}

func (l *Ledger) Dirs() []Dir {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Dir
	each(l.dirs, func(v interface{}) {
		out = append(out, v.(Dir))
	})
	return out
}

func (l *Ledger) StreamKeys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	each(l.streams, func(v interface{}) {
		out = append(out, v.(Stream).Key())
	})
	return out
}

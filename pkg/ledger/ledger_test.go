package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/node"
	"github.com/aditip149209/okrun/pkg/task"
)

type stubStream struct{ key string }

func (s stubStream) Key() string                { return s.key }
func (s stubStream) Stop(context.Context) error { return nil }

func TestConcurrentRecordAndDrain(t *testing.T) {
	l := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			host := fmt.Sprintf("n%d", i)
			l.RecordTask(task.New(host, "okrun-worker-"+host+"-0", node.Worker, "img"))
			l.RecordStream(stubStream{key: host})
			l.RecordDir(host, "/tmp/okrun-x")
		}(i)
	}
	wg.Wait()

	tasks, streams, dirs := l.Pending()
	assert.Equal(t, 20, tasks)
	assert.Equal(t, 20, streams)
	assert.Equal(t, 20, dirs)

	assert.Len(t, l.Tasks(), 20)
	assert.Len(t, l.StreamKeys(), 20)

	assert.Len(t, l.DrainTasks(), 20)
	assert.Len(t, l.DrainStreams(), 20)
	assert.Len(t, l.DrainDirs(), 20)

	tasks, streams, dirs = l.Pending()
	assert.Zero(t, tasks+streams+dirs)
	assert.Empty(t, l.DrainTasks())
}

func TestRecordDirDedupes(t *testing.T) {
	l := New(nil)
	l.RecordDir("n1", "/tmp/okrun-a")
	l.RecordDir("n1", "/tmp/okrun-a")
	l.RecordDir("n2", "/tmp/okrun-a")

	assert.Equal(t, []Dir{{"n1", "/tmp/okrun-a"}, {"n2", "/tmp/okrun-a"}}, l.Dirs())
}

func TestMarkAndSnapshot(t *testing.T) {
	l := New(nil)
	tk := task.New("n1", "okrun-coordinator", node.Coordinator, "img")
	l.RecordTask(tk)
	l.Mark(tk, task.Running)

	snap := l.Tasks()
	require.Len(t, snap, 1)
	assert.Equal(t, task.Running, snap[0].State)
	assert.False(t, snap[0].StartTime.IsZero())
}

func TestWarnings(t *testing.T) {
	l := New(nil)
	l.Warn(fault.Warning{Kind: fault.StreamWarning, Node: "n1", Op: "attach", Err: errors.New("x")})
	l.Warn(fault.Warning{Kind: fault.RetrievalWarning, Node: "n1", Op: "outputs", Err: errors.New("empty")})

	assert.Len(t, l.Warnings(), 2)
	assert.Len(t, l.WarningsOf(fault.RetrievalWarning), 1)
	assert.Len(t, l.ShortID(), 8)
}

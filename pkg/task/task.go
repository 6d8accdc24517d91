package task

import (
	"time"

	"github.com/docker/docker/api/types/mount"
	"github.com/google/uuid"

	"github.com/aditip149209/okrun/pkg/node"
)

type State int

const (
	Pending State = iota
	Running
	Failed
	Stopped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Failed:
		return "failed"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Task is one long-lived container started on a node. The orchestrator owns the
// Task; the node owns the container.
type Task struct {
	ID          uuid.UUID         `json:"id"`
	Host        string            `json:"host"`
	Name        string            `json:"name"`
	Role        node.Role         `json:"role"`
	Image       string            `json:"image"`
	Env         map[string]string `json:"env,omitempty"`
	Mounts      []mount.Mount     `json:"mounts,omitempty"`
	Cmd         []string          `json:"cmd,omitempty"`
	ContainerID string            `json:"container_id,omitempty"`
	State       State             `json:"state"`
	StartTime   time.Time         `json:"start_time,omitempty"`
	FinishTime  time.Time         `json:"finish_time,omitempty"`
}

func New(host, name string, role node.Role, image string) *Task {
	return &Task{
		ID:    uuid.New(),
		Host:  host,
		Name:  name,
		Role:  role,
		Image: image,
		Env:   make(map[string]string),
		State: Pending,
	}
}

// Key identifies the task within a run.
func (t *Task) Key() string {
	return t.Host + "/" + t.Name
}

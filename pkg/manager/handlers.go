package manager

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/node"
)

type ErrResponse struct {
	HTTPStatusCode int    `json:"status"`
	Message        string `json:"message"`
}

// RunStatus is the body of GET /run.
type RunStatus struct {
	RunID    string    `json:"run_id"`
	Phase    string    `json:"phase"`
	Address  string    `json:"address,omitempty"`
	Started  time.Time `json:"started"`
	Nodes    int       `json:"nodes"`
	Local    bool      `json:"local"`
	Warnings int       `json:"warnings"`
}

type warningView struct {
	Kind    fault.Kind `json:"kind"`
	Node    string     `json:"node,omitempty"`
	Op      string     `json:"op"`
	Message string     `json:"message"`
}

// Status is a consistent snapshot of the run.
func (m *Manager) Status() RunStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return RunStatus{
		RunID:    m.Ledger.RunID.String(),
		Phase:    m.phase,
		Address:  string(m.address),
		Started:  m.Ledger.Started,
		Nodes:    len(m.nodes),
		Local:    m.Allocation.Local,
		Warnings: len(m.Ledger.Warnings()),
	}
}

// Nodes returns the allocation with whatever inventory has been collected.
func (m *Manager) Nodes() []node.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]node.Node(nil), m.nodes...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *Api) GetRunHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Manager.Status())
}

func (a *Api) GetNodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Manager.Nodes())
}

func (a *Api) GetProcessesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Manager.Ledger.Tasks())
}

func (a *Api) GetProcessHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, t := range a.Manager.Ledger.Tasks() {
		if t.Name == name {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}

	msg := fmt.Sprintf("no process named %q", name)
	a.Manager.Log.Debug("status api lookup", zap.String("name", name))
	writeJSON(w, http.StatusNotFound, ErrResponse{HTTPStatusCode: http.StatusNotFound, Message: msg})
}

func (a *Api) GetWarningsHandler(w http.ResponseWriter, r *http.Request) {
	warns := a.Manager.Ledger.Warnings()
	out := make([]warningView, 0, len(warns))
	for _, wr := range warns {
		out = append(out, warningView{Kind: wr.Kind, Node: wr.Node, Op: wr.Op, Message: wr.Message()})
	}
	writeJSON(w, http.StatusOK, out)
}

package manager

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aditip149209/okrun/pkg/container"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/transport"
)

// Clean removes every container carrying this prefix's label from every node of
// the allocation, whichever run started it. It is the manual recovery path after
// a control process was killed before its teardown ran.
func (m *Manager) Clean(ctx context.Context) []string {
	rt := m.Coordinator.Runtime
	var (
		mu      sync.Mutex
		removed []string
	)

	var g errgroup.Group
	for _, n := range m.Allocation.Nodes {
		n := n
		g.Go(func() error {
			res, err := transport.Run(ctx, m.Transport, n.Name, rt.ListNames(container.LabelPrefix, m.Config.NamePrefix))
			if err != nil {
				m.Ledger.Warn(fault.Warning{Kind: fault.TeardownWarning, Node: n.Name, Op: "list containers", Err: err})
				return nil
			}
			for _, name := range strings.Fields(res.Stdout) {
				if err := m.Transport.Exec(ctx, transport.Cmd{Host: n.Name, Command: rt.Remove(name)}); err != nil && !container.IsNotFound(err) {
					m.Ledger.Warn(fault.Warning{Kind: fault.TeardownWarning, Node: n.Name, Op: "remove " + name, Err: err})
					continue
				}
				mu.Lock()
				removed = append(removed, n.Name+"/"+name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.Log.Info("clean finished", zap.Int("removed", len(removed)), zap.Int("nodes", len(m.Allocation.Nodes)))
	return removed
}

package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c9s/goprocinfo/linux"

	"github.com/aditip149209/okrun/pkg/transport"
)

// Probe copies the node's /proc inventory files into dir and fills in Cores,
// Memory, MemoryAvailable and Load. Fields whose file could not be read are left
// as they were.
func Probe(ctx context.Context, t transport.Transport, n *Node, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	fetch := func(name string) (string, error) {
		res, err := transport.Run(ctx, t, n.Name, "cat /proc/"+name)
		if err != nil {
			return "", fmt.Errorf("read /proc/%s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(res.Stdout), 0o644); err != nil {
			return "", err
		}
		return path, nil
	}

	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if path, err := fetch("meminfo"); err != nil {
		keep(err)
	} else if mem, err := linux.ReadMemInfo(path); err != nil {
		keep(err)
	} else {
		n.Memory = int(mem.MemTotal / 1024)
		n.MemoryAvailable = int(mem.MemAvailable / 1024)
	}

	if path, err := fetch("cpuinfo"); err != nil {
		keep(err)
	} else if cpu, err := linux.ReadCPUInfo(path); err != nil {
		keep(err)
	} else {
		n.Cores = cpu.NumCPU()
	}

	if path, err := fetch("loadavg"); err != nil {
		keep(err)
	} else if load, err := linux.ReadLoadAvg(path); err != nil {
		keep(err)
	} else {
		n.Load = load.Last1Min
	}

	return firstErr
}

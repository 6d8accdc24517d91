package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aditip149209/okrun/pkg/logging"
	"github.com/aditip149209/okrun/pkg/manager"
	"github.com/aditip149209/okrun/pkg/node"
)

func init() {
	rootCmd.AddCommand(nodesCmd)

	nodesCmd.Flags().StringP("nodefile", "n", "", "scheduler node file, one host per line (default $PBS_NODEFILE)")
	nodesCmd.Flags().Bool("strict", false, "fail instead of falling back to the local host")
	nodesCmd.Flags().String("transport", "", "remote execution transport (auto, tmrsh, ssh, local)")
	nodesCmd.Flags().Bool("probe", false, "collect cpu, memory and load from every node")
	nodesCmd.Flags().Bool("json", false, "print the allocation as JSON")
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "show the allocation a run would use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

		m, err := manager.New(cfg, log, manager.Options{Console: cmd.OutOrStdout()})
		if err != nil {
			return err
		}
		defer m.Close()
		a := m.Allocation

		if probe, _ := cmd.Flags().GetBool("probe"); probe {
			sc := NewSignalContext(context.Background(), log)
			defer sc.Stop()

			dir, err := os.MkdirTemp("", "okrun-probe-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			var g errgroup.Group
			for i := range a.Nodes {
				i := i
				g.Go(func() error {
					n := &a.Nodes[i]
					if err := node.Probe(sc, m.Transport, n, filepath.Join(dir, node.SafeName(n.Name))); err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "probe %s: %v\n", n.Name, err)
					}
					return nil
				})
			}
			_ = g.Wait()
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a)
		}
		printAllocation(cmd, a)
		return nil
	},
}

func printAllocation(cmd *cobra.Command, a node.Allocation) {
	out := cmd.OutOrStdout()
	source := a.Source
	if a.Local {
		source = "local host"
	}
	fmt.Fprintf(out, "%d node(s) from %s\n", len(a.Nodes), source)
	for _, n := range a.Nodes {
		fmt.Fprintf(out, "  %-12s %s", n.Role, n.Name)
		if n.Cores > 0 {
			fmt.Fprintf(out, "  cores=%d mem=%dMB avail=%dMB load=%.2f", n.Cores, n.Memory, n.MemoryAvailable, n.Load)
		}
		fmt.Fprintln(out)
	}
}

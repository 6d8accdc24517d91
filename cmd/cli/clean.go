package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aditip149209/okrun/pkg/logging"
	"github.com/aditip149209/okrun/pkg/manager"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().StringP("nodefile", "n", "", "scheduler node file, one host per line (default $PBS_NODEFILE)")
	cleanCmd.Flags().String("transport", "", "remote execution transport (auto, tmrsh, ssh, local)")
	cleanCmd.Flags().String("prefix", "", "container name prefix")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "remove containers left behind by runs that were killed before teardown",
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

		sc := NewSignalContext(context.Background(), log)
		defer sc.Stop()

		removed := m.Clean(sc)
		for _, r := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), "removed", r)
		}
		for _, w := range m.Ledger.Warnings() {
			fmt.Fprintln(cmd.ErrOrStderr(), w.Error())
		}
		if sig := sc.Signal(); sig != nil {
			return &interruptedError{sig: sig}
		}
		return nil
	},
}

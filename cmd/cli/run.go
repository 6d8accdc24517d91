package main

import (
	"context"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aditip149209/okrun/pkg/config"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/logging"
	"github.com/aditip149209/okrun/pkg/manager"
)

func init() {
	//register run as child of okrun
	rootCmd.AddCommand(runCmd)

	//flags
	f := runCmd.Flags()
	f.StringP("nodefile", "n", "", "scheduler node file, one host per line (default $PBS_NODEFILE)")
	f.Bool("strict", false, "fail instead of falling back to the local host when no node file is given")
	f.IntP("workers-per-node", "w", 0, "worker containers per worker node")
	f.StringP("image", "i", "", "container image to build and run")
	f.StringP("source", "s", "", "build context shipped to every node")
	f.Bool("no-sync", false, "build from --source as it already exists on every node")
	f.StringP("output", "o", "", "local directory for logs and retrieved results")
	f.Int("port", 0, "coordination port")
	f.String("transport", "", "remote execution transport (auto, tmrsh, ssh, local)")
	f.String("activate", "", "shell command run before every remote command")
	f.String("prefix", "", "container name prefix")
	f.Bool("stream-workers", false, "also stream worker logs")
	f.Bool("no-stream-coordinator", false, "do not stream the coordinator's log to the console")
	f.Duration("timeout", 0, "stop the run after this long")
	f.String("status-addr", "", "serve run status on this address, e.g. :8080")
	f.Int("parallelism", 0, "maximum nodes provisioned at once (0 for all)")
}

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "run a workload across the allocated nodes",
	Example: "okrun run --image okrun/workload:latest --workers-per-node 2",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		log := logging.New(logging.Config{
			Level:    cfg.LogLevel,
			Format:   cfg.LogFormat,
			FilePath: filepath.Join(cfg.OutputDir, "okrun.log"),
		})
		defer func() { _ = log.Sync() }()

		m, err := manager.New(cfg, log, manager.Options{Console: cmd.OutOrStdout()})
		if err != nil {
			log.Error("cannot start run", zap.Error(err))
			return err
		}

		sc := NewSignalContext(context.Background(), log)
		defer sc.Stop()

		err = m.Run(sc)
		if sig := sc.Signal(); sig != nil {
			log.Warn("run interrupted", zap.String("signal", sig.String()))
			return &interruptedError{sig: sig}
		}
		if err != nil {
			log.Error("run failed", zap.Error(err), zap.Bool("fatal", fault.IsFatal(err)))
		}
		return err
	},
}

// applyFlags overrides cfg with the flags set on the command line. Flags the
// command does not define are ignored.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Lookup(name) != nil && f.Changed(name) {
			err = apply()
		}
	}
	str := func(name string, dst *string) {
		set(name, func() (e error) { *dst, e = f.GetString(name); return })
	}
	integer := func(name string, dst *int) {
		set(name, func() (e error) { *dst, e = f.GetInt(name); return })
	}
	boolean := func(name string, dst *bool, invert bool) {
		set(name, func() error {
			v, e := f.GetBool(name)
			*dst = v != invert
			return e
		})
	}

	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	str("nodefile", &cfg.NodeFile)
	boolean("strict", &cfg.StrictAllocation, false)
	integer("workers-per-node", &cfg.WorkersPerNode)
	str("image", &cfg.Image)
	str("source", &cfg.SourceDir)
	boolean("no-sync", &cfg.SyncSource, true)
	str("output", &cfg.OutputDir)
	integer("port", &cfg.Port)
	str("transport", &cfg.Transport)
	str("activate", &cfg.Activate)
	str("prefix", &cfg.NamePrefix)
	boolean("stream-workers", &cfg.StreamWorkers, false)
	boolean("no-stream-coordinator", &cfg.StreamCoordinator, true)
	set("timeout", func() (e error) { cfg.RunTimeout, e = f.GetDuration("timeout"); return })
	str("status-addr", &cfg.StatusAddr)
	integer("parallelism", &cfg.Parallelism)
	return err
}

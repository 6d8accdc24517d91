package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aditip149209/okrun/pkg/config"
	"github.com/aditip149209/okrun/pkg/fault"
)

var rootCmd = &cobra.Command{
	Use:   "okrun",
	Short: "a cluster lifecycle orchestrator for distributed training runs",
	Long: "okrun provisions every node of a scheduler allocation, starts a coordinator and its workers in containers, " +
		"streams their logs, retrieves the results and tears everything down again, even when interrupted.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", os.Getenv("OKRUN_CONFIG"), "YAML configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "console log format (console, json)")
}

// loadConfig reads defaults, the config file, the environment and finally the
// flags that were set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &fault.ConfigurationError{Msg: "load configuration", Err: err}
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return nil, &fault.ConfigurationError{Msg: "flags", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &fault.ConfigurationError{Msg: "invalid configuration", Err: err}
	}
	return cfg, nil
}

// interruptedError reports a run stopped by a signal.
type interruptedError struct {
	sig os.Signal
}

func (e *interruptedError) Error() string { return "interrupted by " + e.sig.String() }

func exitCode(err error) int {
	var ie *interruptedError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ie):
		return 130
	}
	return 1
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "okrun:", err)
	}
	os.Exit(exitCode(err))
}

package manager

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aditip149209/okrun/pkg/artifact"
	"github.com/aditip149209/okrun/pkg/fault"
	"github.com/aditip149209/okrun/pkg/teardown"
)

// Summary is what the operator sees when a run ends.
type Summary struct {
	RunID       string
	Address     string
	Nodes       []string
	OutputDir   string
	Provisioned int
	Workers     int
	ExitCode    *int
	WaitErr     error
	Bundles     []artifact.Bundle
	Metadata    *artifact.Metadata
	Dirs        []string
	Warnings    []fault.Warning
	Teardown    teardown.Report
	Err         error
	Duration    time.Duration
}

func (s *Summary) Print(w io.Writer) {
	status := "completed"
	if s.Err != nil {
		status = "failed: " + s.Err.Error()
	}
	fmt.Fprintf(w, "\n== run %s %s in %s\n", s.RunID, status, s.Duration.Round(time.Second))
	fmt.Fprintf(w, "nodes:        %s\n", strings.Join(s.Nodes, ", "))
	if s.Address != "" {
		fmt.Fprintf(w, "coordinator:  %s\n", s.Address)
	}
	fmt.Fprintf(w, "provisioned:  %d/%d\n", s.Provisioned, len(s.Nodes))
	fmt.Fprintf(w, "workers:      %d\n", s.Workers)
	switch {
	case s.ExitCode != nil:
		fmt.Fprintf(w, "exit code:    %d\n", *s.ExitCode)
	case s.WaitErr != nil:
		fmt.Fprintf(w, "exit code:    unknown (%v)\n", s.WaitErr)
	}

	for _, b := range s.Bundles {
		if b.Retrieved() {
			fmt.Fprintf(w, "%-13s %s (%d files)\n", b.Name+":", b.LocalPath, b.Files)
		} else {
			fmt.Fprintf(w, "%-13s not retrieved\n", b.Name+":")
		}
	}
	if s.Metadata != nil {
		if s.Metadata.Checkpoint != "" {
			fmt.Fprintf(w, "checkpoint:   %s\n", s.Metadata.Checkpoint)
		}
		keys := make([]string, 0, len(s.Metadata.Eval))
		for k := range s.Metadata.Eval {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "eval %-8s %v\n", k+":", s.Metadata.Eval[k])
		}
	}
	for _, d := range s.Dirs {
		fmt.Fprintf(w, "logs:         %s\n", d)
	}
	fmt.Fprintf(w, "teardown:     %d processes, %d dirs, %d streams\n",
		s.Teardown.Processes, s.Teardown.Dirs, s.Teardown.Streams)

	if len(s.Warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "warnings (%d):\n", len(s.Warnings))
	for _, wr := range s.Warnings {
		fmt.Fprintf(w, "  - %s\n", wr.Error())
	}
}

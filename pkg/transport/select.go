package transport

import (
	"fmt"
	"os/exec"
)

const (
	KindAuto  = "auto"
	KindTmrsh = "tmrsh"
	KindSSH   = "ssh"
	KindLocal = "local"
)

type Options struct {
	Kind         string
	ClusterShell string
	Activate     string
	SSH          SSHConfig
}

var lookPath = exec.LookPath

// Select picks the transport for a run. With Kind auto, local allocations run on
// this machine; otherwise the cluster shell is preferred when installed, then ssh.
func Select(o Options, local bool) (Transport, error) {
	shell := Shell{Activate: o.Activate}
	bin := o.ClusterShell
	if bin == "" {
		bin = DefaultClusterShell
	}

	switch o.Kind {
	case "", KindAuto:
		if local {
			return NewLocal(shell), nil
		}
		if path, err := lookPath(bin); err == nil {
			return NewClusterShell(path, shell), nil
		}
		return NewSSH(o.SSH, shell)
	case KindTmrsh:
		return NewClusterShell(bin, shell), nil
	case KindSSH:
		return NewSSH(o.SSH, shell)
	case KindLocal:
		return NewLocal(shell), nil
	}
	return nil, fmt.Errorf("unknown transport %q", o.Kind)
}

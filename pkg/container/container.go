package container

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
	"github.com/kballard/go-shellquote"

	"github.com/aditip149209/okrun/pkg/task"
	"github.com/aditip149209/okrun/pkg/transport"
)

const (
	LabelRun    = "okrun.run"
	LabelRole   = "okrun.role"
	LabelNode   = "okrun.node"
	LabelPrefix = "okrun.prefix"
)

// Runtime renders container operations as docker CLI command lines. The commands
// are executed on the nodes through a transport, so nothing here talks to a
// daemon directly.
type Runtime struct {
	Bin         string
	StopTimeout int
}

func (r Runtime) bin() string {
	if r.Bin == "" {
		return "docker"
	}
	return r.Bin
}

func (r Runtime) Build(image, dir string) string {
	return shellquote.Join(r.bin(), "build", "--tag", image, dir)
}

func (r Runtime) Stop(name string) string {
	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = 10
	}
	return shellquote.Join(r.bin(), "stop", "--time", fmt.Sprint(timeout), name)
}

func (r Runtime) Remove(name string) string {
	return shellquote.Join(r.bin(), "rm", "--force", name)
}

func (r Runtime) Logs(name string) string {
	return shellquote.Join(r.bin(), "logs", "--follow", name) + " 2>&1"
}

func (r Runtime) Wait(name string) string {
	return shellquote.Join(r.bin(), "wait", name)
}

// Running prints true or false for an existing container.
func (r Runtime) Running(name string) string {
	return shellquote.Join(r.bin(), "container", "inspect", "--format", "{{.State.Running}}", name)
}

// ListNames prints the names of all containers carrying label=value.
func (r Runtime) ListNames(label, value string) string {
	return shellquote.Join(r.bin(), "ps", "--all", "--filter", "label="+label+"="+value, "--format", "{{.Names}}")
}

// Run renders `docker run --detach` for the given config.
func (r Runtime) Run(name string, cfg *container.Config, host *container.HostConfig) string {
	args := []string{r.bin(), "run", "--detach", "--name", name}

	if host != nil {
		if host.NetworkMode != "" {
			args = append(args, "--network", string(host.NetworkMode))
		}
		if host.AutoRemove {
			args = append(args, "--rm")
		}
		for _, m := range host.Mounts {
			spec := fmt.Sprintf("type=%s,source=%s,target=%s", m.Type, m.Source, m.Target)
			if m.ReadOnly {
				spec += ",readonly"
			}
			args = append(args, "--mount", spec)
		}
		for _, b := range host.Binds {
			args = append(args, "--volume", b)
		}
	}

	labels := make([]string, 0, len(cfg.Labels))
	for k, v := range cfg.Labels {
		labels = append(labels, k+"="+v)
	}
	sort.Strings(labels)
	for _, l := range labels {
		args = append(args, "--label", l)
	}

	for _, e := range cfg.Env {
		args = append(args, "--env", e)
	}

	ports := make([]string, 0, len(cfg.ExposedPorts))
	for p := range cfg.ExposedPorts {
		ports = append(ports, string(p))
	}
	sort.Strings(ports)
	for _, p := range ports {
		args = append(args, "--expose", p)
	}

	if cfg.WorkingDir != "" {
		args = append(args, "--workdir", cfg.WorkingDir)
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Cmd...)
	return shellquote.Join(args...)
}

// Spec turns a task into container and host configs: host networking, the task's
// bind mounts, environment sorted by key, and run labels.
func Spec(t *task.Task, runID string, prefix string, ports ...nat.Port) (*container.Config, *container.HostConfig) {
	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+t.Env[k])
	}

	cfg := &container.Config{
		Image: t.Image,
		Env:   env,
		Cmd:   strslice.StrSlice(t.Cmd),
		Labels: map[string]string{
			LabelRun:    runID,
			LabelRole:   string(t.Role),
			LabelNode:   t.Host,
			LabelPrefix: prefix,
		},
	}
	if len(ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		for _, p := range ports {
			cfg.ExposedPorts[p] = struct{}{}
		}
	}

	host := &container.HostConfig{
		NetworkMode: container.NetworkMode("host"),
		Mounts:      append([]mount.Mount(nil), t.Mounts...),
	}
	return cfg, host
}

// BindMount mounts a node-local directory into the container.
func BindMount(source, target string) mount.Mount {
	return mount.Mount{Type: mount.TypeBind, Source: source, Target: target}
}

// IsNotFound reports whether a failed docker command only complained that the
// container does not exist or is already stopped.
func IsNotFound(err error) bool {
	var ee *transport.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	msg := strings.ToLower(ee.Stderr)
	return strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "is not running")
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	NodeFile         string `yaml:"node_file"`
	StrictAllocation bool   `yaml:"strict_allocation"`
	WorkersPerNode   int    `yaml:"workers_per_node"`
	OutputDir        string `yaml:"output_dir"`
	Port             int    `yaml:"port"`

	StreamCoordinator bool `yaml:"stream_coordinator"`
	StreamWorkers     bool `yaml:"stream_workers"`

	Transport    string `yaml:"transport"` // auto, tmrsh, ssh, local
	ClusterShell string `yaml:"cluster_shell"`
	Activate     string `yaml:"activate"`
	SSHUser      string `yaml:"ssh_user"`
	SSHKey       string `yaml:"ssh_key"`
	SSHPort      int    `yaml:"ssh_port"`

	SourceDir      string `yaml:"source_dir"`
	SyncSource     bool   `yaml:"sync_source"`
	Image          string `yaml:"image"`
	ContainerBin   string `yaml:"container_bin"`
	NamePrefix     string `yaml:"name_prefix"`
	RemoteTmp      string `yaml:"remote_tmp"`
	CoordinatorCmd string `yaml:"coordinator_cmd"`
	WorkerCmd      string `yaml:"worker_cmd"`

	EtcdEndpoints []string      `yaml:"etcd_endpoints"`
	StatusAddr    string        `yaml:"status_addr"`
	Parallelism   int           `yaml:"parallelism"`
	RunTimeout    time.Duration `yaml:"run_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

var now = time.Now

const (
	DefaultPort           = 6379
	DefaultImage          = "okrun/workload:latest"
	DefaultCoordinatorCmd = "ray start --head --port=$OKRUN_PORT --disable-usage-stats && python main.py"
	DefaultWorkerCmd      = "ray start --address=$OKRUN_PEER_ADDRESS --disable-usage-stats --block"
)

func Default() *Config {
	return &Config{
		WorkersPerNode:    1,
		OutputDir:         "runs/" + now().Format("20060102-150405"),
		Port:              DefaultPort,
		StreamCoordinator: true,
		StreamWorkers:     false,
		Transport:         "auto",
		SourceDir:         ".",
		SyncSource:        true,
		Image:             DefaultImage,
		ContainerBin:      "docker",
		NamePrefix:        "okrun",
		RemoteTmp:         "/tmp",
		CoordinatorCmd:    DefaultCoordinatorCmd,
		WorkerCmd:         DefaultWorkerCmd,
		SSHPort:           22,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load builds the configuration from defaults, then the YAML file at path (if
// any), then OKRUN_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("OKRUN_NODEFILE", &c.NodeFile)
	if c.NodeFile == "" {
		e.str("PBS_NODEFILE", &c.NodeFile)
	}
	e.boolean("OKRUN_STRICT_ALLOCATION", &c.StrictAllocation)
	e.integer("OKRUN_WORKERS_PER_NODE", &c.WorkersPerNode)
	e.str("OKRUN_OUTPUT_DIR", &c.OutputDir)
	e.integer("OKRUN_PORT", &c.Port)
	e.boolean("OKRUN_STREAM_COORDINATOR", &c.StreamCoordinator)
	e.boolean("OKRUN_STREAM_WORKERS", &c.StreamWorkers)
	e.str("OKRUN_TRANSPORT", &c.Transport)
	e.str("OKRUN_CLUSTER_SHELL", &c.ClusterShell)
	e.str("OKRUN_ACTIVATE", &c.Activate)
	e.str("OKRUN_SSH_USER", &c.SSHUser)
	e.str("OKRUN_SSH_KEY", &c.SSHKey)
	e.integer("OKRUN_SSH_PORT", &c.SSHPort)
	e.str("OKRUN_SOURCE_DIR", &c.SourceDir)
	e.boolean("OKRUN_SYNC_SOURCE", &c.SyncSource)
	e.str("OKRUN_IMAGE", &c.Image)
	e.str("OKRUN_CONTAINER_BIN", &c.ContainerBin)
	e.str("OKRUN_NAME_PREFIX", &c.NamePrefix)
	e.str("OKRUN_REMOTE_TMP", &c.RemoteTmp)
	e.str("OKRUN_COORDINATOR_CMD", &c.CoordinatorCmd)
	e.str("OKRUN_WORKER_CMD", &c.WorkerCmd)
	e.list("OKRUN_ETCD_ENDPOINTS", &c.EtcdEndpoints)
	e.str("OKRUN_STATUS_ADDR", &c.StatusAddr)
	e.integer("OKRUN_PARALLELISM", &c.Parallelism)
	e.duration("OKRUN_RUN_TIMEOUT", &c.RunTimeout)
	e.str("OKRUN_LOG_LEVEL", &c.LogLevel)
	e.str("OKRUN_LOG_FORMAT", &c.LogFormat)

	return e.err
}

func (c *Config) Validate() error {
	if c.WorkersPerNode < 0 {
		return fmt.Errorf("workers per node must not be negative, got %d", c.WorkersPerNode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid coordination port %d", c.Port)
	}
	if c.Image == "" {
		return fmt.Errorf("image must be set")
	}
	if c.NamePrefix == "" {
		return fmt.Errorf("name prefix must be set")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory must be set")
	}
	return nil
}

// envReader keeps the first parse error so callers can read every variable and
// check once.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key, v string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s=%q: %w", key, v, err)
	}
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v, ok := e.get(key); ok {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

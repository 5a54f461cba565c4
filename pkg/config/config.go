// Package config holds the worker process's configuration as an explicit
// value constructed at startup rather than a package-level global.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is threaded explicitly into the worker pool and every pipeline it
// spawns; nothing in this module reaches for a package-level global.
type Config struct {
	// Processes is the worker pool size. Default() sets this to
	// runtime.NumCPU(); workerpool.New applies the same fallback for
	// callers that construct a Pool with an unset or non-positive count.
	Processes int `yaml:"processes"`

	// ScenarioTimeout bounds a single scenario's HTTP round trip.
	ScenarioTimeout time.Duration `yaml:"scenario_timeout"`

	// ContainerNetwork is the containerd/CNI network new sandboxes join.
	ContainerNetwork string `yaml:"container_network"`

	// ContainerdSocket is the containerd API socket path.
	ContainerdSocket string `yaml:"containerd_socket"`

	// HostMode, when true, publishes the sandboxed container's port 8000 to
	// host port 9050 instead of addressing it by container IP. Absence of
	// the DOCKER environment variable selects host mode; its presence
	// selects container-IP addressing.
	HostMode bool `yaml:"host_mode"`

	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// DatabaseConfig addresses the privileged Postgres connection the Principal
// Provisioner uses to create and revoke per-task roles.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// BrokerConfig addresses the Redis instance backing the task and results
// queues.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

const (
	// DefaultTaskQueue is the fixed name tasks are right-popped from.
	DefaultTaskQueue = "task_queue"
	// DefaultResultsQueue is the fixed name results are left-pushed onto.
	DefaultResultsQueue = "scenario_results_queue"

	// ReadinessWait is the fixed post-start pause before the sandbox is
	// considered reachable. No readiness probing is performed; a task
	// whose image needs longer than this to bind its port will see every
	// scenario classified as a connection error.
	ReadinessWait = 15 * time.Second

	// StopGrace is the graceful-stop timeout before a sandbox is
	// force-removed, and the settle time waited afterwards.
	StopGrace = 5 * time.Second

	hostPublishedPort    = "9050"
	containerServicePort = "8000"
)

// Default returns a Config with the worker's baseline constants; the 15s
// readiness wait and 8000->9050 host port mapping are handled by the
// sandbox package directly, not here. Processes defaults to the number of
// available CPUs, mirroring the original's `options['processes'] or
// os.cpu_count()`.
func Default() Config {
	_, dockerSet := os.LookupEnv("DOCKER")
	return Config{
		Processes:        runtime.NumCPU(),
		ScenarioTimeout:  30 * time.Second,
		ContainerNetwork: "apitester",
		ContainerdSocket: "/run/containerd/containerd.sock",
		HostMode:         !dockerSet,
		Database: DatabaseConfig{
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "postgres",
			SSLMode: "disable",
		},
		Broker: BrokerConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		LogLevel: "info",
	}
}

// Load starts from Default, overlays an optional YAML file, then overlays
// environment variables, in that precedence order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("APITESTER_DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("APITESTER_DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("APITESTER_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("APITESTER_BROKER_PASSWORD"); v != "" {
		cfg.Broker.Password = v
	}
	// DOCKER's mere presence (any value, including empty-string-unset)
	// selects container mode; its absence selects host mode. Re-derive
	// HostMode here so a config file's value never silently wins over the
	// environment the worker actually runs in.
	_, dockerSet := os.LookupEnv("DOCKER")
	cfg.HostMode = !dockerSet
}

// HostPublishedPort and ContainerServicePort are the fixed host-mode port
// pair the sandbox forwards between when containerd is running without a
// DOCKER-bridge-reachable network.
func HostPublishedPort() string    { return hostPublishedPort }
func ContainerServicePort() string { return containerServicePort }

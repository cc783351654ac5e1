// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the settings handed to the pre-fork
// application server: worker count, listen targets, timeouts, PID file,
// stream redirection and the lifecycle hooks run around each worker fork.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	preforkerrors "github.com/tombee/prefork/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Handler names accepted in hooks.before_fork and hooks.after_fork.
const (
	HandlerSignalOldMaster    = "signal_old_master"
	HandlerDisconnectDatabase = "disconnect_database"
	HandlerReconnectDatabase  = "reconnect_database"
	HandlerThrottleFork       = "throttle_fork"
)

// Defaults applied to zero values.
const (
	DefaultWorkerProcesses = 1
	DefaultTimeout         = 60
	DefaultBacklog         = 1024
	DefaultListenAddress   = "0.0.0.0:8080"
	DefaultPIDEnv          = "UNICORN_RAILS_PIDFILE"
	DefaultDatabaseDriver  = "sqlite"

	// OldBinSuffix is appended to the PID file path by a master that is
	// being replaced during a zero-downtime upgrade.
	OldBinSuffix = ".oldbin"

	// ForkStampSuffix is appended to the PID file path to name the default
	// fork throttle file.
	ForkStampSuffix = ".fork"
)

// Config is the complete worker-manager configuration.
// It is read once at master startup and treated as immutable afterwards.
type Config struct {
	// WorkerProcesses is the number of workers the master keeps running.
	WorkerProcesses int `yaml:"worker_processes" json:"worker_processes"`

	// WorkingDirectory is where the application is started from.
	WorkingDirectory string `yaml:"working_directory,omitempty" json:"working_directory,omitempty"`

	// Listen is the ordered list of listen targets.
	Listen []ListenSpec `yaml:"listen" json:"listen"`

	// Timeout is the request timeout in seconds after which a worker is killed.
	Timeout int `yaml:"timeout" json:"timeout"`

	// PID is the PID file path. ${VAR} references are expanded.
	// Environment: PREFORK_PID_FILE
	PID string `yaml:"pid,omitempty" json:"pid,omitempty"`

	// PIDEnv names the environment variable consulted when PID is empty.
	// Default: UNICORN_RAILS_PIDFILE
	PIDEnv string `yaml:"pid_env,omitempty" json:"pid_env,omitempty"`

	// StderrPath and StdoutPath redirect the standard streams:
	// "stderr", "stdout" or an absolute file path.
	StderrPath string `yaml:"stderr_path,omitempty" json:"stderr_path,omitempty"`
	StdoutPath string `yaml:"stdout_path,omitempty" json:"stdout_path,omitempty"`

	// PreloadApp loads the application in the master before forking.
	PreloadApp bool `yaml:"preload_app" json:"preload_app"`

	// GC holds garbage collector hints passed through to the runtime.
	GC GCConfig `yaml:"gc" json:"gc"`

	// CheckClientConnection makes the runtime check the client socket
	// before calling the application.
	CheckClientConnection bool `yaml:"check_client_connection" json:"check_client_connection"`

	// Hooks selects the handlers run around each worker fork.
	Hooks HooksConfig `yaml:"hooks" json:"hooks"`

	// Database declares the reconnect-on-fork capability.
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Log configures prefork's own logging.
	Log LogConfig `yaml:"log" json:"log"`

	// LifecycleLog is the path of the JSON lifecycle event log. Empty disables it.
	// Environment: PREFORK_LIFECYCLE_LOG
	LifecycleLog string `yaml:"lifecycle_log,omitempty" json:"lifecycle_log,omitempty"`

	// MetricsFile is a Prometheus textfile written after each hook dispatch.
	// Environment: PREFORK_METRICS_FILE
	MetricsFile string `yaml:"metrics_file,omitempty" json:"metrics_file,omitempty"`

	// Tracing exports hook dispatch spans.
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// GCConfig holds garbage collector hints.
type GCConfig struct {
	CopyOnWriteFriendly bool `yaml:"copy_on_write_friendly" json:"copy_on_write_friendly"`
}

// HooksConfig lists the handlers dispatched for each lifecycle event, in order.
type HooksConfig struct {
	BeforeFork []string `yaml:"before_fork" json:"before_fork"`
	AfterFork  []string `yaml:"after_fork" json:"after_fork"`

	// ForkThrottle is the minimum interval between forks enforced by the
	// throttle_fork handler. Zero disables throttling.
	ForkThrottle time.Duration `yaml:"fork_throttle,omitempty" json:"fork_throttle,omitempty"`

	// ForkThrottleFile holds the time of the last throttled fork so that
	// separate hook invocations share one schedule.
	// Default: "<pid>.fork", or prefork-<uid>.fork in the temp directory.
	ForkThrottleFile string `yaml:"fork_throttle_file,omitempty" json:"fork_throttle_file,omitempty"`
}

// DatabaseConfig is the explicit replacement for probing whether a
// database connection exists before reconnecting around a fork.
type DatabaseConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Driver  string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN     string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Trace exporters accepted in tracing.exporter.
const (
	ExporterNone     = ""
	ExporterConsole  = "console"
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
)

// TracingConfig selects where hook dispatch spans are exported.
type TracingConfig struct {
	// Exporter is "console", "otlp" (gRPC) or "otlp-http". Empty disables export.
	// Environment: PREFORK_TRACING_EXPORTER
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty"`

	// Endpoint is the OTLP receiver, e.g. "localhost:4317".
	// Environment: PREFORK_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Insecure disables TLS towards the OTLP receiver.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`

	// Headers are sent with every OTLP export request.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// SampleRate is the fraction of dispatches traced, 0.0 to 1.0.
	// Nil means 1.0.
	SampleRate *float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
}

// Enabled reports whether an exporter is configured.
func (t TracingConfig) Enabled() bool {
	return t.Exporter != ExporterNone
}

// Rate returns the effective sample rate.
func (t TracingConfig) Rate() float64 {
	if t.SampleRate == nil {
		return 1.0
	}
	return *t.SampleRate
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level,omitempty" json:"level,omitempty"`

	// Format is the log format (json, text).
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		WorkerProcesses: DefaultWorkerProcesses,
		Listen: []ListenSpec{
			{Address: DefaultListenAddress, Backlog: DefaultBacklog},
		},
		Timeout:    DefaultTimeout,
		PIDEnv:     DefaultPIDEnv,
		StderrPath: "stderr",
		StdoutPath: "stdout",
		Hooks: HooksConfig{
			BeforeFork: []string{HandlerDisconnectDatabase, HandlerSignalOldMaster},
			AfterFork:  []string{HandlerReconnectDatabase},
		},
		Database: DatabaseConfig{
			Driver: DefaultDatabaseDriver,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file, fills defaults, applies
// environment overrides and validates the result. If path is empty only
// defaults and the environment are used.
//
// Load has no hidden state: the same file and environment always produce
// equal configurations.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &preforkerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// Read builds a configuration from path, defaults and the environment
// without validating it. An empty path skips the file.
func Read(path string) (*Config, error) {
	cfg := &Config{}

	var present presentKeys
	if path != "" {
		var err error
		if present, err = cfg.loadFromFile(path); err != nil {
			return nil, &preforkerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults(present)
	cfg.loadFromEnv()
	cfg.resolvePID()

	return cfg, nil
}

// presentKeys records which defaulted numeric keys the file set, so an
// explicit zero is validated instead of replaced.
type presentKeys struct {
	workerProcesses bool
	timeout         bool
	backlog         map[int]bool
}

func scanPresentKeys(root *yaml.Node) presentKeys {
	present := presentKeys{backlog: make(map[int]bool)}
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return present
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		if isNullNode(val) {
			continue
		}
		switch key {
		case "worker_processes":
			present.workerProcesses = true
		case "timeout":
			present.timeout = true
		case "listen":
			if val.Kind != yaml.SequenceNode {
				continue
			}
			for j, item := range val.Content {
				if item.Kind != yaml.MappingNode {
					continue
				}
				for k := 0; k+1 < len(item.Content); k += 2 {
					if item.Content[k].Value == "backlog" && !isNullNode(item.Content[k+1]) {
						present.backlog[j] = true
					}
				}
			}
		}
	}
	return present
}

func isNullNode(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

// applyDefaults fills in values the file left out so minimal files work.
func (c *Config) applyDefaults(present presentKeys) {
	defaults := Default()

	if c.WorkerProcesses == 0 && !present.workerProcesses {
		c.WorkerProcesses = defaults.WorkerProcesses
	}
	if len(c.Listen) == 0 {
		c.Listen = defaults.Listen
	}
	for i := range c.Listen {
		if c.Listen[i].Backlog == 0 && !present.backlog[i] {
			c.Listen[i].Backlog = DefaultBacklog
		}
	}
	if c.Timeout == 0 && !present.timeout {
		c.Timeout = defaults.Timeout
	}
	if c.PIDEnv == "" {
		c.PIDEnv = defaults.PIDEnv
	}
	if c.StderrPath == "" {
		c.StderrPath = defaults.StderrPath
	}
	if c.StdoutPath == "" {
		c.StdoutPath = defaults.StdoutPath
	}

	// An explicit empty list disables the event; only a missing key gets defaults.
	if c.Hooks.BeforeFork == nil {
		c.Hooks.BeforeFork = defaults.Hooks.BeforeFork
	}
	if c.Hooks.AfterFork == nil {
		c.Hooks.AfterFork = defaults.Hooks.AfterFork
	}

	if c.Database.Driver == "" {
		c.Database.Driver = defaults.Database.Driver
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

// loadFromFile loads configuration from a YAML file and reports which
// defaulted keys it set.
func (c *Config) loadFromFile(path string) (presentKeys, error) {
	path, err := expandHome(path)
	if err != nil {
		return presentKeys{}, err
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return presentKeys{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return presentKeys{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return presentKeys{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return scanPresentKeys(&root), nil
}

// loadFromEnv loads configuration overrides from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("PREFORK_WORKER_PROCESSES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.WorkerProcesses = n
		}
	}
	if val := os.Getenv("PREFORK_TIMEOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Timeout = n
		}
	}
	if val := os.Getenv("PREFORK_WORKING_DIRECTORY"); val != "" {
		c.WorkingDirectory = val
	}
	if val := os.Getenv("PREFORK_PID_FILE"); val != "" {
		c.PID = val
	}
	if val := os.Getenv("PREFORK_PRELOAD_APP"); val != "" {
		c.PreloadApp = parseBool(val)
	}
	if val := os.Getenv("PREFORK_DATABASE_DSN"); val != "" {
		c.Database.DSN = val
	}
	c.loadLogEnv()
	if val := os.Getenv("PREFORK_LIFECYCLE_LOG"); val != "" {
		c.LifecycleLog = val
	}
	if val := os.Getenv("PREFORK_METRICS_FILE"); val != "" {
		c.MetricsFile = val
	}
	if val := os.Getenv("PREFORK_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("PREFORK_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
}

// loadLogEnv applies the logging variables. PREFORK_DEBUG wins over
// PREFORK_LOG_LEVEL, which wins over LOG_LEVEL. PREFORK_LOG_FORMAT wins over
// LOG_FORMAT.
func (c *Config) loadLogEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("PREFORK_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if parseBool(os.Getenv("PREFORK_DEBUG")) {
		c.Log.Level = "debug"
	}

	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("PREFORK_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
}

// resolvePID sources the PID file path from PIDEnv when it is not set
// directly, then expands environment references.
func (c *Config) resolvePID() {
	if c.PID == "" && c.PIDEnv != "" {
		c.PID = os.Getenv(c.PIDEnv)
	}
	c.PID = os.ExpandEnv(c.PID)
}

// PIDFile returns the PID file path, or "" when none is configured.
func (c *Config) PIDFile() string {
	return c.PID
}

// OldBinPIDFile returns the path a replaced master renames its PID file to.
func (c *Config) OldBinPIDFile() string {
	if c.PID == "" {
		return ""
	}
	return c.PID + OldBinSuffix
}

// ForkThrottleFile returns the file shared by throttle_fork invocations.
func (c *Config) ForkThrottleFile() string {
	switch {
	case c.Hooks.ForkThrottleFile != "":
		return os.ExpandEnv(c.Hooks.ForkThrottleFile)
	case c.PID != "":
		return c.PID + ForkStampSuffix
	default:
		return filepath.Join(os.TempDir(), fmt.Sprintf("prefork-%d%s", os.Getuid(), ForkStampSuffix))
	}
}

// TimeoutDuration returns Timeout as a time.Duration.
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

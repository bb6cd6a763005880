package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Queue       QueueConfig      `toml:"queue"`
	Storage     StorageConfig    `toml:"storage"`
	Logging     LoggingConfig    `toml:"logging"`
	Catalog     CatalogConfig    `toml:"catalog"`
	Simulation  SimulationConfig `toml:"simulation"`
	Evaluation  EvaluationConfig `toml:"evaluation"`
	Containers  ContainerConfig  `toml:"containers"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
}

type ServerConfig struct {
	Port         int    `toml:"port"`
	Host         string `toml:"host"`
	ReadTimeout  string `toml:"read_timeout"`  // e.g., "15s"
	WriteTimeout string `toml:"write_timeout"` // Bounds report rendering; websocket connections are exempt
	IdleTimeout  string `toml:"idle_timeout"`
}

type QueueConfig struct {
	PollInterval     string `toml:"poll_interval"`     // e.g., "1s" - how often the orchestrator polls for queued jobs
	Concurrency      int    `toml:"concurrency"`       // Max containers in flight
	ExecutionTimeout string `toml:"execution_timeout"` // e.g., "6h" - PROCESSING jobs older than this are failed
	SweepSchedule    string `toml:"sweep_schedule"`    // Cron schedule for the stale-execution sweep
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
	SyncWrites     bool   `toml:"sync_writes"`      // fsync every commit; dispatch positions must survive a crash
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// CatalogConfig points at the classifier definition files (TOML/YAML)
type CatalogConfig struct {
	Dir string `toml:"dir"`
}

// SimulationConfig describes the read simulator container
type SimulationConfig struct {
	Image         string   `toml:"image"`
	Command       []string `toml:"command"` // Argument template, e.g. ["simulate", "--profile", "{abundance_tsv}"]
	NumberOfReads int      `toml:"number_of_reads"`
}

// EvaluationConfig describes the evaluator container
type EvaluationConfig struct {
	Image   string   `toml:"image"`
	Command []string `toml:"command"`
}

// ContainerConfig controls how sub-job containers are launched
type ContainerConfig struct {
	DataDir        string `toml:"data_dir"`        // Host directory mounted at /data in every container
	LaunchInterval string `toml:"launch_interval"` // Minimum gap between container launches
	MemoryLimitMB  int64  `toml:"memory_limit_mb"` // 0 = unlimited
	TimeWrapper    string `toml:"time_wrapper"`    // Prefix used to capture resource usage, e.g. "/usr/bin/time -v"
}

type WebSocketConfig struct {
	ThrottleInterval string `toml:"throttle_interval"` // Minimum gap between broadcasts per event type
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port:         8085,
			Host:         "localhost",
			ReadTimeout:  "15s",
			WriteTimeout: "30s",
			IdleTimeout:  "60s",
		},
		Queue: QueueConfig{
			PollInterval:     "1s",
			Concurrency:      2,
			ExecutionTimeout: "12h",
			SweepSchedule:    "*/5 * * * *",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:       "./data/meta",
				SyncWrites: true,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			TimeFormat: "15:04:05",
		},
		Catalog: CatalogConfig{
			Dir: "./classifiers",
		},
		Simulation: SimulationConfig{
			Image:         "meta/simulator:latest",
			Command:       []string{"simulate", "--profile", "{abundance_tsv}", "--read-type", "{read_type}", "--reads", "{number_of_reads}", "--out", "{output}"},
			NumberOfReads: 1000000,
		},
		Evaluation: EvaluationConfig{
			Image:   "meta/evaluator:latest",
			Command: []string{"evaluate", "--profile", "{abundance_tsv}", "--reports", "{reports_dir}", "--out", "{output}"},
		},
		Containers: ContainerConfig{
			DataDir:        "./data/runs",
			LaunchInterval: "2s",
			TimeWrapper:    "/usr/bin/time -v",
		},
		WebSocket: WebSocketConfig{
			ThrottleInterval: "250ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies META_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("META_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("META_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("META_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Queue configuration
	if pollInterval := os.Getenv("META_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("META_QUEUE_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Queue.Concurrency = c
		}
	}
	if timeout := os.Getenv("META_QUEUE_EXECUTION_TIMEOUT"); timeout != "" {
		config.Queue.ExecutionTimeout = timeout
	}
	if schedule := os.Getenv("META_QUEUE_SWEEP_SCHEDULE"); schedule != "" {
		config.Queue.SweepSchedule = schedule
	}

	// Storage configuration
	if badgerPath := os.Getenv("META_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Logging configuration
	if level := os.Getenv("META_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("META_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		config.Logging.Output = outputs
	}

	// Catalog and containers
	if dir := os.Getenv("META_CATALOG_DIR"); dir != "" {
		config.Catalog.Dir = dir
	}
	if image := os.Getenv("META_SIMULATION_IMAGE"); image != "" {
		config.Simulation.Image = image
	}
	if image := os.Getenv("META_EVALUATION_IMAGE"); image != "" {
		config.Evaluation.Image = image
	}
	if dataDir := os.Getenv("META_DATA_DIR"); dataDir != "" {
		config.Containers.DataDir = dataDir
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks durations and the sweep schedule
func (c *Config) Validate() error {
	durations := map[string]string{
		"server.read_timeout":        c.Server.ReadTimeout,
		"server.write_timeout":       c.Server.WriteTimeout,
		"server.idle_timeout":        c.Server.IdleTimeout,
		"queue.poll_interval":        c.Queue.PollInterval,
		"queue.execution_timeout":    c.Queue.ExecutionTimeout,
		"containers.launch_interval": c.Containers.LaunchInterval,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1, got %d", c.Queue.Concurrency)
	}

	if c.Queue.SweepSchedule != "" {
		if err := ValidateSchedule(c.Queue.SweepSchedule); err != nil {
			return fmt.Errorf("invalid queue.sweep_schedule: %w", err)
		}
	}

	return nil
}

// ValidateSchedule validates a standard five-field cron expression
func ValidateSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDurationOr parses value, falling back to def when empty or invalid
func ParseDurationOr(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

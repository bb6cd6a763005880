package queue

import (
	"time"

	"github.com/ternarybob/meta/internal/common"
)

// Config holds configuration for the orchestrator and sweeper
type Config struct {
	// PollInterval is how often the orchestrator polls when the queue is empty
	PollInterval time.Duration

	// Concurrency is the maximum number of containers in flight
	Concurrency int

	// ExecutionTimeout fails a PROCESSING job that runs longer than this
	ExecutionTimeout time.Duration

	// SweepSchedule is the cron schedule of the stale-execution sweep
	SweepSchedule string

	// DataDir is the host directory holding per-run inputs and outputs
	DataDir string

	// NumberOfReads is the default read count for simulation jobs
	NumberOfReads int

	// MemoryLimitMB caps every container. Zero means unlimited.
	MemoryLimitMB int64

	Simulation ToolConfig
	Evaluation ToolConfig
}

// ToolConfig is an image plus its argument template
type ToolConfig struct {
	Image   string
	Command []string
}

// NewDefaultConfig creates a queue configuration with sensible defaults
func NewDefaultConfig() Config {
	return Config{
		PollInterval:     1 * time.Second,
		Concurrency:      2,
		ExecutionTimeout: 12 * time.Hour,
		SweepSchedule:    "*/5 * * * *",
		DataDir:          "./data/runs",
		NumberOfReads:    1000000,
		Simulation: ToolConfig{
			Image:   "meta/simulator:latest",
			Command: []string{"simulate", "--profile", "{abundance_tsv}", "--read-type", "{read_type}", "--reads", "{number_of_reads}", "--out", "{output}"},
		},
		Evaluation: ToolConfig{
			Image:   "meta/evaluator:latest",
			Command: []string{"evaluate", "--profile", "{abundance_tsv}", "--reports", "{reports_dir}", "--out", "{output}"},
		},
	}
}

// ConfigFromApp maps the application config onto a queue config
func ConfigFromApp(cfg *common.Config) Config {
	def := NewDefaultConfig()

	c := Config{
		PollInterval:     common.ParseDurationOr(cfg.Queue.PollInterval, def.PollInterval),
		Concurrency:      cfg.Queue.Concurrency,
		ExecutionTimeout: common.ParseDurationOr(cfg.Queue.ExecutionTimeout, def.ExecutionTimeout),
		SweepSchedule:    cfg.Queue.SweepSchedule,
		DataDir:          cfg.Containers.DataDir,
		NumberOfReads:    cfg.Simulation.NumberOfReads,
		MemoryLimitMB:    cfg.Containers.MemoryLimitMB,
		Simulation:       ToolConfig{Image: cfg.Simulation.Image, Command: cfg.Simulation.Command},
		Evaluation:       ToolConfig{Image: cfg.Evaluation.Image, Command: cfg.Evaluation.Command},
	}
	if c.Concurrency < 1 {
		c.Concurrency = def.Concurrency
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.NumberOfReads <= 0 {
		c.NumberOfReads = def.NumberOfReads
	}
	if c.Simulation.Image == "" || len(c.Simulation.Command) == 0 {
		c.Simulation = def.Simulation
	}
	if c.Evaluation.Image == "" || len(c.Evaluation.Command) == 0 {
		c.Evaluation = def.Evaluation
	}
	return c
}

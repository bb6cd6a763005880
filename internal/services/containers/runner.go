// -----------------------------------------------------------------------
// Container runner - launches sub-job tools with testcontainers-go
// -----------------------------------------------------------------------

package containers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"golang.org/x/time/rate"
)

const (
	// defaultExitTimeout applies when the caller's context has no deadline
	defaultExitTimeout = 24 * time.Hour
	stopGrace          = 10 * time.Second
	logTailLines       = 5
)

// Runner implements interfaces.ContainerRunner on the local Docker daemon.
// Each tool runs detached in its own container; the handle delivers the
// outcome once the container exits.
type Runner struct {
	limiter     *rate.Limiter
	timeWrapper []string
	logger      arbor.ILogger
}

// NewRunner creates a runner. Launches are spaced by LaunchInterval and, when
// TimeWrapper is set, every command is prefixed with it so resource usage
// can be read back from the container output.
func NewRunner(config *common.ContainerConfig, logger arbor.ILogger) *Runner {
	limit := rate.Inf
	if d := common.ParseDurationOr(config.LaunchInterval, 0); d > 0 {
		limit = rate.Every(d)
	}

	return &Runner{
		limiter:     rate.NewLimiter(limit, 1),
		timeWrapper: strings.Fields(config.TimeWrapper),
		logger:      logger,
	}
}

// RunContainer creates and starts a container for spec. It returns once the
// container is running; the outcome arrives on the handle.
func (r *Runner) RunContainer(ctx context.Context, spec interfaces.ContainerSpec) (interfaces.ContainerHandle, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("launch throttled: %w", err)
	}

	exitTimeout := defaultExitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		exitTimeout = time.Until(deadline)
	}

	cmd := make([]string, 0, len(r.timeWrapper)+len(spec.Args))
	cmd = append(cmd, r.timeWrapper...)
	cmd = append(cmd, spec.Args...)

	req := testcontainers.ContainerRequest{
		Image:      spec.Image,
		Name:       spec.Name,
		Cmd:        cmd,
		Env:        spec.Env,
		WaitingFor: wait.ForExit().WithExitTimeout(exitTimeout).WithPollInterval(time.Second),
		HostConfigModifier: func(hc *container.HostConfig) {
			hc.Binds = append(hc.Binds, spec.Binds...)
			if spec.MemoryLimitMB > 0 {
				hc.Memory = spec.MemoryLimitMB * 1024 * 1024
			}
		},
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          false,
	})
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	h := &handle{
		container: c,
		id:        c.GetContainerID(),
		name:      spec.Name,
		out:       make(chan interfaces.ContainerOutcome, 1),
		logger:    r.logger,
	}

	r.logger.Debug().
		Str("container", spec.Name).
		Str("image", spec.Image).
		Strs("cmd", cmd).
		Msg("Container created")

	common.SafeGo(r.logger, "container:"+spec.Name, func() {
		h.run(ctx)
	})
	return h, nil
}

type handle struct {
	container testcontainers.Container
	id        string
	name      string
	out       chan interfaces.ContainerOutcome
	stopped   atomic.Bool
	logger    arbor.ILogger
}

func (h *handle) ID() string {
	return h.id
}

func (h *handle) Outcome() <-chan interfaces.ContainerOutcome {
	return h.out
}

func (h *handle) Stop(ctx context.Context) error {
	h.stopped.Store(true)
	grace := stopGrace
	return h.container.Stop(ctx, &grace)
}

// run starts the container, blocks until it exits and delivers the outcome
func (h *handle) run(ctx context.Context) {
	started := time.Now()
	outcome := h.wait(ctx)
	outcome.Metrics.WallClockTime = time.Since(started).Seconds()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), stopGrace*3)
	defer cancel()
	if err := h.container.Terminate(cleanupCtx); err != nil {
		h.logger.Warn().Err(err).Str("container", h.name).Msg("Failed to remove container")
	}

	h.out <- outcome
}

func (h *handle) wait(ctx context.Context) interfaces.ContainerOutcome {
	if err := h.container.Start(ctx); err != nil {
		if h.stopped.Load() {
			return interfaces.ContainerOutcome{Reason: "container stopped"}
		}
		return interfaces.ContainerOutcome{Reason: fmt.Sprintf("container did not finish: %v", err)}
	}

	inspectCtx, cancel := context.WithTimeout(context.Background(), stopGrace*3)
	defer cancel()

	output := h.output(inspectCtx)
	report := ParseTimeOutput(output)

	st, err := h.container.State(inspectCtx)
	if err != nil {
		return interfaces.ContainerOutcome{Metrics: report.Metrics, Reason: fmt.Sprintf("inspect container: %v", err)}
	}

	switch {
	case h.stopped.Load():
		return interfaces.ContainerOutcome{Metrics: report.Metrics, Reason: "container stopped"}
	case st.OOMKilled:
		return interfaces.ContainerOutcome{Metrics: report.Metrics, Reason: "container killed: out of memory"}
	case st.ExitCode != 0:
		reason := fmt.Sprintf("exit code %d", st.ExitCode)
		if last := tail(StripTimeReport(output), logTailLines); last != "" {
			reason += ": " + last
		}
		return interfaces.ContainerOutcome{Metrics: report.Metrics, Reason: reason}
	}

	h.logger.Debug().
		Str("container", h.name).
		Str("cpu_time", fmt.Sprintf("%.2f", report.Metrics.CPUTime)).
		Str("max_memory_mb", fmt.Sprintf("%.1f", report.Metrics.MaxMemoryMBs)).
		Msg("Container finished")
	return interfaces.ContainerOutcome{Success: true, Metrics: report.Metrics}
}

func (h *handle) output(ctx context.Context) string {
	rc, err := h.container.Logs(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Str("container", h.name).Msg("Failed to read container logs")
		return ""
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		h.logger.Warn().Err(err).Str("container", h.name).Msg("Failed to read container logs")
	}
	return string(data)
}

package interfaces

import (
	"context"

	"github.com/ternarybob/meta/internal/models"
)

// ContainerSpec describes one external tool invocation.
type ContainerSpec struct {
	Name          string
	Image         string
	Args          []string
	Env           map[string]string
	Binds         []string // host:container[:mode]
	MemoryLimitMB int64
}

// ContainerOutcome is delivered exactly once per handle.
type ContainerOutcome struct {
	Success bool
	Metrics models.ExecutionMetrics
	Reason  string
}

// ContainerHandle is a running external invocation.
type ContainerHandle interface {
	ID() string
	Outcome() <-chan ContainerOutcome
	// Stop requests termination. The outcome channel still delivers.
	Stop(ctx context.Context) error
}

// ContainerRunner launches external containers.
type ContainerRunner interface {
	RunContainer(ctx context.Context, spec ContainerSpec) (ContainerHandle, error)
}

// ExecutionCanceller stops an in-flight sub-job execution, if any.
type ExecutionCanceller interface {
	CancelExecution(ctx context.Context, jobID string)
}

// -----------------------------------------------------------------------
// Sub-job - immutable spec plus mutable runtime state
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// SubJobSpec is the creation-time payload of a Simulation, Classification or
// Evaluation job. It is written once during fan-out and never modified.
type SubJobSpec struct {
	ID        string  `json:"id" badgerhold:"key"`
	UserJobID string  `json:"user_job_id" badgerhold:"index"`
	Type      JobType `json:"job_type"`
	ReadType  string  `json:"read_type"`

	// Classification only
	Classifier string `json:"classifier,omitempty"`
	FastqPath  string `json:"fastq_path,omitempty"`

	// Simulation only
	AbundanceTSV  string `json:"abundance_tsv,omitempty"`
	NumberOfReads int    `json:"number_of_reads,omitempty"`

	// DependsOn lists sub-jobs that must reach COMPLETED before this one may be enqueued.
	DependsOn []string `json:"depends_on,omitempty"`

	CreatedAt time.Time `json:"created_datetime"`
}

// SubJobState is the runtime payload mutated by the orchestrator and the ledger.
type SubJobState struct {
	ID        string    `json:"id" badgerhold:"key"`
	UserJobID string    `json:"user_job_id" badgerhold:"index"`
	Type      JobType   `json:"job_type"`
	Status    JobStatus `json:"status" badgerhold:"index"`

	// QueuePosition is zero until the job is enqueued.
	QueuePosition uint64 `json:"queue_position"`
	ContainerID   string `json:"container_id,omitempty"`

	CPUTime       float64 `json:"cpu_time"`
	WallClockTime float64 `json:"wall_clock_time"`
	MaxMemoryMBs  float64 `json:"max_memory_MBs"`

	Error string `json:"error,omitempty"`

	StartedAt   *time.Time `json:"started_datetime,omitempty"`
	UpdatedAt   time.Time  `json:"updated_datetime"`
	CompletedAt *time.Time `json:"completed_datetime,omitempty"`
}

// IsTerminal reports whether the job can no longer change status.
func (s *SubJobState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// IsEnqueued reports whether the job was assigned a dispatch position.
func (s *SubJobState) IsEnqueued() bool {
	return s.QueuePosition > 0
}

// SubJob combines both views for read paths.
type SubJob struct {
	SubJobSpec
	State SubJobState `json:"state"`
}

// NewSubJobState returns the initial QUEUED state for a spec.
func NewSubJobState(spec *SubJobSpec) *SubJobState {
	return &SubJobState{
		ID:        spec.ID,
		UserJobID: spec.UserJobID,
		Type:      spec.Type,
		Status:    JobStatusQueued,
		UpdatedAt: spec.CreatedAt,
	}
}

// SubJobField names a mutable field of SubJobState for field-level updates.
type SubJobField string

const (
	FieldContainerID   SubJobField = "container_id"
	FieldQueuePosition SubJobField = "queue_position"
	FieldCPUTime       SubJobField = "cpu_time"
	FieldWallClockTime SubJobField = "wall_clock_time"
	FieldMaxMemoryMBs  SubJobField = "max_memory_MBs"
	FieldError         SubJobField = "error"
)

// ExecutionMetrics are the resource figures reported by a finished container.
type ExecutionMetrics struct {
	CPUTime       float64 `json:"cpu_time"`
	WallClockTime float64 `json:"wall_clock_time"`
	MaxMemoryMBs  float64 `json:"max_memory_MBs"`
}

// Outcome is the result of running a sub-job, delivered to the ledger.
type Outcome struct {
	Status  JobStatus        `json:"status"`
	Metrics ExecutionMetrics `json:"metrics"`
	Reason  string           `json:"reason,omitempty"`
}

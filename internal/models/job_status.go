package models

// JobStatus is the lifecycle status shared by every job kind.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are permitted from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid reports whether s is one of the known statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobType identifies the kind of sub-job.
type JobType string

const (
	JobTypeSimulation     JobType = "SIMULATION"
	JobTypeClassification JobType = "CLASSIFICATION"
	JobTypeEvaluation     JobType = "EVALUATION"
)

// JobMode selects how reads for a UserJob are sourced.
type JobMode string

const (
	// JobModeRealReads classifies user supplied fastq files directly.
	JobModeRealReads JobMode = "REAL_READS"
	// JobModeSimulation simulates reads from an abundance profile before classifying.
	JobModeSimulation JobMode = "SIMULATION"
)

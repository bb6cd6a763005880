package models

import "time"

// UserJob is the top-level submission. Its Status is derived from its children and
// is only set directly when the user cancels it.
type UserJob struct {
	ID     string `json:"id" badgerhold:"key"`
	UserID string `json:"user_id" badgerhold:"index"`
	Title  string `json:"title"`

	ReadTypes   []string `json:"read_types"`
	Classifiers []string `json:"classifiers"`
	Mode        JobMode  `json:"mode"`

	// AbundanceTSV is the abundance profile used for read simulation.
	AbundanceTSV string `json:"abundance_tsv,omitempty"`
	// Fastq maps a read type to a real fastq path. A read type present here is never simulated.
	Fastq map[string]string `json:"fastq,omitempty"`

	CreatedAt   time.Time  `json:"created_datetime"`
	StartedAt   *time.Time `json:"started_datetime,omitempty"`
	UpdatedAt   time.Time  `json:"updated_datetime"`
	CompletedAt *time.Time `json:"completed_datetime,omitempty"`

	TotalChildJobs     int `json:"total_child_jobs"`
	ChildJobsCompleted int `json:"child_jobs_completed"`

	// Children lists every child id in creation order. Queue holds the ones still pending.
	Children []string `json:"children"`
	Queue    []string `json:"queue"`

	Status          JobStatus `json:"status" badgerhold:"index"`
	Hide            bool      `json:"hide"`
	CancelledByUser bool      `json:"cancelled_by_user"`
	Error           string    `json:"error,omitempty"`
}

// FastqFor returns the supplied real fastq for a read type, if any.
func (j *UserJob) FastqFor(readType string) (string, bool) {
	if j.Fastq == nil {
		return "", false
	}
	path, ok := j.Fastq[readType]
	return path, ok && path != ""
}

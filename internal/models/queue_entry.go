package models

import "time"

// QueueEntry is the durable dispatch record for a pending or in-flight sub-job.
// Position is assigned once and never reused.
type QueueEntry struct {
	Position  uint64     `json:"queue_position"`
	JobType   JobType    `json:"job_type"`
	JobID     string     `json:"job_id"`
	UserJobID string     `json:"user_job_id"`
	Claimed   bool       `json:"claimed"`
	CreatedAt time.Time  `json:"created_datetime"`
	StartedAt *time.Time `json:"started_datetime,omitempty"`
	UpdatedAt time.Time  `json:"updated_datetime"`
}

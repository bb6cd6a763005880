package models

import "time"

// User is a registrant who owns UserJobs. UserJobs is append-only.
type User struct {
	ID        string    `json:"id" badgerhold:"key"`
	Name      string    `json:"name"`
	Email     string    `json:"email" badgerhold:"index"`
	UserJobs  []string  `json:"user_jobs"`
	CreatedAt time.Time `json:"created_at"`
}

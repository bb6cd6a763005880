// Package state holds the lifecycle shared by Simulation, Classification and
// Evaluation jobs.
package state

import (
	"fmt"
	"time"

	"github.com/ternarybob/meta/internal/models"
)

// transitions lists every legal edge. Terminal statuses have no outgoing edges.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:     {models.JobStatusProcessing, models.JobStatusCancelled},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns a wrapped ErrInvalidTransition otherwise.
func Transition(from, to models.JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	return nil
}

// Apply moves a sub-job state to a new status, stamping timestamps.
// On error the state is left untouched.
func Apply(s *models.SubJobState, to models.JobStatus, now time.Time) error {
	if err := Transition(s.Status, to); err != nil {
		return fmt.Errorf("job %s: %w", s.ID, err)
	}

	now = now.UTC()
	s.Status = to
	s.UpdatedAt = now

	switch {
	case to == models.JobStatusProcessing:
		s.StartedAt = &now
	case to.IsTerminal():
		s.CompletedAt = &now
	}
	return nil
}

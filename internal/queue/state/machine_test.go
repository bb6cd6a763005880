package state

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/meta/internal/models"
)

var allStatuses = []models.JobStatus{
	models.JobStatusQueued,
	models.JobStatusProcessing,
	models.JobStatusCompleted,
	models.JobStatusFailed,
	models.JobStatusCancelled,
}

func TestTransition_LegalEdges(t *testing.T) {
	legal := []struct {
		from, to models.JobStatus
	}{
		{models.JobStatusQueued, models.JobStatusProcessing},
		{models.JobStatusQueued, models.JobStatusCancelled},
		{models.JobStatusProcessing, models.JobStatusCompleted},
		{models.JobStatusProcessing, models.JobStatusFailed},
		{models.JobStatusProcessing, models.JobStatusCancelled},
	}

	for _, tc := range legal {
		assert.NoError(t, Transition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransition_IllegalEdges(t *testing.T) {
	illegal := []struct {
		from, to models.JobStatus
	}{
		{models.JobStatusQueued, models.JobStatusCompleted},
		{models.JobStatusQueued, models.JobStatusFailed},
		{models.JobStatusQueued, models.JobStatusQueued},
		{models.JobStatusProcessing, models.JobStatusQueued},
		{models.JobStatusProcessing, models.JobStatusProcessing},
	}

	for _, tc := range illegal {
		err := Transition(tc.from, tc.to)
		assert.True(t, errors.Is(err, models.ErrInvalidTransition), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransition_NothingLeavesTerminal(t *testing.T) {
	for _, from := range allStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range allStatuses {
			err := Transition(from, to)
			assert.ErrorIs(t, err, models.ErrInvalidTransition, "%s -> %s", from, to)
		}
	}
}

func TestApply_StampsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &models.SubJobState{ID: "job-1", Status: models.JobStatusQueued}

	require.NoError(t, Apply(s, models.JobStatusProcessing, now))
	require.NotNil(t, s.StartedAt)
	assert.Equal(t, now, *s.StartedAt)
	assert.Nil(t, s.CompletedAt)

	later := now.Add(time.Minute)
	require.NoError(t, Apply(s, models.JobStatusCompleted, later))
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, later, *s.CompletedAt)
	assert.Equal(t, later, s.UpdatedAt)
}

func TestApply_RejectedLeavesStateUnchanged(t *testing.T) {
	now := time.Now()
	for _, terminal := range []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled} {
		s := &models.SubJobState{ID: "job-1", Status: terminal}
		before := *s

		for _, to := range allStatuses {
			err := Apply(s, to, now)
			assert.ErrorIs(t, err, models.ErrInvalidTransition)
			assert.Equal(t, before, *s)
		}
	}
}

// Random walks over the status graph never escape a terminal state.
func TestApply_RandomSequences(t *testing.T) {
	seq := []models.JobStatus{
		models.JobStatusProcessing, models.JobStatusQueued, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusProcessing,
	}

	for start := 0; start < len(seq); start++ {
		s := &models.SubJobState{ID: "walk", Status: models.JobStatusQueued}
		reachedTerminal := models.JobStatus("")

		for i := 0; i < len(seq)*2; i++ {
			to := seq[(start+i)%len(seq)]
			err := Apply(s, to, time.Now())
			if reachedTerminal != "" {
				assert.Error(t, err)
				assert.Equal(t, reachedTerminal, s.Status)
				continue
			}
			if err == nil && s.Status.IsTerminal() {
				reachedTerminal = s.Status
			}
		}
	}
}

package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
)

// Dispatch is the global, position-ordered queue of sub-jobs. It knows nothing
// about dependencies; the ledger only hands it jobs that are ready to run.
type Dispatch struct {
	storage interfaces.DispatchStorage
	events  interfaces.EventService // Optional: may be nil for testing
	logger  arbor.ILogger

	// mu serializes position assignment and claim so no position is handed
	// out twice and no job is claimed twice.
	mu sync.Mutex
}

// NewDispatch creates a dispatch queue over durable storage
func NewDispatch(storage interfaces.DispatchStorage, events interfaces.EventService, logger arbor.ILogger) *Dispatch {
	return &Dispatch{
		storage: storage,
		events:  events,
		logger:  logger,
	}
}

// Enqueue appends a job at the tail and returns its position.
// A wrapped ErrQueueWrite means nothing was scheduled.
func (d *Dispatch) Enqueue(ctx context.Context, jobType models.JobType, jobID string) (uint64, error) {
	d.mu.Lock()
	position, err := d.storage.Enqueue(ctx, jobType, jobID)
	d.mu.Unlock()

	if err != nil {
		d.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("job_type", string(jobType)).
			Msg("Failed to enqueue job")
		return 0, err
	}

	d.logger.Debug().
		Str("job_id", jobID).
		Str("job_type", string(jobType)).
		Int64("position", int64(position)).
		Msg("Job enqueued")

	if d.events != nil {
		_ = d.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventSubJobEnqueued,
			Payload: map[string]interface{}{
				"job_id":         jobID,
				"job_type":       string(jobType),
				"queue_position": position,
			},
		})
	}
	return position, nil
}

// ClaimNext returns the lowest-position QUEUED job, already moved to PROCESSING.
// Returns ErrQueueEmpty when nothing is waiting.
func (d *Dispatch) ClaimNext(ctx context.Context) (*models.QueueEntry, error) {
	d.mu.Lock()
	entry, err := d.storage.ClaimNext(ctx)
	d.mu.Unlock()

	if err != nil {
		if !errors.Is(err, models.ErrQueueEmpty) {
			d.logger.Error().Err(err).Msg("Failed to claim next job")
		}
		return nil, err
	}

	d.logger.Info().
		Str("job_id", entry.JobID).
		Str("job_type", string(entry.JobType)).
		Str("user_job_id", entry.UserJobID).
		Int64("position", int64(entry.Position)).
		Msg("Job claimed")

	return entry, nil
}

// Cancel moves a QUEUED or PROCESSING job to CANCELLED without renumbering
// any other position.
func (d *Dispatch) Cancel(ctx context.Context, jobID string) (*models.SubJobState, error) {
	d.mu.Lock()
	st, err := d.storage.Cancel(ctx, jobID)
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	d.logger.Info().
		Str("job_id", jobID).
		Int64("position", int64(st.QueuePosition)).
		Msg("Job cancelled")
	return st, nil
}

// Remove drops the entry of a job that reached a terminal status
func (d *Dispatch) Remove(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.storage.Remove(ctx, jobID)
}

// List returns pending and in-flight entries in position order
func (d *Dispatch) List(ctx context.Context) ([]*models.QueueEntry, error) {
	return d.storage.List(ctx)
}

// LastPosition returns the highest position ever assigned, 0 before the first enqueue
func (d *Dispatch) LastPosition(ctx context.Context) (uint64, error) {
	return d.storage.MaxPosition(ctx)
}

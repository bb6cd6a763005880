package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
)

// Sweeper periodically fails executions that outlived ExecutionTimeout and
// redrives active UserJobs whose ready children were never enqueued.
type Sweeper struct {
	ledger    *Ledger
	subJobs   interfaces.SubJobStorage
	canceller interfaces.ExecutionCanceller
	timeout   time.Duration
	schedule  string
	logger    arbor.ILogger

	cron *cron.Cron
	now  func() time.Time
}

// NewSweeper creates a sweeper. canceller may be nil.
func NewSweeper(ledger *Ledger, subJobs interfaces.SubJobStorage, canceller interfaces.ExecutionCanceller, config Config, logger arbor.ILogger) *Sweeper {
	return &Sweeper{
		ledger:    ledger,
		subJobs:   subJobs,
		canceller: canceller,
		timeout:   config.ExecutionTimeout,
		schedule:  config.SweepSchedule,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweep on its cron schedule
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()

	s.logger.Info().
		Str("schedule", s.schedule).
		Str("timeout", s.timeout.String()).
		Msg("Sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep fails every PROCESSING job started before now-timeout and returns
// how many were failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	states, err := s.subJobs.ListStatesByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return 0, err
	}

	cutoff := s.now().Add(-s.timeout)
	failed := 0
	for _, st := range states {
		if st.StartedAt == nil || st.StartedAt.After(cutoff) {
			continue
		}

		outcome := models.Outcome{
			Status: models.JobStatusFailed,
			Reason: fmt.Sprintf("%v: execution timeout after %s", models.ErrExternalExecution, s.timeout),
		}
		if err := s.ledger.RecordChildCompletion(ctx, st.UserJobID, st.ID, outcome); err != nil {
			s.logger.Warn().Err(err).Str("job_id", st.ID).Msg("Failed to fail stale sub-job")
			continue
		}
		if s.canceller != nil {
			s.canceller.CancelExecution(ctx, st.ID)
		}

		s.logger.Warn().
			Str("job_id", st.ID).
			Str("user_job_id", st.UserJobID).
			Str("started", st.StartedAt.Format(time.RFC3339)).
			Msg("Failed stale sub-job")
		failed++
	}

	if _, err := s.ledger.Redrive(ctx); err != nil {
		return failed, err
	}
	return failed, nil
}

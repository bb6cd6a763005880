package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"github.com/ternarybob/meta/internal/queue/state"
)

// lockStripes is the number of mutexes UserJob ids are hashed onto
const lockStripes = 64

// errAlreadyTerminal aborts a state update for a child that already finished
var errAlreadyTerminal = errors.New("sub-job already terminal")

// Ledger owns the relationship between a UserJob and its children. It fans a
// submission out into sub-jobs, gates dependants on their dependencies,
// records child outcomes and derives the parent status.
//
// All mutations of one UserJob run under that UserJob's lock stripe. No
// operation holds two stripes at once.
type Ledger struct {
	userJobs interfaces.UserJobStorage
	subJobs  interfaces.SubJobStorage
	dispatch *Dispatch
	events   interfaces.EventService // Optional: may be nil for testing
	config   Config
	logger   arbor.ILogger

	cancellerMu sync.RWMutex
	canceller   interfaces.ExecutionCanceller

	locks [lockStripes]sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewLedger creates a job ledger
func NewLedger(
	userJobs interfaces.UserJobStorage,
	subJobs interfaces.SubJobStorage,
	dispatch *Dispatch,
	events interfaces.EventService,
	config Config,
	logger arbor.ILogger,
) *Ledger {
	return &Ledger{
		userJobs: userJobs,
		subJobs:  subJobs,
		dispatch: dispatch,
		events:   events,
		config:   config,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    common.NewID,
	}
}

// SetCanceller wires the component that stops in-flight executions.
// Cascading cancels only touch stored state until this is set.
func (l *Ledger) SetCanceller(c interfaces.ExecutionCanceller) {
	l.cancellerMu.Lock()
	defer l.cancellerMu.Unlock()
	l.canceller = c
}

func (l *Ledger) stopExecution(ctx context.Context, jobID string) {
	l.cancellerMu.RLock()
	c := l.canceller
	l.cancellerMu.RUnlock()
	if c != nil {
		c.CancelExecution(ctx, jobID)
	}
}

func (l *Ledger) lock(userJobID string) func() {
	mu := &l.locks[xxhash.Sum64String(userJobID)%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// FanOut builds the child specs of a UserJob.
//
// REAL_READS, and any read type with a supplied fastq, yields one
// classification per (read type, classifier). Other read types in SIMULATION
// mode yield a simulation job, classifications depending on it, and one
// evaluation depending on all of those classifications.
func FanOut(job *models.UserJob, numberOfReads int, newID func() string, now time.Time) []*models.SubJobSpec {
	var specs []*models.SubJobSpec
	add := func(spec *models.SubJobSpec) *models.SubJobSpec {
		spec.ID = newID()
		spec.UserJobID = job.ID
		// Offset keeps creation order stable when sorting by CreatedAt.
		spec.CreatedAt = now.Add(time.Duration(len(specs)))
		specs = append(specs, spec)
		return spec
	}

	for _, readType := range job.ReadTypes {
		fastq, supplied := job.FastqFor(readType)
		if job.Mode == models.JobModeRealReads || supplied {
			for _, classifier := range job.Classifiers {
				add(&models.SubJobSpec{
					Type:       models.JobTypeClassification,
					ReadType:   readType,
					Classifier: classifier,
					FastqPath:  fastq,
				})
			}
			continue
		}

		sim := add(&models.SubJobSpec{
			Type:          models.JobTypeSimulation,
			ReadType:      readType,
			AbundanceTSV:  job.AbundanceTSV,
			NumberOfReads: numberOfReads,
		})

		classificationIDs := make([]string, 0, len(job.Classifiers))
		for _, classifier := range job.Classifiers {
			c := add(&models.SubJobSpec{
				Type:       models.JobTypeClassification,
				ReadType:   readType,
				Classifier: classifier,
				FastqPath:  SimulatedFastqPath(job.ID, readType),
				DependsOn:  []string{sim.ID},
			})
			classificationIDs = append(classificationIDs, c.ID)
		}

		add(&models.SubJobSpec{
			Type:         models.JobTypeEvaluation,
			ReadType:     readType,
			AbundanceTSV: job.AbundanceTSV,
			DependsOn:    classificationIDs,
		})
	}
	return specs
}

// Submit persists a new UserJob with its children and enqueues every child
// that has no unmet dependency.
func (l *Ledger) Submit(ctx context.Context, job *models.UserJob) (*models.UserJob, error) {
	if job.ID == "" {
		job.ID = l.newID()
	}

	now := l.now()
	specs := FanOut(job, l.config.NumberOfReads, l.newID, now)
	if len(specs) == 0 {
		return nil, fmt.Errorf("user job %s yields no sub-jobs", job.ID)
	}

	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	job.StartedAt = nil
	job.CompletedAt = nil
	job.TotalChildJobs = len(specs)
	job.ChildJobsCompleted = 0
	job.Children = make([]string, 0, len(specs))
	for _, spec := range specs {
		job.Children = append(job.Children, spec.ID)
	}
	job.Queue = append([]string(nil), job.Children...)

	unlock := l.lock(job.ID)
	defer unlock()

	if err := l.userJobs.SaveUserJob(ctx, job); err != nil {
		return nil, err
	}

	for _, spec := range specs {
		if err := l.subJobs.CreateSubJob(ctx, spec, models.NewSubJobState(spec)); err != nil {
			l.abortSubmission(ctx, job.ID, err)
			return nil, err
		}
	}

	l.logger.Info().
		Str("user_job_id", job.ID).
		Str("mode", string(job.Mode)).
		Int("children", len(specs)).
		Msg("User job submitted")

	l.publish(ctx, interfaces.EventUserJobSubmitted, map[string]interface{}{
		"user_job_id":      job.ID,
		"user_id":          job.UserID,
		"mode":             string(job.Mode),
		"total_child_jobs": job.TotalChildJobs,
	})

	if _, err := l.enqueueReadyLocked(ctx, job.ID); err != nil {
		l.abortSubmission(ctx, job.ID, err)
		return nil, err
	}
	return l.userJobs.GetUserJob(ctx, job.ID)
}

// abortSubmission retires a UserJob whose submission failed part way. Its
// children are cancelled and it is stored FAILED and hidden, so neither
// Redrive nor listings pick it up and a resubmission does not run twice.
func (l *Ledger) abortSubmission(ctx context.Context, userJobID string, cause error) {
	l.logger.Error().Err(cause).Str("user_job_id", userJobID).Msg("Submission failed, aborting user job")

	l.cascadeCancel(ctx, userJobID, "")
	_, err := l.userJobs.UpdateUserJob(ctx, userJobID, func(job *models.UserJob) error {
		now := l.now()
		job.Status = models.JobStatusFailed
		job.Error = fmt.Sprintf("submission failed: %v", cause)
		job.Queue = nil
		job.Hide = true
		job.UpdatedAt = now
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		l.logger.Warn().Err(err).Str("user_job_id", userJobID).Msg("Failed to mark aborted user job")
	}
}

// EnqueueReady enqueues every QUEUED child of a UserJob whose dependencies
// are all COMPLETED and which holds no position yet. Safe to call repeatedly.
func (l *Ledger) EnqueueReady(ctx context.Context, userJobID string) (int, error) {
	unlock := l.lock(userJobID)
	defer unlock()
	return l.enqueueReadyLocked(ctx, userJobID)
}

func (l *Ledger) enqueueReadyLocked(ctx context.Context, userJobID string) (int, error) {
	children, err := l.subJobs.ListByUserJob(ctx, userJobID)
	if err != nil {
		return 0, err
	}

	statusByID := make(map[string]models.JobStatus, len(children))
	for _, child := range children {
		statusByID[child.ID] = child.State.Status
	}

	enqueued := 0
	for _, child := range children {
		if child.State.Status != models.JobStatusQueued || child.State.IsEnqueued() {
			continue
		}
		if !dependenciesMet(child.DependsOn, statusByID) {
			continue
		}
		if _, err := l.dispatch.Enqueue(ctx, child.Type, child.ID); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

func dependenciesMet(deps []string, statusByID map[string]models.JobStatus) bool {
	for _, dep := range deps {
		if statusByID[dep] != models.JobStatusCompleted {
			return false
		}
	}
	return true
}

// EnqueueChild enqueues one child. Fails with ErrDependencyNotSatisfied while
// any dependency is not COMPLETED.
func (l *Ledger) EnqueueChild(ctx context.Context, childID string) (uint64, error) {
	spec, err := l.subJobs.GetSpec(ctx, childID)
	if err != nil {
		return 0, err
	}

	unlock := l.lock(spec.UserJobID)
	defer unlock()
	return l.enqueueChildLocked(ctx, spec)
}

func (l *Ledger) enqueueChildLocked(ctx context.Context, spec *models.SubJobSpec) (uint64, error) {
	for _, dep := range spec.DependsOn {
		st, err := l.subJobs.GetState(ctx, dep)
		if err != nil {
			return 0, err
		}
		if st.Status != models.JobStatusCompleted {
			return 0, fmt.Errorf("%w: %s waits on %s (%s)", models.ErrDependencyNotSatisfied, spec.ID, dep, st.Status)
		}
	}
	return l.dispatch.Enqueue(ctx, spec.Type, spec.ID)
}

// ClaimNext claims the next dispatch entry and refreshes its UserJob, which
// moves the parent to PROCESSING and stamps its start time on the first claim.
// Returns ErrQueueEmpty when nothing is waiting.
func (l *Ledger) ClaimNext(ctx context.Context) (*models.QueueEntry, error) {
	entry, err := l.dispatch.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}

	unlock := l.lock(entry.UserJobID)
	defer unlock()

	if spec, err := l.subJobs.GetSpec(ctx, entry.JobID); err == nil {
		if st, err := l.subJobs.GetState(ctx, entry.JobID); err == nil {
			l.publishSubJob(ctx, spec, st)
		}
	}

	// The claim is committed either way; a stale parent is fixed by the next refresh.
	if _, err := l.refreshLocked(ctx, entry.UserJobID); err != nil {
		l.logger.Warn().Err(err).Str("user_job_id", entry.UserJobID).Msg("Failed to refresh user job after claim")
	}
	return entry, nil
}

// RecordChildCompletion applies a terminal outcome to a child and updates its
// parent. A child that is already terminal is left untouched and nil is
// returned, so late or duplicate reports are harmless.
func (l *Ledger) RecordChildCompletion(ctx context.Context, userJobID, childID string, outcome models.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: outcome status %s is not terminal", models.ErrInvalidTransition, outcome.Status)
	}

	unlock := l.lock(userJobID)
	defer unlock()

	spec, err := l.subJobs.GetSpec(ctx, childID)
	if err != nil {
		return err
	}
	if spec.UserJobID != userJobID {
		return fmt.Errorf("sub-job %s of user job %s: %w", childID, userJobID, models.ErrNotFound)
	}

	st, err := l.subJobs.UpdateState(ctx, childID, func(st *models.SubJobState) error {
		if st.IsTerminal() {
			return errAlreadyTerminal
		}
		if err := state.Apply(st, outcome.Status, l.now()); err != nil {
			return err
		}
		st.CPUTime = outcome.Metrics.CPUTime
		st.WallClockTime = outcome.Metrics.WallClockTime
		st.MaxMemoryMBs = outcome.Metrics.MaxMemoryMBs
		if outcome.Status != models.JobStatusCompleted {
			st.Error = outcome.Reason
		}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		l.logger.Debug().
			Str("job_id", childID).
			Str("outcome", string(outcome.Status)).
			Msg("Ignoring outcome for terminal sub-job")
		return nil
	}
	if err != nil {
		return err
	}

	if err := l.dispatch.Remove(ctx, childID); err != nil {
		l.logger.Warn().Err(err).Str("job_id", childID).Msg("Failed to drop dispatch entry")
	}

	l.logger.Info().
		Str("user_job_id", userJobID).
		Str("job_id", childID).
		Str("job_type", string(spec.Type)).
		Str("status", string(st.Status)).
		Msg("Sub-job finished")
	l.publishSubJob(ctx, spec, st)

	var releaseErr error
	switch outcome.Status {
	case models.JobStatusCompleted:
		releaseErr = l.releaseDependants(ctx, spec)
	case models.JobStatusFailed:
		l.cascadeCancel(ctx, userJobID, childID)
		_, err := l.userJobs.UpdateUserJob(ctx, userJobID, func(job *models.UserJob) error {
			if job.Error == "" {
				job.Error = fmt.Sprintf("%s job %s failed: %s", spec.Type, childID, outcome.Reason)
			}
			return nil
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("user_job_id", userJobID).Msg("Failed to record user job error")
		}
	case models.JobStatusCancelled:
		l.cancelDependants(ctx, spec)
	}

	if _, err := l.refreshLocked(ctx, userJobID); err != nil {
		return err
	}
	return releaseErr
}

// releaseDependants enqueues dependants whose last dependency just completed
func (l *Ledger) releaseDependants(ctx context.Context, spec *models.SubJobSpec) error {
	dependants, err := l.subJobs.FindDependants(ctx, spec.UserJobID, spec.ID)
	if err != nil {
		return err
	}

	for _, dependant := range dependants {
		st, err := l.subJobs.GetState(ctx, dependant.ID)
		if err != nil {
			return err
		}
		if st.Status != models.JobStatusQueued || st.IsEnqueued() {
			continue
		}
		if _, err := l.enqueueChildLocked(ctx, dependant); err != nil {
			if errors.Is(err, models.ErrDependencyNotSatisfied) {
				continue
			}
			return err
		}
	}
	return nil
}

// cascadeCancel cancels every non-terminal child except exceptID
func (l *Ledger) cascadeCancel(ctx context.Context, userJobID, exceptID string) {
	children, err := l.subJobs.ListByUserJob(ctx, userJobID)
	if err != nil {
		l.logger.Warn().Err(err).Str("user_job_id", userJobID).Msg("Failed to list children for cancel")
		return
	}
	for _, child := range children {
		if child.ID == exceptID || child.State.IsTerminal() {
			continue
		}
		l.cancelChildLocked(ctx, &child.SubJobSpec)
	}
}

// cancelDependants cancels every transitive dependant of spec
func (l *Ledger) cancelDependants(ctx context.Context, spec *models.SubJobSpec) {
	dependants, err := l.subJobs.FindDependants(ctx, spec.UserJobID, spec.ID)
	if err != nil {
		l.logger.Warn().Err(err).Str("job_id", spec.ID).Msg("Failed to find dependants")
		return
	}
	for _, dependant := range dependants {
		if l.cancelChildLocked(ctx, dependant) {
			l.cancelDependants(ctx, dependant)
		}
	}
}

func (l *Ledger) cancelChildLocked(ctx context.Context, spec *models.SubJobSpec) bool {
	st, err := l.dispatch.Cancel(ctx, spec.ID)
	if err != nil {
		if !errors.Is(err, models.ErrInvalidTransition) {
			l.logger.Warn().Err(err).Str("job_id", spec.ID).Msg("Failed to cancel sub-job")
		}
		return false
	}
	l.stopExecution(ctx, spec.ID)
	l.publishSubJob(ctx, spec, st)
	return true
}

// CancelUserJob cancels a UserJob and every child that has not finished.
func (l *Ledger) CancelUserJob(ctx context.Context, userJobID string) (*models.UserJob, error) {
	unlock := l.lock(userJobID)
	defer unlock()

	job, err := l.userJobs.GetUserJob(ctx, userJobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: user job %s is %s", models.ErrInvalidTransition, userJobID, job.Status)
	}

	if _, err := l.userJobs.UpdateUserJob(ctx, userJobID, func(job *models.UserJob) error {
		job.CancelledByUser = true
		return nil
	}); err != nil {
		return nil, err
	}

	l.cascadeCancel(ctx, userJobID, "")
	l.logger.Info().Str("user_job_id", userJobID).Msg("User job cancelled")
	return l.refreshLocked(ctx, userJobID)
}

// CancelChild cancels one child and its transitive dependants.
func (l *Ledger) CancelChild(ctx context.Context, childID string) (*models.SubJobState, error) {
	spec, err := l.subJobs.GetSpec(ctx, childID)
	if err != nil {
		return nil, err
	}

	unlock := l.lock(spec.UserJobID)
	defer unlock()

	st, err := l.dispatch.Cancel(ctx, childID)
	if err != nil {
		return nil, err
	}
	l.stopExecution(ctx, childID)
	l.publishSubJob(ctx, spec, st)
	l.cancelDependants(ctx, spec)

	if _, err := l.refreshLocked(ctx, spec.UserJobID); err != nil {
		return nil, err
	}
	return st, nil
}

// Hide toggles the visibility flag of a UserJob
func (l *Ledger) Hide(ctx context.Context, userJobID string, hide bool) (*models.UserJob, error) {
	unlock := l.lock(userJobID)
	defer unlock()

	return l.userJobs.UpdateUserJob(ctx, userJobID, func(job *models.UserJob) error {
		job.Hide = hide
		job.UpdatedAt = l.now()
		return nil
	})
}

// Refresh recomputes the derived fields of a UserJob from its children
func (l *Ledger) Refresh(ctx context.Context, userJobID string) (*models.UserJob, error) {
	unlock := l.lock(userJobID)
	defer unlock()
	return l.refreshLocked(ctx, userJobID)
}

func (l *Ledger) refreshLocked(ctx context.Context, userJobID string) (*models.UserJob, error) {
	children, err := l.subJobs.ListByUserJob(ctx, userJobID)
	if err != nil {
		return nil, err
	}

	states := make([]*models.SubJobState, 0, len(children))
	byID := make(map[string]*models.SubJobState, len(children))
	for _, child := range children {
		st := child.State
		states = append(states, &st)
		byID[child.ID] = &st
	}

	var before models.JobStatus
	job, err := l.userJobs.UpdateUserJob(ctx, userJobID, func(job *models.UserJob) error {
		before = job.Status

		completed := 0
		var earliest *time.Time
		for _, st := range states {
			if st.Status == models.JobStatusCompleted {
				completed++
			}
			if st.StartedAt != nil && (earliest == nil || st.StartedAt.Before(*earliest)) {
				earliest = st.StartedAt
			}
		}

		queue := make([]string, 0, len(job.Children))
		for _, id := range job.Children {
			if st, ok := byID[id]; ok && !st.IsTerminal() {
				queue = append(queue, id)
			}
		}

		now := l.now()
		job.ChildJobsCompleted = completed
		job.Queue = queue
		// A terminal parent keeps its status; its children are all terminal too.
		if !job.Status.IsTerminal() {
			job.Status = DeriveStatus(job, states)
		}
		job.UpdatedAt = now
		if job.StartedAt == nil && earliest != nil {
			started := *earliest
			job.StartedAt = &started
		}
		if job.Status.IsTerminal() && job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Status != before {
		l.logger.Info().
			Str("user_job_id", userJobID).
			Str("from", string(before)).
			Str("to", string(job.Status)).
			Int("completed", job.ChildJobsCompleted).
			Int("total", job.TotalChildJobs).
			Msg("User job status changed")
		l.publish(ctx, interfaces.EventUserJobStatus, map[string]interface{}{
			"user_job_id":          job.ID,
			"status":               string(job.Status),
			"child_jobs_completed": job.ChildJobsCompleted,
			"total_child_jobs":     job.TotalChildJobs,
			"error":                job.Error,
		})
	}
	return job, nil
}

// DeriveStatus computes a UserJob status from its children, first match wins:
//
//	cancelled by user                    -> CANCELLED
//	any child FAILED                     -> FAILED
//	every child COMPLETED                -> COMPLETED
//	every child terminal, some CANCELLED -> CANCELLED
//	any child left QUEUED                -> PROCESSING
//	otherwise                            -> QUEUED
func DeriveStatus(job *models.UserJob, children []*models.SubJobState) models.JobStatus {
	if job.CancelledByUser {
		return models.JobStatusCancelled
	}
	if len(children) == 0 {
		return models.JobStatusQueued
	}

	anyFailed := false
	anyStarted := false
	allCompleted := true
	allTerminal := true
	for _, st := range children {
		switch st.Status {
		case models.JobStatusFailed:
			anyFailed = true
		case models.JobStatusCompleted:
		default:
			allCompleted = false
		}
		if !st.IsTerminal() {
			allTerminal = false
		}
		if st.Status != models.JobStatusQueued {
			anyStarted = true
		}
	}

	complete := len(children) >= job.TotalChildJobs
	switch {
	case anyFailed:
		return models.JobStatusFailed
	case allCompleted && complete:
		return models.JobStatusCompleted
	case allTerminal && complete:
		return models.JobStatusCancelled
	case anyStarted:
		return models.JobStatusProcessing
	default:
		return models.JobStatusQueued
	}
}

// Recover is run once at startup. Nothing is in flight yet, so every
// PROCESSING child is an orphan of the previous run and is failed. Every
// active UserJob is then refreshed and its ready children enqueued.
func (l *Ledger) Recover(ctx context.Context) error {
	orphans, err := l.subJobs.ListStatesByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return err
	}
	for _, st := range orphans {
		outcome := models.Outcome{
			Status: models.JobStatusFailed,
			Reason: "execution interrupted by service restart",
		}
		if err := l.RecordChildCompletion(ctx, st.UserJobID, st.ID, outcome); err != nil {
			l.logger.Warn().Err(err).Str("job_id", st.ID).Msg("Failed to fail orphaned sub-job")
		}
	}
	if len(orphans) > 0 {
		l.logger.Warn().Int("count", len(orphans)).Msg("Failed sub-jobs orphaned by restart")
	}

	_, err = l.Redrive(ctx)
	return err
}

// Redrive refreshes every active UserJob and enqueues its ready children.
// Covers dependants whose release failed on a queue write error.
func (l *Ledger) Redrive(ctx context.Context) (int, error) {
	jobs, err := l.userJobs.ListActiveUserJobs(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	var firstErr error
	for _, job := range jobs {
		n, err := l.redriveOne(ctx, job.ID)
		total += n
		if err != nil {
			l.logger.Warn().Err(err).Str("user_job_id", job.ID).Msg("Failed to redrive user job")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if total > 0 {
		l.logger.Info().Int("enqueued", total).Msg("Redrive enqueued ready sub-jobs")
	}
	return total, firstErr
}

func (l *Ledger) redriveOne(ctx context.Context, userJobID string) (int, error) {
	unlock := l.lock(userJobID)
	defer unlock()

	job, err := l.refreshLocked(ctx, userJobID)
	if err != nil {
		return 0, err
	}
	if job.Status.IsTerminal() {
		return 0, nil
	}
	return l.enqueueReadyLocked(ctx, userJobID)
}

func (l *Ledger) publishSubJob(ctx context.Context, spec *models.SubJobSpec, st *models.SubJobState) {
	l.publish(ctx, interfaces.EventSubJobStatus, map[string]interface{}{
		"job_id":         spec.ID,
		"user_job_id":    spec.UserJobID,
		"job_type":       string(spec.Type),
		"read_type":      spec.ReadType,
		"classifier":     spec.Classifier,
		"status":         string(st.Status),
		"queue_position": st.QueuePosition,
		"error":          st.Error,
	})
}

func (l *Ledger) publish(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		l.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}

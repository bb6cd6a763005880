package queue

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
)

// stopTimeout bounds how long stopping a container may take
const stopTimeout = 30 * time.Second

// Orchestrator claims jobs through the ledger and runs each one in a
// container. Executions run asynchronously, up to Concurrency at a time.
// Every outcome is reported to the ledger exactly once; nothing is retried.
type Orchestrator struct {
	ledger      *Ledger
	subJobs     interfaces.SubJobStorage
	classifiers interfaces.ClassifierStorage
	runner      interfaces.ContainerRunner
	config      Config
	logger      arbor.ILogger

	slots chan struct{}
	wake  chan struct{}

	mu       sync.Mutex
	inflight map[string]interfaces.ContainerHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator and registers it with the ledger
// as the canceller of in-flight executions.
func NewOrchestrator(
	ledger *Ledger,
	storage interfaces.StorageManager,
	runner interfaces.ContainerRunner,
	config Config,
	logger arbor.ILogger,
) *Orchestrator {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = NewDefaultConfig().PollInterval
	}

	o := &Orchestrator{
		ledger:      ledger,
		subJobs:     storage.SubJobStorage(),
		classifiers: storage.ClassifierStorage(),
		runner:      runner,
		config:      config,
		logger:      logger,
		slots:       make(chan struct{}, config.Concurrency),
		wake:        make(chan struct{}, 1),
		inflight:    make(map[string]interfaces.ContainerHandle),
	}
	ledger.SetCanceller(o)
	return o
}

// Start begins the poll loop
func (o *Orchestrator) Start() {
	o.ctx, o.cancel = context.WithCancel(context.Background())

	o.wg.Add(1)
	common.SafeGo(o.logger, "orchestrator", func() {
		defer o.wg.Done()
		o.loop(o.ctx)
	})

	o.logger.Info().
		Int("concurrency", o.config.Concurrency).
		Str("poll_interval", o.config.PollInterval.String()).
		Msg("Orchestrator started")
}

// Stop halts polling, stops running containers and waits for every
// execution to report.
func (o *Orchestrator) Stop() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.logger.Info().Msg("Orchestrator stopped")
}

// Wake triggers a poll without waiting for the next tick
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// InFlight returns the number of running executions
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

func (o *Orchestrator) loop(ctx context.Context) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		o.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// drain claims jobs while a slot is free and the queue is not empty
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		select {
		case o.slots <- struct{}{}:
		default:
			return
		}

		entry, err := o.ledger.ClaimNext(ctx)
		if err != nil {
			<-o.slots
			if !errors.Is(err, models.ErrQueueEmpty) {
				o.logger.Warn().Err(err).Msg("Claim failed, retrying on next poll")
			}
			return
		}

		o.wg.Add(1)
		common.SafeGo(o.logger, "execute:"+entry.JobID, func() {
			defer o.wg.Done()
			defer func() {
				<-o.slots
				o.Wake()
			}()
			o.execute(ctx, entry)
		})
	}
}

func (o *Orchestrator) execute(ctx context.Context, entry *models.QueueEntry) {
	logger := o.logger.WithCorrelationId(entry.JobID)

	spec, err := o.subJobs.GetSpec(ctx, entry.JobID)
	if err != nil {
		o.report(entry, models.Outcome{Status: models.JobStatusFailed, Reason: err.Error()})
		return
	}

	cspec, err := o.containerSpec(ctx, spec)
	if err != nil {
		o.report(entry, models.Outcome{Status: models.JobStatusFailed, Reason: err.Error()})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, o.config.ExecutionTimeout)
	defer cancel()

	started := time.Now()
	handle, err := o.runner.RunContainer(runCtx, cspec)
	if err != nil {
		o.report(entry, failure(fmt.Sprintf("container launch failed: %v", err), time.Since(started)))
		return
	}

	o.track(spec.ID, handle)
	defer o.untrack(spec.ID)

	if err := o.subJobs.UpdateField(ctx, spec.ID, models.FieldContainerID, handle.ID()); err != nil {
		logger.Warn().Err(err).Msg("Failed to record container id")
	}

	// A cancel that landed between claim and track found nothing to stop.
	if st, err := o.subJobs.GetState(ctx, spec.ID); err == nil && st.IsTerminal() {
		o.stopHandle(handle)
	}

	logger.Info().
		Str("job_type", string(spec.Type)).
		Str("image", cspec.Image).
		Str("container_id", handle.ID()).
		Msg("Container started")

	select {
	case out := <-handle.Outcome():
		if out.Metrics.WallClockTime == 0 {
			out.Metrics.WallClockTime = time.Since(started).Seconds()
		}
		if out.Success {
			o.report(entry, models.Outcome{Status: models.JobStatusCompleted, Metrics: out.Metrics})
			return
		}
		outcome := failure(out.Reason, time.Since(started))
		outcome.Metrics = out.Metrics
		o.report(entry, outcome)

	case <-runCtx.Done():
		o.stopHandle(handle)
		if ctx.Err() != nil {
			o.report(entry, failure("orchestrator shutting down", time.Since(started)))
			return
		}
		o.report(entry, failure("execution timeout after "+o.config.ExecutionTimeout.String(), time.Since(started)))
	}
}

func failure(reason string, elapsed time.Duration) models.Outcome {
	return models.Outcome{
		Status:  models.JobStatusFailed,
		Metrics: models.ExecutionMetrics{WallClockTime: elapsed.Seconds()},
		Reason:  fmt.Sprintf("%v: %s", models.ErrExternalExecution, reason),
	}
}

// report hands the outcome to the ledger. It uses a fresh context so a
// shutdown still records the result.
func (o *Orchestrator) report(entry *models.QueueEntry, outcome models.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := o.ledger.RecordChildCompletion(ctx, entry.UserJobID, entry.JobID, outcome); err != nil {
		o.logger.Error().
			Err(err).
			Str("job_id", entry.JobID).
			Str("outcome", string(outcome.Status)).
			Msg("Failed to record sub-job outcome")
	}
}

// CancelExecution stops the container of a running job, if any. The
// execution still reports, and the ledger ignores it as the job is terminal.
func (o *Orchestrator) CancelExecution(ctx context.Context, jobID string) {
	o.mu.Lock()
	handle, ok := o.inflight[jobID]
	o.mu.Unlock()
	if !ok {
		return
	}

	o.logger.Info().Str("job_id", jobID).Str("container_id", handle.ID()).Msg("Stopping container")
	common.SafeGo(o.logger, "stop:"+jobID, func() {
		o.stopHandle(handle)
	})
}

func (o *Orchestrator) stopHandle(handle interfaces.ContainerHandle) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		o.logger.Warn().Err(err).Str("container_id", handle.ID()).Msg("Failed to stop container")
	}
}

func (o *Orchestrator) track(jobID string, handle interfaces.ContainerHandle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inflight[jobID] = handle
}

func (o *Orchestrator) untrack(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, jobID)
}

// containerSpec resolves the image and expanded arguments for a sub-job
func (o *Orchestrator) containerSpec(ctx context.Context, spec *models.SubJobSpec) (interfaces.ContainerSpec, error) {
	hostDir, err := filepath.Abs(o.config.DataDir)
	if err != nil {
		return interfaces.ContainerSpec{}, fmt.Errorf("resolve data dir: %w", err)
	}

	vars := map[string]string{
		"user_job_id": spec.UserJobID,
		"job_id":      spec.ID,
		"read_type":   spec.ReadType,
		"data_dir":    ContainerDataDir,
		"run_dir":     RunDir(spec.UserJobID),
	}

	cs := interfaces.ContainerSpec{
		Name:          containerName(spec),
		Binds:         []string{hostDir + ":" + ContainerDataDir},
		MemoryLimitMB: o.config.MemoryLimitMB,
		Env: map[string]string{
			"META_USER_JOB_ID": spec.UserJobID,
			"META_JOB_ID":      spec.ID,
		},
	}

	var template []string
	switch spec.Type {
	case models.JobTypeSimulation:
		vars["abundance_tsv"] = spec.AbundanceTSV
		vars["number_of_reads"] = strconv.Itoa(spec.NumberOfReads)
		vars["output"] = SimulatedFastqPath(spec.UserJobID, spec.ReadType)
		cs.Image = o.config.Simulation.Image
		template = o.config.Simulation.Command

	case models.JobTypeClassification:
		classifier, err := o.classifiers.GetClassifier(ctx, spec.Classifier)
		if err != nil {
			return interfaces.ContainerSpec{}, err
		}
		if !classifier.SupportsFormat(path.Ext(spec.FastqPath)) {
			return interfaces.ContainerSpec{}, fmt.Errorf("classifier %s does not accept %s files", classifier.Name, path.Ext(spec.FastqPath))
		}
		vars["classifier"] = classifier.Name
		vars["database"] = classifier.DatabaseName
		vars["fastq"] = spec.FastqPath
		vars["output"] = ReportPath(spec.UserJobID, spec.ReadType, classifier.Name)
		vars["output_dir"] = ReportsDir(spec.UserJobID, spec.ReadType)
		cs.Image = classifier.Image
		template = classifier.ClassifyCLI

	case models.JobTypeEvaluation:
		vars["abundance_tsv"] = spec.AbundanceTSV
		vars["reports_dir"] = ReportsDir(spec.UserJobID, spec.ReadType)
		vars["output"] = EvaluationPath(spec.UserJobID, spec.ReadType)
		cs.Image = o.config.Evaluation.Image
		template = o.config.Evaluation.Command

	default:
		return interfaces.ContainerSpec{}, fmt.Errorf("unknown job type %q", spec.Type)
	}

	cs.Args = common.ExpandArgs(template, vars, o.logger)
	return cs, nil
}

func containerName(spec *models.SubJobSpec) string {
	id := spec.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("meta-%s-%s", strings.ToLower(string(spec.Type)), id)
}

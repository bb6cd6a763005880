package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	badgerstore "github.com/ternarybob/meta/internal/storage/badger"
)

type testEnv struct {
	storage  interfaces.StorageManager
	dispatch *Dispatch
	ledger   *Ledger
	config   Config
	logger   arbor.ILogger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := arbor.NewLogger()
	sm, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Close() })

	cfg := NewDefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.DataDir = t.TempDir()
	cfg.NumberOfReads = 1000

	ctx := context.Background()
	for _, c := range []*models.Classifier{
		{Name: "kraken2", Image: "meta/kraken2:latest", FileFormats: []string{"fastq", "fq"}, DatabaseName: "standard",
			ClassifyCLI: []string{"kraken2", "--db", "/db/{database}", "--output", "{output}", "{fastq}"}},
		{Name: "centrifuge", Image: "meta/centrifuge:latest", FileFormats: []string{"fastq"}, DatabaseName: "p_compressed",
			ClassifyCLI: []string{"centrifuge", "-x", "{database}", "-U", "{fastq}", "-S", "{output}"}},
	} {
		require.NoError(t, sm.ClassifierStorage().SaveClassifier(ctx, c))
	}

	d := NewDispatch(sm.DispatchStorage(), nil, logger)
	l := NewLedger(sm.UserJobStorage(), sm.SubJobStorage(), d, nil, cfg, logger)

	return &testEnv{storage: sm, dispatch: d, ledger: l, config: cfg, logger: logger}
}

func (e *testEnv) submitRealReads(t *testing.T, readTypes, classifiers []string) *models.UserJob {
	t.Helper()

	fastq := make(map[string]string, len(readTypes))
	for _, r := range readTypes {
		fastq[r] = fmt.Sprintf("/data/uploads/%s.fastq", r)
	}
	job, err := e.ledger.Submit(context.Background(), &models.UserJob{
		UserID:      "user-1",
		Title:       "real reads",
		ReadTypes:   readTypes,
		Classifiers: classifiers,
		Mode:        models.JobModeRealReads,
		Fastq:       fastq,
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) submitSimulation(t *testing.T, readTypes, classifiers []string) *models.UserJob {
	t.Helper()

	job, err := e.ledger.Submit(context.Background(), &models.UserJob{
		UserID:       "user-1",
		Title:        "simulation",
		ReadTypes:    readTypes,
		Classifiers:  classifiers,
		Mode:         models.JobModeSimulation,
		AbundanceTSV: "/data/uploads/profile.tsv",
	})
	require.NoError(t, err)
	return job
}

func (e *testEnv) userJob(t *testing.T, id string) *models.UserJob {
	t.Helper()
	job, err := e.storage.UserJobStorage().GetUserJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (e *testEnv) children(t *testing.T, userJobID string) []*models.SubJob {
	t.Helper()
	children, err := e.storage.SubJobStorage().ListByUserJob(context.Background(), userJobID)
	require.NoError(t, err)
	return children
}

func (e *testEnv) state(t *testing.T, id string) *models.SubJobState {
	t.Helper()
	st, err := e.storage.SubJobStorage().GetState(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (e *testEnv) claim(t *testing.T) *models.QueueEntry {
	t.Helper()
	entry, err := e.ledger.ClaimNext(context.Background())
	require.NoError(t, err)
	return entry
}

func (e *testEnv) finish(t *testing.T, entry *models.QueueEntry, status models.JobStatus) {
	t.Helper()
	outcome := models.Outcome{Status: status, Metrics: models.ExecutionMetrics{CPUTime: 1.5, WallClockTime: 2, MaxMemoryMBs: 64}}
	if status == models.JobStatusFailed {
		outcome.Reason = "exit code 1"
	}
	require.NoError(t, e.ledger.RecordChildCompletion(context.Background(), entry.UserJobID, entry.JobID, outcome))
}

// drainAll claims and completes jobs until the queue is empty
func (e *testEnv) drainAll(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		entry, err := e.ledger.ClaimNext(context.Background())
		if err != nil {
			require.ErrorIs(t, err, models.ErrQueueEmpty)
			return n
		}
		e.finish(t, entry, models.JobStatusCompleted)
		n++
	}
}

func byType(children []*models.SubJob, jobType models.JobType) []*models.SubJob {
	var out []*models.SubJob
	for _, c := range children {
		if c.Type == jobType {
			out = append(out, c)
		}
	}
	return out
}

// fakeHandle is a container that finishes when told to or when stopped
type fakeHandle struct {
	id      string
	spec    interfaces.ContainerSpec
	out     chan interfaces.ContainerOutcome
	once    sync.Once
	stopped atomic.Bool
}

func (h *fakeHandle) ID() string { return h.id }
func (h *fakeHandle) Outcome() <-chan interfaces.ContainerOutcome { return h.out }

func (h *fakeHandle) Stop(ctx context.Context) error {
	h.stopped.Store(true)
	h.finish(interfaces.ContainerOutcome{Success: false, Reason: "container stopped"})
	return nil
}

func (h *fakeHandle) finish(outcome interfaces.ContainerOutcome) {
	h.once.Do(func() { h.out <- outcome })
}

// fakeRunner records launches. decide returns the outcome to deliver at
// once, or nil to hold the container until finished or stopped.
type fakeRunner struct {
	mu        sync.Mutex
	handles   []*fakeHandle
	decide    func(spec interfaces.ContainerSpec) *interfaces.ContainerOutcome
	launchErr error
}

func (r *fakeRunner) RunContainer(ctx context.Context, spec interfaces.ContainerSpec) (interfaces.ContainerHandle, error) {
	if r.launchErr != nil {
		return nil, r.launchErr
	}

	r.mu.Lock()
	h := &fakeHandle{
		id:   fmt.Sprintf("container-%d", len(r.handles)+1),
		spec: spec,
		out:  make(chan interfaces.ContainerOutcome, 1),
	}
	r.handles = append(r.handles, h)
	r.mu.Unlock()

	if r.decide != nil {
		if outcome := r.decide(spec); outcome != nil {
			h.finish(*outcome)
		}
	}
	return h, nil
}

func (r *fakeRunner) launched() []*fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*fakeHandle(nil), r.handles...)
}

func succeed(spec interfaces.ContainerSpec) *interfaces.ContainerOutcome {
	return &interfaces.ContainerOutcome{
		Success: true,
		Metrics: models.ExecutionMetrics{CPUTime: 3.25, WallClockTime: 4, MaxMemoryMBs: 512},
	}
}

func hold(spec interfaces.ContainerSpec) *interfaces.ContainerOutcome { return nil }

// recordingCanceller captures CancelExecution calls
type recordingCanceller struct {
	mu  sync.Mutex
	ids []string
}

func (c *recordingCanceller) CancelExecution(ctx context.Context, jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, jobID)
}

func (c *recordingCanceller) cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

// flakyDispatchStorage accepts the first ok enqueues, then fails every
// enqueue as a lost durable write
type flakyDispatchStorage struct {
	interfaces.DispatchStorage
	ok int
}

func (s *flakyDispatchStorage) Enqueue(ctx context.Context, jobType models.JobType, jobID string) (uint64, error) {
	if s.ok <= 0 {
		return 0, fmt.Errorf("%w: enqueue %s: value log sync failed", models.ErrQueueWrite, jobID)
	}
	s.ok--
	return s.DispatchStorage.Enqueue(ctx, jobType, jobID)
}
